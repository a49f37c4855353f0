package application

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/psiclinic/api/internal/domain/scale"
	"github.com/psiclinic/api/internal/platform/notification"
	"github.com/psiclinic/api/internal/platform/retry"
)

// Roles accepted by ListFor.
const (
	RolePsychologist = "psychologist"
	RolePatient      = "patient"
)

// NotifyTimeout bounds each detached notification insert.
const NotifyTimeout = 5 * time.Second

// Notifier is the notification side-channel used after state changes.
type Notifier interface {
	SendFromTemplate(ctx context.Context, templateID string, data map[string]string, recipient uuid.UUID, reference *uuid.UUID) (*notification.Notification, error)
}

type Service struct {
	apps     Repository
	scales   scale.Repository
	patients PatientDirectory
	notifier Notifier
	clock    clockwork.Clock
	logger   zerolog.Logger
	readPol  retry.Policy
	writePol retry.Policy

	wg sync.WaitGroup
}

// NewService wires the lifecycle manager. notifier may be nil, which turns
// notifications off; a nil clock uses the real clock.
func NewService(apps Repository, scales scale.Repository, patients PatientDirectory, notifier Notifier, clock clockwork.Clock, logger zerolog.Logger) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{
		apps:     apps,
		scales:   scales,
		patients: patients,
		notifier: notifier,
		clock:    clock,
		logger:   logger.With().Str("component", "application").Logger(),
		readPol:  retry.ReadOne,
		writePol: retry.Default,
	}
}

// SetRetryPolicies overrides the retry budgets for single reads and for
// lists and writes.
func (s *Service) SetRetryPolicies(read, write retry.Policy) {
	s.readPol = read
	s.writePol = write
}

// Wait blocks until in-flight notifications have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Assign creates a pending application of scaleID for patientID. The scale
// must exist and be active.
func (s *Service) Assign(ctx context.Context, psychologistID, patientID, scaleID uuid.UUID, dueDate time.Time) (*Application, error) {
	if psychologistID == uuid.Nil {
		return nil, fmt.Errorf("%w: psychologist_id is required", ErrInvalid)
	}
	if patientID == uuid.Nil {
		return nil, fmt.Errorf("%w: patient_id is required", ErrInvalid)
	}
	if scaleID == uuid.Nil {
		return nil, fmt.Errorf("%w: scale_id is required", ErrInvalid)
	}
	if dueDate.IsZero() {
		return nil, fmt.Errorf("%w: due_date is required", ErrInvalid)
	}

	def, err := s.loadScale(ctx, scaleID)
	if err != nil {
		return nil, err
	}
	if def == nil || !def.IsActive() {
		return nil, fmt.Errorf("scale %s: %w", scaleID, ErrScaleUnavailable)
	}

	a := &Application{
		ID:             uuid.New(),
		PsychologistID: psychologistID,
		PatientID:      patientID,
		ScaleID:        scaleID,
		DueDate:        dueDate,
		Status:         StatusPending,
		CreatedAt:      s.clock.Now(),
	}
	if err := retry.Exec(ctx, s.writePol, func(ctx context.Context) error {
		return s.apps.Create(ctx, a)
	}); err != nil {
		return nil, fmt.Errorf("assign scale: %w", err)
	}

	s.logger.Info().
		Str("application_id", a.ID.String()).
		Str("scale_id", scaleID.String()).
		Str("patient_id", patientID.String()).
		Msg("scale assigned")

	s.notify(notification.TemplateScaleAssigned, map[string]string{
		"scale_name": def.Name,
		"due_date":   dueDate.Format("2006-01-02"),
	}, psychologistID, a.ID)
	return a, nil
}

// Submit scores responses against the linked definition and completes the
// application. It returns ErrNotPending when the application was already
// completed or expired, including when another writer got there first.
func (s *Service) Submit(ctx context.Context, applicationID uuid.UUID, responses scale.Responses) error {
	a, err := retry.Do(ctx, s.readPol, func(ctx context.Context) (*Application, error) {
		return s.apps.GetByID(ctx, applicationID)
	})
	if err != nil {
		return err
	}
	if a.Status != StatusPending {
		return fmt.Errorf("application %s is %s: %w", applicationID, a.Status, ErrNotPending)
	}

	def, err := s.loadScale(ctx, a.ScaleID)
	if err != nil {
		return err
	}
	if def == nil {
		return fmt.Errorf("scale %s of application %s: %w", a.ScaleID, applicationID, ErrScaleUnavailable)
	}

	score := scale.ComputeScore(def, responses)
	if err := retry.Exec(ctx, s.writePol, func(ctx context.Context) error {
		return s.apps.Complete(ctx, applicationID, responses, score, s.clock.Now())
	}); err != nil {
		return err
	}

	interpretation := scale.InterpretScore(def, score)
	s.logger.Info().
		Str("application_id", applicationID.String()).
		Int("score", score).
		Str("interpretation", interpretation).
		Msg("scale completed")

	s.notify(notification.TemplateScaleCompleted, map[string]string{
		"scale_name":     def.Name,
		"score":          strconv.Itoa(score),
		"interpretation": interpretation,
	}, a.PsychologistID, applicationID)
	return nil
}

// SweepExpired moves pending applications due before now to expired and
// returns the ids it changed. Running it again with the same now is a no-op.
func (s *Service) SweepExpired(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	overdue, err := retry.Do(ctx, s.writePol, func(ctx context.Context) ([]uuid.UUID, error) {
		return s.apps.ListOverdue(ctx, now)
	})
	if err != nil {
		return nil, fmt.Errorf("sweep expired: %w", err)
	}
	if len(overdue) == 0 {
		return []uuid.UUID{}, nil
	}

	expired, err := retry.Do(ctx, s.writePol, func(ctx context.Context) ([]Expiry, error) {
		return s.apps.MarkExpired(ctx, overdue)
	})
	if err != nil {
		return nil, fmt.Errorf("sweep expired: %w", err)
	}

	ids := make([]uuid.UUID, 0, len(expired))
	perPsychologist := make(map[uuid.UUID]int)
	for _, e := range expired {
		ids = append(ids, e.ID)
		perPsychologist[e.PsychologistID]++
	}
	s.logger.Info().Int("overdue", len(overdue)).Int("expired", len(ids)).Msg("expired applications swept")

	for psychologistID, n := range perPsychologist {
		s.notify(notification.TemplateScalesExpired, map[string]string{
			"count": strconv.Itoa(n),
		}, psychologistID, uuid.Nil)
	}
	return ids, nil
}

// ListFor returns the applications owned by ownerID in the given role,
// newest first. Psychologist views include the patient.
func (s *Service) ListFor(ctx context.Context, role string, ownerID uuid.UUID) ([]*Detail, error) {
	var list func(context.Context) ([]*Application, error)
	switch role {
	case RolePsychologist:
		list = func(ctx context.Context) ([]*Application, error) { return s.apps.ListByPsychologist(ctx, ownerID) }
	case RolePatient:
		list = func(ctx context.Context) ([]*Application, error) { return s.apps.ListByPatient(ctx, ownerID) }
	default:
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalid, role)
	}

	apps, err := retry.Do(ctx, s.writePol, list)
	if err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}
	if len(apps) == 0 {
		return []*Detail{}, nil
	}

	scaleIDs := uniqueIDs(apps, func(a *Application) uuid.UUID { return a.ScaleID })
	var (
		defs     []*scale.Scale
		patients map[uuid.UUID]Patient
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		defs, err = retry.Do(gctx, s.writePol, func(ctx context.Context) ([]*scale.Scale, error) {
			return s.scales.GetMany(ctx, scaleIDs)
		})
		return err
	})
	if role == RolePsychologist {
		patientIDs := uniqueIDs(apps, func(a *Application) uuid.UUID { return a.PatientID })
		g.Go(func() error {
			var err error
			patients, err = retry.Do(gctx, s.writePol, func(ctx context.Context) (map[uuid.UUID]Patient, error) {
				return s.patients.Lookup(ctx, patientIDs)
			})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}

	byID := make(map[uuid.UUID]*scale.Scale, len(defs))
	for _, d := range defs {
		byID[d.ID] = d
	}
	out := make([]*Detail, 0, len(apps))
	for _, a := range apps {
		d := newDetail(a, byID[a.ScaleID])
		if role == RolePsychologist {
			d.Patient = patientOrPlaceholder(patients, a.PatientID)
		}
		out = append(out, d)
	}
	return out, nil
}

// GetByID returns the application joined with its scale and patient, or nil
// when it does not exist.
func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (*Detail, error) {
	a, err := retry.Do(ctx, s.readPol, func(ctx context.Context) (*Application, error) {
		return s.apps.GetByID(ctx, id)
	})
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var (
		def      *scale.Scale
		patients map[uuid.UUID]Patient
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		def, err = s.loadScale(gctx, a.ScaleID)
		return err
	})
	g.Go(func() error {
		var err error
		patients, err = retry.Do(gctx, s.readPol, func(ctx context.Context) (map[uuid.UUID]Patient, error) {
			return s.patients.Lookup(ctx, []uuid.UUID{a.PatientID})
		})
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("get application %s: %w", id, err)
	}

	d := newDetail(a, def)
	d.Patient = patientOrPlaceholder(patients, a.PatientID)
	return d, nil
}

// loadScale returns nil when the scale does not exist.
func (s *Service) loadScale(ctx context.Context, id uuid.UUID) (*scale.Scale, error) {
	def, err := retry.Do(ctx, s.readPol, func(ctx context.Context) (*scale.Scale, error) {
		return s.scales.GetByID(ctx, id)
	})
	if errors.Is(err, scale.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load scale %s: %w", id, err)
	}
	return def, nil
}

// notify sends a templated notification in the background. Failures are
// logged and otherwise ignored.
func (s *Service) notify(templateID string, data map[string]string, recipient, reference uuid.UUID) {
	if s.notifier == nil {
		return
	}
	var ref *uuid.UUID
	if reference != uuid.Nil {
		ref = &reference
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), NotifyTimeout)
		defer cancel()
		if _, err := s.notifier.SendFromTemplate(ctx, templateID, data, recipient, ref); err != nil {
			s.logger.Warn().
				Err(err).
				Str("template", templateID).
				Str("recipient_id", recipient.String()).
				Msg("notification failed")
		}
	}()
}

func patientOrPlaceholder(patients map[uuid.UUID]Patient, id uuid.UUID) *Patient {
	if p, ok := patients[id]; ok {
		return &p
	}
	return &Patient{Name: PatientNotFound}
}

func uniqueIDs(apps []*Application, key func(*Application) uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(apps))
	ids := make([]uuid.UUID, 0, len(apps))
	for _, a := range apps {
		id := key(a)
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}
