package application

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psiclinic/api/internal/domain/scale"
	"github.com/psiclinic/api/internal/platform/notification"
	"github.com/psiclinic/api/internal/platform/retry"
)

// ---------------------------------------------------------------------------
// In-memory collaborators
// ---------------------------------------------------------------------------

type memApps struct {
	mu        sync.Mutex
	store     map[uuid.UUID]*Application
	failWith  error
	failTimes int
	calls     int
}

func newMemApps() *memApps {
	return &memApps{store: make(map[uuid.UUID]*Application)}
}

func (m *memApps) fail() error {
	m.calls++
	if m.failTimes > 0 {
		m.failTimes--
		return m.failWith
	}
	return nil
}

func (m *memApps) Create(_ context.Context, a *Application) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	cp := *a
	m.store[a.ID] = &cp
	return nil
}

func (m *memApps) GetByID(_ context.Context, id uuid.UUID) (*Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return nil, err
	}
	a, ok := m.store[id]
	if !ok {
		return nil, fmt.Errorf("application %s: %w", id, ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (m *memApps) list(match func(*Application) bool) ([]*Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return nil, err
	}
	var out []*Application
	for _, a := range m.store {
		if match(a) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memApps) ListByPsychologist(_ context.Context, id uuid.UUID) ([]*Application, error) {
	return m.list(func(a *Application) bool { return a.PsychologistID == id })
}

func (m *memApps) ListByPatient(_ context.Context, id uuid.UUID) ([]*Application, error) {
	return m.list(func(a *Application) bool { return a.PatientID == id })
}

func (m *memApps) Complete(_ context.Context, id uuid.UUID, responses scale.Responses, score int, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	a, ok := m.store[id]
	if !ok || a.Status != StatusPending {
		return fmt.Errorf("application %s: %w", id, ErrNotPending)
	}
	a.Responses = responses
	a.Score = &score
	a.Status = StatusCompleted
	a.CompletedAt = &completedAt
	return nil
}

func (m *memApps) ListOverdue(_ context.Context, now time.Time) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return nil, err
	}
	var ids []uuid.UUID
	for _, a := range m.store {
		if a.Status == StatusPending && a.DueDate.Before(now) {
			ids = append(ids, a.ID)
		}
	}
	return ids, nil
}

func (m *memApps) MarkExpired(_ context.Context, ids []uuid.UUID) ([]Expiry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return nil, err
	}
	var out []Expiry
	for _, id := range ids {
		if a, ok := m.store[id]; ok && a.Status == StatusPending {
			a.Status = StatusExpired
			out = append(out, Expiry{ID: id, PsychologistID: a.PsychologistID})
		}
	}
	return out, nil
}

func (m *memApps) get(id uuid.UUID) *Application {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.store[id]
	return &cp
}

type memScales struct {
	mu    sync.Mutex
	store map[uuid.UUID]*scale.Scale
}

func newMemScales(defs ...*scale.Scale) *memScales {
	m := &memScales{store: make(map[uuid.UUID]*scale.Scale)}
	for _, d := range defs {
		m.store[d.ID] = d
	}
	return m
}

func (m *memScales) ListActive(context.Context) ([]*scale.Scale, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*scale.Scale
	for _, d := range m.store {
		if d.IsActive() {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memScales) GetByID(_ context.Context, id uuid.UUID) (*scale.Scale, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.store[id]
	if !ok {
		return nil, fmt.Errorf("scale %s: %w", id, scale.ErrNotFound)
	}
	return d, nil
}

func (m *memScales) GetMany(_ context.Context, ids []uuid.UUID) ([]*scale.Scale, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*scale.Scale
	for _, id := range ids {
		if d, ok := m.store[id]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memScales) Create(_ context.Context, d *scale.Scale) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store[d.ID] = d
	return nil
}

type memPatients map[uuid.UUID]Patient

func (m memPatients) Lookup(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]Patient, error) {
	out := make(map[uuid.UUID]Patient)
	for _, id := range ids {
		if p, ok := m[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

type sentNotification struct {
	template  string
	data      map[string]string
	recipient uuid.UUID
	reference *uuid.UUID
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
	err  error
}

func (f *fakeNotifier) SendFromTemplate(_ context.Context, templateID string, data map[string]string, recipient uuid.UUID, reference *uuid.UUID) (*notification.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, sentNotification{templateID, data, recipient, reference})
	return &notification.Notification{ID: uuid.New(), RecipientID: recipient}, nil
}

func (f *fakeNotifier) byTemplate(id string) []sentNotification {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentNotification
	for _, n := range f.sent {
		if n.template == id {
			out = append(out, n)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

var fastRetry = retry.Policy{MaxAttempts: 2, InitialDelay: time.Millisecond}

func threeItemScale() *scale.Scale {
	return &scale.Scale{
		ID:              uuid.New(),
		Name:            "Mood",
		Kind:            scale.KindCustom,
		Status:          scale.StatusActive,
		ScoringStrategy: scale.StrategyDirectSum,
		Questions: scale.QuestionSpec{
			Layout: scale.LayoutFlat,
			Items:  []scale.Item{{Text: "a"}, {Text: "b"}, {Text: "c"}},
			Options: []scale.Option{
				{Value: 0, Label: "never"},
				{Value: 1, Label: "sometimes"},
				{Value: 2, Label: "often"},
				{Value: 3, Label: "always"},
			},
			Scoring: &scale.Scoring{Ranges: []scale.Range{
				{Min: 0, Max: 4, Label: "minimal"},
				{Min: 5, Max: 9, Label: "moderate"},
			}},
		},
	}
}

type fixture struct {
	svc      *Service
	apps     *memApps
	scales   *memScales
	patients memPatients
	notifier *fakeNotifier
	clock    *clockwork.FakeClock
	def      *scale.Scale
}

func newFixture() *fixture {
	def := threeItemScale()
	f := &fixture{
		apps:     newMemApps(),
		scales:   newMemScales(def),
		patients: memPatients{},
		notifier: &fakeNotifier{},
		clock:    clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)),
		def:      def,
	}
	f.svc = NewService(f.apps, f.scales, f.patients, f.notifier, f.clock, zerolog.Nop())
	f.svc.SetRetryPolicies(fastRetry, fastRetry)
	return f
}

func (f *fixture) assign(t *testing.T, psychologist, patient uuid.UUID, due time.Time) *Application {
	t.Helper()
	a, err := f.svc.Assign(context.Background(), psychologist, patient, f.def.ID, due)
	require.NoError(t, err)
	return a
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestService_Assign(t *testing.T) {
	f := newFixture()
	psychologist, patient := uuid.New(), uuid.New()
	due := f.clock.Now().Add(7 * 24 * time.Hour)

	a := f.assign(t, psychologist, patient, due)
	f.svc.Wait()

	stored := f.apps.get(a.ID)
	assert.Equal(t, StatusPending, stored.Status)
	assert.Nil(t, stored.Responses)
	assert.Nil(t, stored.Score)
	assert.Nil(t, stored.CompletedAt)
	assert.Equal(t, f.clock.Now(), stored.CreatedAt)
	assert.Equal(t, due, stored.DueDate)

	sent := f.notifier.byTemplate(notification.TemplateScaleAssigned)
	require.Len(t, sent, 1)
	assert.Equal(t, psychologist, sent[0].recipient)
	require.NotNil(t, sent[0].reference)
	assert.Equal(t, a.ID, *sent[0].reference)
	assert.Equal(t, "Mood", sent[0].data["scale_name"])
}

func TestService_Assign_Validation(t *testing.T) {
	f := newFixture()
	due := f.clock.Now().Add(time.Hour)
	ctx := context.Background()

	_, err := f.svc.Assign(ctx, uuid.Nil, uuid.New(), f.def.ID, due)
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = f.svc.Assign(ctx, uuid.New(), uuid.Nil, f.def.ID, due)
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = f.svc.Assign(ctx, uuid.New(), uuid.New(), f.def.ID, time.Time{})
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Empty(t, f.apps.store)
}

func TestService_Assign_ScaleUnavailable(t *testing.T) {
	f := newFixture()
	due := f.clock.Now().Add(time.Hour)

	_, err := f.svc.Assign(context.Background(), uuid.New(), uuid.New(), uuid.New(), due)
	assert.ErrorIs(t, err, ErrScaleUnavailable)

	f.def.Status = scale.StatusInactive
	_, err = f.svc.Assign(context.Background(), uuid.New(), uuid.New(), f.def.ID, due)
	assert.ErrorIs(t, err, ErrScaleUnavailable)
	assert.Empty(t, f.apps.store)
}

func TestService_Assign_DueDateInPastAccepted(t *testing.T) {
	f := newFixture()
	a := f.assign(t, uuid.New(), uuid.New(), f.clock.Now().Add(-time.Hour))
	assert.Equal(t, StatusPending, a.Status)
}

func TestService_Assign_NotificationFailureIgnored(t *testing.T) {
	f := newFixture()
	f.notifier.err = errors.New("notifications table unavailable")

	a, err := f.svc.Assign(context.Background(), uuid.New(), uuid.New(), f.def.ID, f.clock.Now().Add(time.Hour))
	f.svc.Wait()

	require.NoError(t, err)
	assert.Equal(t, StatusPending, f.apps.get(a.ID).Status)
}

func TestService_Assign_RetriesRateLimitedInsert(t *testing.T) {
	f := newFixture()
	f.apps.failWith = retry.ErrRateLimited
	f.apps.failTimes = 2

	a, err := f.svc.Assign(context.Background(), uuid.New(), uuid.New(), f.def.ID, f.clock.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, f.apps.calls)
	assert.Equal(t, StatusPending, f.apps.get(a.ID).Status)
}

func TestService_Assign_RateLimitExhausted(t *testing.T) {
	f := newFixture()
	f.apps.failWith = retry.ErrRateLimited
	f.apps.failTimes = 10

	_, err := f.svc.Assign(context.Background(), uuid.New(), uuid.New(), f.def.ID, f.clock.Now().Add(time.Hour))
	assert.ErrorIs(t, err, retry.ErrRateLimited)
	assert.Equal(t, 1+fastRetry.MaxAttempts, f.apps.calls)
}

func TestService_Submit(t *testing.T) {
	f := newFixture()
	psychologist := uuid.New()
	a := f.assign(t, psychologist, uuid.New(), f.clock.Now().Add(24*time.Hour))

	f.clock.Advance(time.Hour)
	err := f.svc.Submit(context.Background(), a.ID, scale.Responses{"0": 1, "1": 2, "2": 2})
	require.NoError(t, err)
	f.svc.Wait()

	stored := f.apps.get(a.ID)
	assert.Equal(t, StatusCompleted, stored.Status)
	require.NotNil(t, stored.Score)
	assert.Equal(t, 5, *stored.Score)
	require.NotNil(t, stored.CompletedAt)
	assert.Equal(t, f.clock.Now(), *stored.CompletedAt)
	assert.Equal(t, scale.Responses{"0": 1, "1": 2, "2": 2}, stored.Responses)

	sent := f.notifier.byTemplate(notification.TemplateScaleCompleted)
	require.Len(t, sent, 1)
	assert.Equal(t, psychologist, sent[0].recipient)
	assert.Equal(t, "5", sent[0].data["score"])
	assert.Equal(t, "moderate", sent[0].data["interpretation"])
}

func TestService_Submit_Twice(t *testing.T) {
	f := newFixture()
	a := f.assign(t, uuid.New(), uuid.New(), f.clock.Now().Add(24*time.Hour))
	ctx := context.Background()

	require.NoError(t, f.svc.Submit(ctx, a.ID, scale.Responses{"0": 1, "1": 1, "2": 1}))
	err := f.svc.Submit(ctx, a.ID, scale.Responses{"0": 3, "1": 3, "2": 3})
	assert.ErrorIs(t, err, ErrNotPending)

	stored := f.apps.get(a.ID)
	assert.Equal(t, 3, *stored.Score)
}

func TestService_Submit_LosesRaceToSweep(t *testing.T) {
	f := newFixture()
	a := f.assign(t, uuid.New(), uuid.New(), f.clock.Now().Add(time.Hour))

	// The sweep lands between Submit's read and its guarded update.
	_, err := f.apps.MarkExpired(context.Background(), []uuid.UUID{a.ID})
	require.NoError(t, err)
	err = f.apps.Complete(context.Background(), a.ID, scale.Responses{"0": 1}, 1, f.clock.Now())
	assert.ErrorIs(t, err, ErrNotPending)
	assert.Nil(t, f.apps.get(a.ID).Score)
}

func TestService_Submit_Expired(t *testing.T) {
	f := newFixture()
	a := f.assign(t, uuid.New(), uuid.New(), f.clock.Now().Add(time.Hour))
	_, err := f.svc.SweepExpired(context.Background(), f.clock.Now().Add(2*time.Hour))
	require.NoError(t, err)

	err = f.svc.Submit(context.Background(), a.ID, scale.Responses{"0": 1, "1": 1, "2": 1})
	assert.ErrorIs(t, err, ErrNotPending)
	assert.Nil(t, f.apps.get(a.ID).Score)
}

func TestService_Submit_NotFound(t *testing.T) {
	f := newFixture()
	err := f.svc.Submit(context.Background(), uuid.New(), scale.Responses{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_Submit_DefinitionGone(t *testing.T) {
	f := newFixture()
	a := f.assign(t, uuid.New(), uuid.New(), f.clock.Now().Add(time.Hour))
	delete(f.scales.store, f.def.ID)

	err := f.svc.Submit(context.Background(), a.ID, scale.Responses{"0": 1})
	assert.ErrorIs(t, err, ErrScaleUnavailable)
	assert.Equal(t, StatusPending, f.apps.get(a.ID).Status)
}

func TestService_SweepExpired(t *testing.T) {
	f := newFixture()
	now := f.clock.Now()
	psychologist := uuid.New()
	overdue := f.assign(t, psychologist, uuid.New(), now.Add(time.Hour))
	future := f.assign(t, psychologist, uuid.New(), now.Add(48*time.Hour))
	done := f.assign(t, psychologist, uuid.New(), now.Add(time.Hour))
	require.NoError(t, f.svc.Submit(context.Background(), done.ID, scale.Responses{"0": 0, "1": 0, "2": 0}))

	ids, err := f.svc.SweepExpired(context.Background(), now.Add(2*time.Hour))
	require.NoError(t, err)
	f.svc.Wait()

	assert.Equal(t, []uuid.UUID{overdue.ID}, ids)
	assert.Equal(t, StatusExpired, f.apps.get(overdue.ID).Status)
	assert.Equal(t, StatusPending, f.apps.get(future.ID).Status)
	assert.Equal(t, StatusCompleted, f.apps.get(done.ID).Status)

	sent := f.notifier.byTemplate(notification.TemplateScalesExpired)
	require.Len(t, sent, 1)
	assert.Equal(t, psychologist, sent[0].recipient)
	assert.Equal(t, "1", sent[0].data["count"])
	assert.Nil(t, sent[0].reference)
}

func TestService_SweepExpired_Idempotent(t *testing.T) {
	f := newFixture()
	now := f.clock.Now()
	f.assign(t, uuid.New(), uuid.New(), now.Add(time.Hour))
	later := now.Add(2 * time.Hour)

	first, err := f.svc.SweepExpired(context.Background(), later)
	require.NoError(t, err)
	assert.Len(t, first, 1)

	second, err := f.svc.SweepExpired(context.Background(), later)
	require.NoError(t, err)
	assert.NotNil(t, second)
	assert.Empty(t, second)
}

func TestService_SweepExpired_DueExactlyNowStaysPending(t *testing.T) {
	f := newFixture()
	now := f.clock.Now()
	a := f.assign(t, uuid.New(), uuid.New(), now)

	ids, err := f.svc.SweepExpired(context.Background(), now)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Equal(t, StatusPending, f.apps.get(a.ID).Status)
}

func TestService_EndToEnd(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	psychologist, patient := uuid.New(), uuid.New()
	f.patients[patient] = Patient{Name: "Ana", Email: "ana@example.com"}
	now := f.clock.Now()

	a := f.assign(t, psychologist, patient, now.Add(7*24*time.Hour))
	require.NoError(t, f.svc.Submit(ctx, a.ID, scale.Responses{"0": 1, "1": 2, "2": 2}))

	ids, err := f.svc.SweepExpired(ctx, now.Add(8*24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, ids)

	d, err := f.svc.GetByID(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, StatusCompleted, d.Status)
	assert.Equal(t, 5, *d.Score)
	assert.Equal(t, "moderate", d.Interpretation)
	assert.Equal(t, "Ana", d.Patient.Name)
	assert.Equal(t, f.def.ID, d.Scale.ID)
}

func TestService_ListFor(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	psychologist := uuid.New()
	known, unknown := uuid.New(), uuid.New()
	f.patients[known] = Patient{Name: "Bia", Email: "bia@example.com"}

	first := f.assign(t, psychologist, known, f.clock.Now().Add(time.Hour))
	f.clock.Advance(time.Minute)
	second := f.assign(t, psychologist, unknown, f.clock.Now().Add(time.Hour))
	f.assign(t, uuid.New(), known, f.clock.Now().Add(time.Hour))

	items, err := f.svc.ListFor(ctx, RolePsychologist, psychologist)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, second.ID, items[0].ID)
	assert.Equal(t, first.ID, items[1].ID)
	assert.Equal(t, PatientNotFound, items[0].Patient.Name)
	assert.Empty(t, items[0].Patient.Email)
	assert.Equal(t, "Bia", items[1].Patient.Name)
	assert.Equal(t, "Mood", items[1].Scale.Name)

	mine, err := f.svc.ListFor(ctx, RolePatient, known)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	for _, d := range mine {
		assert.Nil(t, d.Patient)
		assert.NotNil(t, d.Scale)
	}
}

func TestService_ListFor_Empty(t *testing.T) {
	f := newFixture()
	items, err := f.svc.ListFor(context.Background(), RolePatient, uuid.New())
	require.NoError(t, err)
	assert.NotNil(t, items)
	assert.Empty(t, items)
}

func TestService_ListFor_UnknownRole(t *testing.T) {
	f := newFixture()
	_, err := f.svc.ListFor(context.Background(), "receptionist", uuid.New())
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestService_GetByID_Missing(t *testing.T) {
	f := newFixture()
	d, err := f.svc.GetByID(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestService_GetByID_PendingHasNoInterpretation(t *testing.T) {
	f := newFixture()
	a := f.assign(t, uuid.New(), uuid.New(), f.clock.Now().Add(time.Hour))

	d, err := f.svc.GetByID(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Empty(t, d.Interpretation)
	assert.Equal(t, PatientNotFound, d.Patient.Name)
}
