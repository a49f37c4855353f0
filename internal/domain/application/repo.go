package application

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/psiclinic/api/internal/domain/scale"
)

var (
	ErrNotFound         = errors.New("scale application not found")
	ErrNotPending       = errors.New("scale application is not pending")
	ErrScaleUnavailable = errors.New("scale is not available")
	ErrInvalid          = errors.New("invalid request")
)

type Repository interface {
	Create(ctx context.Context, a *Application) error
	GetByID(ctx context.Context, id uuid.UUID) (*Application, error)
	ListByPsychologist(ctx context.Context, psychologistID uuid.UUID) ([]*Application, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Application, error)
	// Complete stores the scored responses if the application is still
	// pending, returning ErrNotPending otherwise.
	Complete(ctx context.Context, id uuid.UUID, responses scale.Responses, score int, completedAt time.Time) error
	// ListOverdue returns pending applications whose due date is before now.
	ListOverdue(ctx context.Context, now time.Time) ([]uuid.UUID, error)
	// MarkExpired expires the still-pending applications among ids and
	// returns the ones it changed.
	MarkExpired(ctx context.Context, ids []uuid.UUID) ([]Expiry, error)
}

// Expiry identifies an application moved to expired and who assigned it.
type Expiry struct {
	ID             uuid.UUID
	PsychologistID uuid.UUID
}

// PatientDirectory resolves patient display data from the users table.
type PatientDirectory interface {
	Lookup(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]Patient, error)
}
