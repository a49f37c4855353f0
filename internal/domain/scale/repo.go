package scale

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("scale not found")
	ErrInvalid  = errors.New("invalid scale")
)

type Repository interface {
	// ListActive returns active definitions ordered by name.
	ListActive(ctx context.Context) ([]*Scale, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Scale, error)
	// GetMany returns the definitions found among ids, in no particular order.
	GetMany(ctx context.Context, ids []uuid.UUID) ([]*Scale, error)
	Create(ctx context.Context, s *Scale) error
}
