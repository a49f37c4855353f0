package scale

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/psiclinic/api/internal/platform/cache"
	"github.com/psiclinic/api/internal/platform/retry"
)

// DefaultCacheTTL is how long the active list is served from memory.
const DefaultCacheTTL = 5 * time.Minute

const activeKey = "active"

type Service struct {
	repo     Repository
	cache    *cache.TTL[string, []*Scale]
	logger   zerolog.Logger
	readPol  retry.Policy
	writePol retry.Policy
}

func NewService(repo Repository, cacheTTL time.Duration, clock clockwork.Clock, logger zerolog.Logger) *Service {
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	return &Service{
		repo:     repo,
		cache:    cache.NewTTL[string, []*Scale](cacheTTL, clock),
		logger:   logger.With().Str("component", "scale").Logger(),
		readPol:  retry.ReadOne,
		writePol: retry.Default,
	}
}

// SetRetryPolicies overrides the retry budgets for reads and writes.
func (s *Service) SetRetryPolicies(read, write retry.Policy) {
	s.readPol = read
	s.writePol = write
}

// ListActive returns active definitions ordered by name, served from the
// cache while fresh.
func (s *Service) ListActive(ctx context.Context) ([]*Scale, error) {
	if items, ok := s.cache.Get(activeKey); ok {
		return items, nil
	}

	items, err := retry.Do(ctx, s.readPol, s.repo.ListActive)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*Scale{}
	}
	s.cache.Set(activeKey, items)
	s.logger.Debug().Int("count", len(items)).Msg("active scales refreshed")
	return items, nil
}

// GetByID returns the definition or nil when it does not exist.
func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (*Scale, error) {
	item, err := retry.Do(ctx, s.readPol, func(ctx context.Context) (*Scale, error) {
		return s.repo.GetByID(ctx, id)
	})
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

// Create validates and stores a new definition. The active list cache is
// dropped so the definition is visible on the next read.
func (s *Service) Create(ctx context.Context, sc *Scale) error {
	sc.ApplyDefaults()
	if err := sc.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := retry.Exec(ctx, s.writePol, func(ctx context.Context) error {
		return s.repo.Create(ctx, sc)
	}); err != nil {
		return fmt.Errorf("create scale: %w", err)
	}
	s.cache.Delete(activeKey)
	s.logger.Info().Str("scale_id", sc.ID.String()).Str("name", sc.Name).Msg("scale created")
	return nil
}

// InvalidateCache forces the next ListActive to read the store.
func (s *Service) InvalidateCache() {
	s.cache.Clear()
}
