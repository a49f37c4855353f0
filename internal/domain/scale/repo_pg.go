package scale

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/psiclinic/api/internal/platform/db"
	"github.com/psiclinic/api/internal/platform/retry"
)

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

var scaleCols = []string{
	"id", "name", "description", "kind", "status", "scoring_strategy", "questions", "created_at",
}

type scaleRepoPG struct{ q db.Querier }

func NewScaleRepoPG(q db.Querier) Repository {
	return &scaleRepoPG{q: q}
}

func scanScale(row pgx.Row) (*Scale, error) {
	var s Scale
	var questions []byte
	if err := row.Scan(&s.ID, &s.Name, &s.Description, &s.Kind, &s.Status,
		&s.ScoringStrategy, &questions, &s.CreatedAt); err != nil {
		return nil, err
	}
	if len(questions) > 0 {
		if err := json.Unmarshal(questions, &s.Questions); err != nil {
			return nil, fmt.Errorf("decode questions of scale %s: %w", s.ID, err)
		}
	}
	return &s, nil
}

func (r *scaleRepoPG) list(ctx context.Context, query squirrel.SelectBuilder) ([]*Scale, error) {
	sql, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := r.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, retry.Classify(err)
	}
	defer rows.Close()

	var items []*Scale
	for rows.Next() {
		s, err := scanScale(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, retry.Classify(rows.Err())
}

func (r *scaleRepoPG) ListActive(ctx context.Context) ([]*Scale, error) {
	query := psql.Select(scaleCols...).
		From("scales").
		Where(squirrel.Eq{"status": StatusActive}).
		OrderBy("name ASC")
	items, err := r.list(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list active scales: %w", err)
	}
	return items, nil
}

func (r *scaleRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Scale, error) {
	sql, args, err := psql.Select(scaleCols...).
		From("scales").
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	s, err := scanScale(r.q.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("scale %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get scale %s: %w", id, retry.Classify(err))
	}
	return s, nil
}

func (r *scaleRepoPG) GetMany(ctx context.Context, ids []uuid.UUID) ([]*Scale, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := psql.Select(scaleCols...).
		From("scales").
		Where(squirrel.Eq{"id": ids})
	items, err := r.list(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("get scales: %w", err)
	}
	return items, nil
}

func (r *scaleRepoPG) Create(ctx context.Context, s *Scale) error {
	questions, err := json.Marshal(s.Questions)
	if err != nil {
		return fmt.Errorf("encode questions: %w", err)
	}
	s.ID = uuid.New()

	sql, args, err := psql.Insert("scales").
		Columns("id", "name", "description", "kind", "status", "scoring_strategy", "questions").
		Values(s.ID, s.Name, s.Description, s.Kind, s.Status, s.ScoringStrategy, questions).
		Suffix("RETURNING created_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if err := r.q.QueryRow(ctx, sql, args...).Scan(&s.CreatedAt); err != nil {
		return fmt.Errorf("create scale: %w", retry.Classify(err))
	}
	return nil
}
