package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/psiclinic/api/internal/domain/scale"
	"github.com/psiclinic/api/internal/platform/db"
	"github.com/psiclinic/api/internal/platform/retry"
)

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

var appCols = []string{
	"id", "psychologist_id", "patient_id", "scale_id", "due_date", "status",
	"responses", "score", "created_at", "completed_at",
}

// =========== Application Repository ===========

type appRepoPG struct{ q db.Querier }

func NewApplicationRepoPG(q db.Querier) Repository {
	return &appRepoPG{q: q}
}

func scanApplication(row pgx.Row) (*Application, error) {
	var a Application
	var responses []byte
	if err := row.Scan(&a.ID, &a.PsychologistID, &a.PatientID, &a.ScaleID, &a.DueDate, &a.Status,
		&responses, &a.Score, &a.CreatedAt, &a.CompletedAt); err != nil {
		return nil, err
	}
	if len(responses) > 0 {
		if err := json.Unmarshal(responses, &a.Responses); err != nil {
			return nil, fmt.Errorf("decode responses of application %s: %w", a.ID, err)
		}
	}
	return &a, nil
}

func (r *appRepoPG) list(ctx context.Context, query squirrel.SelectBuilder) ([]*Application, error) {
	sql, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := r.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, retry.Classify(err)
	}
	defer rows.Close()

	var items []*Application
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, retry.Classify(rows.Err())
}

func (r *appRepoPG) Create(ctx context.Context, a *Application) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	sql, args, err := psql.Insert("scale_applications").
		Columns("id", "psychologist_id", "patient_id", "scale_id", "due_date", "status", "created_at").
		Values(a.ID, a.PsychologistID, a.PatientID, a.ScaleID, a.DueDate, a.Status, a.CreatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if _, err := r.q.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("create application: %w", retry.Classify(err))
	}
	return nil
}

func (r *appRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Application, error) {
	sql, args, err := psql.Select(appCols...).
		From("scale_applications").
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	a, err := scanApplication(r.q.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("application %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get application %s: %w", id, retry.Classify(err))
	}
	return a, nil
}

func (r *appRepoPG) ListByPsychologist(ctx context.Context, psychologistID uuid.UUID) ([]*Application, error) {
	items, err := r.list(ctx, psql.Select(appCols...).
		From("scale_applications").
		Where(squirrel.Eq{"psychologist_id": psychologistID}).
		OrderBy("created_at DESC"))
	if err != nil {
		return nil, fmt.Errorf("list applications of psychologist %s: %w", psychologistID, err)
	}
	return items, nil
}

func (r *appRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Application, error) {
	items, err := r.list(ctx, psql.Select(appCols...).
		From("scale_applications").
		Where(squirrel.Eq{"patient_id": patientID}).
		OrderBy("created_at DESC"))
	if err != nil {
		return nil, fmt.Errorf("list applications of patient %s: %w", patientID, err)
	}
	return items, nil
}

func (r *appRepoPG) Complete(ctx context.Context, id uuid.UUID, responses scale.Responses, score int, completedAt time.Time) error {
	raw, err := json.Marshal(responses)
	if err != nil {
		return fmt.Errorf("encode responses: %w", err)
	}
	sql, args, err := psql.Update("scale_applications").
		Set("responses", raw).
		Set("score", score).
		Set("status", StatusCompleted).
		Set("completed_at", completedAt).
		Where(squirrel.Eq{"id": id, "status": StatusPending}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	tag, err := r.q.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("complete application %s: %w", id, retry.Classify(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("application %s: %w", id, ErrNotPending)
	}
	return nil
}

func (r *appRepoPG) ListOverdue(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	sql, args, err := psql.Select("id").
		From("scale_applications").
		Where(squirrel.Eq{"status": StatusPending}).
		Where(squirrel.Lt{"due_date": now}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	ids, err := r.collectIDs(ctx, sql, args)
	if err != nil {
		return nil, fmt.Errorf("list overdue applications: %w", err)
	}
	return ids, nil
}

func (r *appRepoPG) MarkExpired(ctx context.Context, ids []uuid.UUID) ([]Expiry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	sql, args, err := psql.Update("scale_applications").
		Set("status", StatusExpired).
		Where("id = ANY(?)", ids).
		Where(squirrel.Eq{"status": StatusPending}).
		Suffix("RETURNING id, psychologist_id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := r.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("expire applications: %w", retry.Classify(err))
	}
	defer rows.Close()

	var expired []Expiry
	for rows.Next() {
		var e Expiry
		if err := rows.Scan(&e.ID, &e.PsychologistID); err != nil {
			return nil, fmt.Errorf("scan expired application: %w", err)
		}
		expired = append(expired, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("expire applications: %w", retry.Classify(err))
	}
	return expired, nil
}

func (r *appRepoPG) collectIDs(ctx context.Context, sql string, args []interface{}) ([]uuid.UUID, error) {
	rows, err := r.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, retry.Classify(err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, retry.Classify(rows.Err())
}

// =========== Patient Directory ===========

type patientDirectoryPG struct{ q db.Querier }

func NewPatientDirectoryPG(q db.Querier) PatientDirectory {
	return &patientDirectoryPG{q: q}
}

func (r *patientDirectoryPG) Lookup(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]Patient, error) {
	out := make(map[uuid.UUID]Patient, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	sql, args, err := psql.Select("id", "name", "email").
		From("users").
		Where(squirrel.Eq{"id": ids}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := r.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("lookup patients: %w", retry.Classify(err))
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		var p Patient
		if err := rows.Scan(&id, &p.Name, &p.Email); err != nil {
			return nil, fmt.Errorf("scan patient: %w", err)
		}
		out[id] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lookup patients: %w", retry.Classify(err))
	}
	return out, nil
}
