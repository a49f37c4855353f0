package notification

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/psiclinic/api/internal/platform/db"
)

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

var notificationCols = []string{
	"id", "recipient_id", "type", "title", "message", "reference_id", "read", "created_at",
}

type storePG struct{ q db.Querier }

func NewStorePG(q db.Querier) Store {
	return &storePG{q: q}
}

func (s *storePG) Insert(ctx context.Context, n *Notification) error {
	n.ID = uuid.New()
	sql, args, err := psql.Insert("notifications").
		Columns("id", "recipient_id", "type", "title", "message", "reference_id").
		Values(n.ID, n.RecipientID, n.Type, n.Title, n.Message, n.ReferenceID).
		Suffix("RETURNING created_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	return s.q.QueryRow(ctx, sql, args...).Scan(&n.CreatedAt)
}

func (s *storePG) ListByRecipient(ctx context.Context, recipientID uuid.UUID, limit, offset int) ([]*Notification, int, error) {
	countSQL, countArgs, err := psql.Select("COUNT(*)").
		From("notifications").
		Where(squirrel.Eq{"recipient_id": recipientID}).
		ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build query: %w", err)
	}
	var total int
	if err := s.q.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count notifications: %w", err)
	}

	sql, args, err := psql.Select(notificationCols...).
		From("notifications").
		Where(squirrel.Eq{"recipient_id": recipientID}).
		OrderBy("created_at DESC").
		Limit(uint64(limit)).
		Offset(uint64(offset)).
		ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build query: %w", err)
	}
	rows, err := s.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var items []*Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.RecipientID, &n.Type, &n.Title, &n.Message,
			&n.ReferenceID, &n.Read, &n.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan notification: %w", err)
		}
		items = append(items, &n)
	}
	return items, total, rows.Err()
}

func (s *storePG) MarkRead(ctx context.Context, id, recipientID uuid.UUID) error {
	where := squirrel.Eq{"id": id}
	if recipientID != uuid.Nil {
		where["recipient_id"] = recipientID
	}
	sql, args, err := psql.Update("notifications").
		Set("read", true).
		Where(where).
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	tag, err := s.q.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *storePG) MarkAllRead(ctx context.Context, recipientID uuid.UUID) (int64, error) {
	sql, args, err := psql.Update("notifications").
		Set("read", true).
		Where(squirrel.Eq{"recipient_id": recipientID, "read": false}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build query: %w", err)
	}
	tag, err := s.q.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("mark notifications read: %w", err)
	}
	return tag.RowsAffected(), nil
}
