package notification

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPool(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestStorePG_Insert(t *testing.T) {
	mock := newMockPool(t)
	store := NewStorePG(mock)
	now := time.Now()
	recipient := uuid.New()

	mock.ExpectQuery(`INSERT INTO notifications \(id,recipient_id,type,title,message,reference_id\) VALUES (.+) RETURNING created_at`).
		WithArgs(pgxmock.AnyArg(), recipient, TypeScale, "Scale assigned", "msg", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"created_at"}).AddRow(now))

	n := &Notification{RecipientID: recipient, Type: TypeScale, Title: "Scale assigned", Message: "msg"}
	require.NoError(t, store.Insert(context.Background(), n))
	assert.NotEqual(t, uuid.Nil, n.ID)
	assert.Equal(t, now, n.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorePG_ListByRecipient(t *testing.T) {
	mock := newMockPool(t)
	store := NewStorePG(mock)
	recipient := uuid.New()
	id := uuid.New()
	now := time.Now()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM notifications WHERE recipient_id = \$1`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(`SELECT (.+) FROM notifications WHERE recipient_id = \$1 ORDER BY created_at DESC LIMIT 20 OFFSET 0`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(notificationCols).
			AddRow(id, recipient, TypeScale, "t", "m", nil, false, now))

	items, total, err := store.ListByRecipient(context.Background(), recipient, 20, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, items, 1)
	assert.Equal(t, id, items[0].ID)
	assert.Nil(t, items[0].ReferenceID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorePG_MarkRead(t *testing.T) {
	mock := newMockPool(t)
	store := NewStorePG(mock)

	mock.ExpectExec(`UPDATE notifications SET read = \$1 WHERE id = \$2$`).
		WithArgs(true, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.MarkRead(context.Background(), uuid.New(), uuid.Nil))

	mock.ExpectExec(`UPDATE notifications SET read = \$1 WHERE id = \$2$`).
		WithArgs(true, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	err := store.MarkRead(context.Background(), uuid.New(), uuid.Nil)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorePG_MarkRead_ScopedToRecipient(t *testing.T) {
	mock := newMockPool(t)
	store := NewStorePG(mock)
	id, owner := uuid.New(), uuid.New()

	mock.ExpectExec(`UPDATE notifications SET read = \$1 WHERE id = \$2 AND recipient_id = \$3`).
		WithArgs(true, id, owner).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.MarkRead(context.Background(), id, owner)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorePG_MarkAllRead(t *testing.T) {
	mock := newMockPool(t)
	store := NewStorePG(mock)

	mock.ExpectExec(`UPDATE notifications SET read = \$1 WHERE read = \$2 AND recipient_id = \$3`).
		WithArgs(true, false, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 4))

	n, err := store.MarkAllRead(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
