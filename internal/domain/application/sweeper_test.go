package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingExpirer struct {
	calls []time.Time
	err   error
}

func (r *recordingExpirer) SweepExpired(_ context.Context, now time.Time) ([]uuid.UUID, error) {
	r.calls = append(r.calls, now)
	if r.err != nil {
		return nil, r.err
	}
	return []uuid.UUID{uuid.New()}, nil
}

func TestNewSweeper_Schedules(t *testing.T) {
	for _, schedule := range []string{"", "*/5 * * * *", "@hourly", "0 3 * * 1-5"} {
		_, err := NewSweeper(&recordingExpirer{}, schedule, nil, zerolog.Nop())
		assert.NoError(t, err, schedule)
	}
	_, err := NewSweeper(&recordingExpirer{}, "every now and then", nil, zerolog.Nop())
	assert.Error(t, err)
	_, err = NewSweeper(&recordingExpirer{}, "* * * * * *", nil, zerolog.Nop())
	assert.Error(t, err, "seconds field is not accepted")
}

func TestSweeper_RunOnceUsesClock(t *testing.T) {
	exp := &recordingExpirer{}
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC))
	s, err := NewSweeper(exp, "@daily", clock, zerolog.Nop())
	require.NoError(t, err)

	ids, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Len(t, ids, 1)
	require.Len(t, exp.calls, 1)
	assert.Equal(t, clock.Now(), exp.calls[0])
}

func TestSweeper_RunSwallowsErrors(t *testing.T) {
	exp := &recordingExpirer{err: errors.New("db down")}
	s, err := NewSweeper(exp, "@daily", clockwork.NewFakeClock(), zerolog.Nop())
	require.NoError(t, err)

	assert.NotPanics(t, s.run)
	assert.Len(t, exp.calls, 1)
}

func TestSweeper_StartStop(t *testing.T) {
	s, err := NewSweeper(&recordingExpirer{}, "@daily", nil, zerolog.Nop())
	require.NoError(t, err)

	s.Start()
	ctx := s.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestSweeper_WithService(t *testing.T) {
	f := newFixture()
	a := f.assign(t, uuid.New(), uuid.New(), f.clock.Now().Add(time.Hour))
	f.clock.Advance(2 * time.Hour)

	s, err := NewSweeper(f.svc, "@daily", f.clock, zerolog.Nop())
	require.NoError(t, err)
	ids, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	f.svc.Wait()

	assert.Equal(t, []uuid.UUID{a.ID}, ids)
	assert.Equal(t, StatusExpired, f.apps.get(a.ID).Status)
}
