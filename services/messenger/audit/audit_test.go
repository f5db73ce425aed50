package audit

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-messenger/pkg/telemetry"
)

type fakeCounter struct {
	n      int
	err    error
	cutoff time.Time
	calls  chan struct{}
}

func (f *fakeCounter) CountStale(_ context.Context, olderThan time.Time) (int, error) {
	f.cutoff = olderThan
	if f.calls != nil {
		select {
		case f.calls <- struct{}{}:
		default:
		}
	}
	return f.n, f.err
}

func TestRunOnce_ReportsStaleRecords(t *testing.T) {
	var buf bytes.Buffer
	counter := &fakeCounter{n: 3}
	a := NewAuditor(counter, 15*time.Minute, slog.New(slog.NewJSONHandler(&buf, nil)))
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	n, err := a.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, n)
	assert.Equal(t, now.Add(-15*time.Minute), counter.cutoff)
	assert.Equal(t, float64(3), testutil.ToFloat64(telemetry.IdempotencyStaleRecords))
	assert.Contains(t, buf.String(), "execution records stuck in processing")
}

func TestRunOnce_QuietWhenNothingIsStale(t *testing.T) {
	var buf bytes.Buffer
	a := NewAuditor(&fakeCounter{}, time.Minute, slog.New(slog.NewJSONHandler(&buf, nil)))

	n, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, buf.String())
	assert.Equal(t, float64(0), testutil.ToFloat64(telemetry.IdempotencyStaleRecords))
}

func TestRunOnce_CounterError(t *testing.T) {
	a := NewAuditor(&fakeCounter{err: errors.New("connection refused")}, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := a.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestStart_InvalidSchedule(t *testing.T) {
	a := NewAuditor(&fakeCounter{}, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := a.Start(context.Background(), "every now and then")
	require.Error(t, err)
}

func TestStart_RunsOnSchedule(t *testing.T) {
	counter := &fakeCounter{calls: make(chan struct{}, 1)}
	a := NewAuditor(counter, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, a.Start(ctx, "@every 1s"))

	select {
	case <-counter.calls:
	case <-time.After(3 * time.Second):
		t.Fatal("audit did not run")
	}
}
