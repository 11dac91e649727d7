package instrument

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestTimingDurations(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tm := Timing{Requested: base}
	assert.Zero(t, tm.WaitTime())
	assert.Zero(t, tm.ProcessingTime())

	// Gave up without being granted.
	tm.Done = base.Add(90 * time.Millisecond)
	assert.Equal(t, 90*time.Millisecond, tm.WaitTime())
	assert.Zero(t, tm.ProcessingTime())

	tm.Granted = base.Add(150 * time.Millisecond)
	tm.Done = base.Add(400 * time.Millisecond)
	assert.Equal(t, 150*time.Millisecond, tm.WaitTime())
	assert.Equal(t, 250*time.Millisecond, tm.ProcessingTime())
}

func TestStart(t *testing.T) {
	t.Parallel()

	tm := Start("account_info", "1001")
	_, err := uuid.Parse(tm.RequestID)
	require.NoError(t, err)
	assert.Equal(t, "account_info", tm.Op)
	assert.False(t, tm.Requested.IsZero())

	tm.Grant()
	tm.Release()
	assert.False(t, tm.Done.Before(tm.Granted))
	assert.False(t, tm.Granted.Before(tm.Requested))
}

func TestRecorder(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	r := NewRecorder(zap.New(core))

	base := time.Now()
	ok := &Timing{RequestID: "a", Op: "positions", AccountID: "1001",
		Requested: base, Granted: base.Add(20 * time.Millisecond), Done: base.Add(30 * time.Millisecond)}
	bad := &Timing{RequestID: "b", Op: "place_order", AccountID: "1002",
		Requested: base, Granted: base.Add(50 * time.Millisecond), Done: base.Add(55 * time.Millisecond)}

	r.Record(context.Background(), ok, nil)
	r.Record(context.Background(), bad, errors.New("rejected"))

	stats := r.Stats()
	assert.Equal(t, int64(2), stats.Requests)
	assert.Equal(t, int64(1), stats.Failures)
	assert.Equal(t, 70*time.Millisecond, stats.TotalWait)
	assert.Equal(t, 50*time.Millisecond, stats.MaxWait)
	assert.Equal(t, 15*time.Millisecond, stats.TotalProcessing)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "request done", entries[0].Message)
	assert.Equal(t, "positions", entries[0].ContextMap()["op"])
	assert.Equal(t, "request failed", entries[1].Message)
	assert.Equal(t, "rejected", entries[1].ContextMap()["error"])
}

func TestRecorderCountsAbandonedWaits(t *testing.T) {
	t.Parallel()

	r := NewRecorder(nil)
	base := time.Now()
	starved := &Timing{RequestID: "c", Op: "symbols", Requested: base, Done: base.Add(30 * time.Second)}
	r.Record(context.Background(), starved, errors.New("timeout"))

	stats := r.Stats()
	assert.Equal(t, 30*time.Second, stats.MaxWait)
	assert.Equal(t, 30*time.Second, stats.TotalWait)
	assert.Zero(t, stats.TotalProcessing)
}
