// Package instrument measures how long requests wait for the shared
// terminal connection and how long they hold it.
package instrument

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Timing follows one request through the exclusive right.
type Timing struct {
	RequestID string
	Op        string
	AccountID string

	Requested time.Time // asked for the right
	Granted   time.Time // got it
	Done      time.Time // released it, or gave up waiting
}

// Start opens a Timing for op with a fresh request id.
func Start(op, accountID string) *Timing {
	return &Timing{
		RequestID: uuid.NewString(),
		Op:        op,
		AccountID: accountID,
		Requested: time.Now(),
	}
}

func (t *Timing) Grant()   { t.Granted = time.Now() }
func (t *Timing) Release() { t.Done = time.Now() }

// WaitTime is the time spent queued for the right. A request that was
// never granted waited until it gave up.
func (t Timing) WaitTime() time.Duration {
	switch {
	case !t.Granted.IsZero():
		return t.Granted.Sub(t.Requested)
	case !t.Done.IsZero():
		return t.Done.Sub(t.Requested)
	}
	return 0
}

// ProcessingTime is the time the right was held.
func (t Timing) ProcessingTime() time.Duration {
	if t.Granted.IsZero() || t.Done.IsZero() {
		return 0
	}
	return t.Done.Sub(t.Granted)
}

// Stats aggregates recorded timings.
type Stats struct {
	Requests        int64         `json:"requests"`
	Failures        int64         `json:"failures"`
	TotalWait       time.Duration `json:"total_wait"`
	MaxWait         time.Duration `json:"max_wait"`
	TotalProcessing time.Duration `json:"total_processing"`
}

// Recorder logs every timing and keeps running totals.
type Recorder struct {
	log *zap.Logger

	mu    sync.Mutex
	stats Stats
}

func NewRecorder(log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{log: log.Named("timing")}
}

// Record logs t with its outcome and tags the span in ctx.
func (r *Recorder) Record(ctx context.Context, t *Timing, err error) {
	wait, proc := t.WaitTime(), t.ProcessingTime()

	r.mu.Lock()
	r.stats.Requests++
	if err != nil {
		r.stats.Failures++
	}
	r.stats.TotalWait += wait
	r.stats.TotalProcessing += proc
	if wait > r.stats.MaxWait {
		r.stats.MaxWait = wait
	}
	r.mu.Unlock()

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("request.id", t.RequestID),
		attribute.String("session.op", t.Op),
		attribute.Int64("session.wait_ms", wait.Milliseconds()),
		attribute.Int64("session.processing_ms", proc.Milliseconds()),
	)

	fields := []zap.Field{
		zap.String("request_id", t.RequestID),
		zap.String("op", t.Op),
		zap.String("account", t.AccountID),
		zap.Duration("wait", wait),
		zap.Duration("processing", proc),
	}
	if err != nil {
		span.RecordError(err)
		r.log.Warn("request failed", append(fields, zap.Error(err))...)
		return
	}
	r.log.Info("request done", fields...)
}

// Stats returns a copy of the running totals.
func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
