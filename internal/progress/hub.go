package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config sizes the Hub. Zero values fall back to the defaults below.
type Config struct {
	// BufferSize bounds events accepted but not yet batched.
	BufferSize int
	// MaxBatchEvents flushes every job once this many events are held.
	MaxBatchEvents int
	// MaxBatchWait is the longest an event waits for its job to finish.
	MaxBatchWait time.Duration
	// SinkTimeout bounds each Consume call.
	SinkTimeout time.Duration
	// BaseContext parents sink calls.
	BaseContext context.Context
	Logger      *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 1000
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

// Hub batches worker events per capture job and fans the batches out to
// sinks from a single goroutine. A job's held events are delivered together
// as soon as its StageJobDone arrives; other jobs are flushed on size or age.
// Emit never blocks.
type Hub struct {
	cfg     Config
	sinks   []Sink
	events  chan Event
	stopCh  chan struct{}
	doneCh  chan struct{}
	logger  *zap.Logger
	dropLog rate.Sometimes
	dropped atomic.Int64
	closed  atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts a Hub delivering to sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:     cfg,
		sinks:   append([]Sink(nil), sinks...),
		events:  make(chan Event, cfg.BufferSize),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		logger:  logger,
		dropLog: rate.Sometimes{Interval: dropLogInterval},
	}
	go h.run()
	return h
}

// Emit hands evt to the batching goroutine. Invalid events and events that
// find the buffer full are discarded.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event",
			zap.String("job_id", evt.JobID), zap.String("stage", string(evt.Stage)), zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
	default:
		h.dropped.Add(1)
		h.dropLog.Do(func() {
			h.logger.Warn("progress events dropped due to backpressure",
				zap.Int64("dropped", h.dropped.Swap(0)), zap.String("job_id", evt.JobID))
		})
	}
}

// Close stops intake, delivers everything still held, closes the sinks and
// waits for the batching goroutine. Repeat calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	held := newJobBatches()
	ticker := time.NewTicker(h.cfg.MaxBatchWait)
	defer ticker.Stop()
	for {
		select {
		case evt := <-h.events:
			h.hold(held, evt)
		case <-ticker.C:
			h.deliver(held.drain())
		case <-h.stopCh:
			h.drainIntake(held)
			h.deliver(held.drain())
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) drainIntake(held *jobBatches) {
	for {
		select {
		case evt := <-h.events:
			h.hold(held, evt)
		default:
			return
		}
	}
}

func (h *Hub) hold(held *jobBatches, evt Event) {
	held.add(evt)
	switch {
	case evt.Stage == StageJobDone:
		h.deliver(held.take(evt.JobID))
	case held.size >= h.cfg.MaxBatchEvents:
		h.deliver(held.drain())
	}
}

func (h *Hub) deliver(batch []Event) {
	if len(batch) == 0 {
		return
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, batch); err != nil {
			h.logger.Warn("progress sink consume failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}

// jobBatches holds undelivered events grouped by job, in the order jobs
// first reported. Only the run goroutine touches it.
type jobBatches struct {
	order []string
	byJob map[string][]Event
	size  int
}

func newJobBatches() *jobBatches {
	return &jobBatches{byJob: make(map[string][]Event)}
}

func (b *jobBatches) add(evt Event) {
	if _, ok := b.byJob[evt.JobID]; !ok {
		b.order = append(b.order, evt.JobID)
	}
	b.byJob[evt.JobID] = append(b.byJob[evt.JobID], evt)
	b.size++
}

// take removes and returns one job's events.
func (b *jobBatches) take(jobID string) []Event {
	events, ok := b.byJob[jobID]
	if !ok {
		return nil
	}
	delete(b.byJob, jobID)
	for i, id := range b.order {
		if id == jobID {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	b.size -= len(events)
	return events
}

// drain removes everything, job by job.
func (b *jobBatches) drain() []Event {
	if b.size == 0 {
		return nil
	}
	out := make([]Event, 0, b.size)
	for _, id := range b.order {
		out = append(out, b.byJob[id]...)
	}
	b.order = b.order[:0]
	b.byJob = make(map[string][]Event)
	b.size = 0
	return out
}
