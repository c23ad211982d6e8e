package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/bylaw-capture/internal/bylaw"
)

// TestHubBatchBySize verifies the hub flushes immediately once the batch size limit is reached.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	evt := sampleEvent(StageJobStart)
	hub.Emit(evt)
	hub.Emit(evt)
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1 && len(sink.Batches()[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubBatchByTimer verifies held events go out once they age past MaxBatchWait.
func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StageJobStart))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestHubEmitNonBlockingWithoutConsumers asserts Emit never blocks callers, even without sinks.
func TestHubEmitNonBlockingWithoutConsumers(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:    Config{},
		events: make(chan Event),
		logger: zap.NewNop(),
	}
	start := time.Now()
	hub.Emit(sampleEvent(StageJobStart))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

// TestHubFlushOnClose ensures Close drains any buffered events before returning.
func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	evt := sampleEvent(StageJobStart)
	hub.Emit(evt)

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]Event{}}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copyBatch := append([]Event(nil), batch...)
	s.batches = append(s.batches, copyBatch)
	return nil
}

func (s *stubSink) Close(context.Context) error {
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

func sampleEvent(stage Stage) Event {
	return Event{
		JobID:  "job-1",
		SiteID: "site-1",
		TS:     time.Now(),
		Stage:  stage,
	}
}

// TestHubDropsInvalidEvents ensures events failing validation never reach sinks.
func TestHubDropsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 1}, sink)
	hub.Emit(Event{Stage: StageJobStart, TS: time.Now()})
	hub.Emit(Event{JobID: "job-1", Stage: StageDocumentDone, TS: time.Now()})
	hub.Emit(sampleEvent(StageJobStart))
	require.NoError(t, hub.Close(context.Background()))

	batches := sink.Batches()
	require.Len(t, batches, 1)
	require.Equal(t, StageJobStart, batches[0][0].Stage)
}

// TestHubDeliversFinishedJobTogether checks a job's events reach sinks as one
// batch when it finishes, ahead of jobs still running.
func TestHubDeliversFinishedJobTogether(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 16, MaxBatchEvents: 100, MaxBatchWait: time.Minute}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	other := sampleEvent(StageJobStart)
	other.JobID = "job-2"
	hub.Emit(sampleEvent(StageJobStart))
	hub.Emit(other)
	doc := sampleEvent(StageDocumentDone)
	doc.Outcome = OutcomeFailed
	doc.FailedStage = bylaw.StagePreserve
	hub.Emit(doc)
	done := sampleEvent(StageJobDone)
	done.Status = bylaw.JobStatusCompleted
	hub.Emit(done)

	require.Eventually(t, func() bool { return len(sink.Batches()) == 1 }, time.Second, 5*time.Millisecond)
	batch := sink.Batches()[0]
	require.Len(t, batch, 3)
	for _, evt := range batch {
		require.Equal(t, "job-1", evt.JobID)
	}
	require.Equal(t, StageJobDone, batch[2].Stage)
}

// TestHubFlushGroupsByJob checks a size flush keeps each job's events adjacent.
func TestHubFlushGroupsByJob(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 16, MaxBatchEvents: 4, MaxBatchWait: time.Minute}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	for _, id := range []string{"job-1", "job-2", "job-1", "job-2"} {
		evt := sampleEvent(StageDiscovered)
		evt.JobID = id
		hub.Emit(evt)
	}

	require.Eventually(t, func() bool { return len(sink.Batches()) == 1 }, time.Second, 5*time.Millisecond)
	var ids []string
	for _, evt := range sink.Batches()[0] {
		ids = append(ids, evt.JobID)
	}
	require.Equal(t, []string{"job-1", "job-1", "job-2", "job-2"}, ids)
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, sampleEvent(StageDiscovered).Validate())
	done := sampleEvent(StageJobDone)
	require.Error(t, done.Validate())
	done.Status = bylaw.JobStatusRunning
	require.Error(t, done.Validate())
	done.Status = "completed"
	require.NoError(t, done.Validate())
	require.Error(t, sampleEvent("BOGUS").Validate())
	neg := sampleEvent(StageJobStart)
	neg.Dur = -time.Second
	require.Error(t, neg.Validate())
}

func TestEventValidateDocumentOutcome(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		outcome Outcome
		stage   bylaw.Stage
		wantErr bool
	}{
		{"versioned", OutcomeVersioned, "", false},
		{"unchanged", OutcomeUnchanged, "", false},
		{"failed at capture", OutcomeFailed, bylaw.StageCapture, false},
		{"failed without stage", OutcomeFailed, "", true},
		{"failed at unknown stage", OutcomeFailed, "render", true},
		{"versioned with stage", OutcomeVersioned, bylaw.StageVersion, true},
		{"missing outcome", "", "", true},
		{"unknown outcome", "skipped", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			evt := sampleEvent(StageDocumentDone)
			evt.Outcome = tc.outcome
			evt.FailedStage = tc.stage
			if tc.wantErr {
				require.Error(t, evt.Validate())
				return
			}
			require.NoError(t, evt.Validate())
		})
	}
}
