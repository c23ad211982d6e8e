package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/bylaw-capture/internal/bylaw"
)

type exampleBatchSink struct {
	sizes []int
}

func (s *exampleBatchSink) Consume(_ context.Context, batch []Event) error {
	s.sizes = append(s.sizes, len(batch))
	return nil
}

func (s *exampleBatchSink) Close(context.Context) error {
	return nil
}

// ExampleHub_Emit shows a job's events arriving as one batch once it finishes.
func ExampleHub_Emit() {
	sink := &exampleBatchSink{}
	hub := NewHub(Config{MaxBatchWait: time.Minute}, sink)

	ts := time.Unix(0, 0)
	hub.Emit(Event{JobID: "job-1", TS: ts, Stage: StageJobStart})
	hub.Emit(Event{JobID: "job-1", TS: ts, Stage: StageDiscovered, Count: 1})
	hub.Emit(Event{JobID: "job-1", TS: ts, Stage: StageJobDone, Status: bylaw.JobStatusCompleted})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Println("batches:", sink.sizes)
	// Output:
	// batches: [3]
}

// ExampleSink implements a custom Sink that totals captured bytes.
func ExampleSink() {
	type bytesSink struct {
		bytes int64
	}
	var s bytesSink
	capture := sinkFunc(func(_ context.Context, batch []Event) error {
		for _, evt := range batch {
			s.bytes += evt.Bytes
		}
		return nil
	})
	hub := NewHub(Config{
		BufferSize:     2,
		MaxBatchEvents: 1,
		MaxBatchWait:   time.Second,
	}, capture)

	hub.Emit(Event{
		JobID:   "job-2",
		SiteID:  "site-1",
		TS:      time.Unix(0, 0),
		Stage:   StageDocumentDone,
		Outcome: OutcomeVersioned,
		Bytes:   512,
	})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("bytes downloaded: %d\n", s.bytes)
	// Output:
	// bytes downloaded: 512
}

type sinkFunc func(context.Context, []Event) error

func (f sinkFunc) Consume(ctx context.Context, batch []Event) error {
	return f(ctx, batch)
}

func (sinkFunc) Close(context.Context) error {
	return nil
}
