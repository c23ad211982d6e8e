package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bylaw-capture/internal/bylaw"
	"github.com/JakeFAU/bylaw-capture/internal/progress"
)

// DefaultProgressTopic receives job progress summaries.
const DefaultProgressTopic = "bylaw-progress"

// JobProgress is the payload published for each job touched by a batch.
type JobProgress struct {
	JobID      string     `json:"jobId"`
	SiteID     string     `json:"siteId"`
	Stage      string     `json:"stage"`
	Status     string     `json:"status,omitempty"`
	Found      int        `json:"found,omitempty"`
	Versioned  int        `json:"versioned"`
	Unchanged  int        `json:"unchanged"`
	Failed     int        `json:"failed"`
	Bytes      int64      `json:"bytes"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// PublisherSink collapses document events per job and publishes one summary
// message per job and batch.
type PublisherSink struct {
	publisher bylaw.Publisher
	topic     string
	logger    *zap.Logger
}

// NewPublisherSink constructs a PublisherSink for the provided publisher.
func NewPublisherSink(publisher bylaw.Publisher, topic string, logger *zap.Logger) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	if topic == "" {
		topic = DefaultProgressTopic
	}
	return &PublisherSink{publisher: publisher, topic: topic, logger: logger}
}

// Consume collapses deltas per job and forwards them in first-seen order. It
// respects ctx deadlines and returns the first publish error.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	var order []string
	deltas := make(map[string]*JobProgress)

	for _, evt := range batch {
		delta := deltas[evt.JobID]
		if delta == nil {
			delta = &JobProgress{JobID: evt.JobID, SiteID: evt.SiteID}
			deltas[evt.JobID] = delta
			order = append(order, evt.JobID)
		}
		delta.Stage = string(evt.Stage)
		if evt.TS.After(delta.UpdatedAt) {
			delta.UpdatedAt = evt.TS
		}
		switch evt.Stage {
		case progress.StageJobStart:
			ts := evt.TS
			delta.StartedAt = &ts
		case progress.StageDiscovered:
			delta.Found += evt.Count
		case progress.StageDocumentDone:
			delta.Bytes += evt.Bytes
			switch evt.Outcome {
			case progress.OutcomeVersioned:
				delta.Versioned++
			case progress.OutcomeUnchanged:
				delta.Unchanged++
			case progress.OutcomeFailed:
				delta.Failed++
			}
		case progress.StageJobDone:
			ts := evt.TS
			delta.FinishedAt = &ts
			delta.Status = string(evt.Status)
		}
	}

	for _, jobID := range order {
		delta := deltas[jobID]
		msg := bylaw.Message{
			Key: delta.JobID,
			Attributes: map[string]string{
				"job_id":  delta.JobID,
				"site_id": delta.SiteID,
				"stage":   delta.Stage,
			},
			Payload: delta,
		}
		if _, err := s.publisher.Publish(ctx, s.topic, msg); err != nil {
			return fmt.Errorf("publish progress for job %s: %w", jobID, err)
		}
	}
	s.logger.Debug("progress published", zap.Int("jobs", len(order)), zap.Int("events", len(batch)))
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
