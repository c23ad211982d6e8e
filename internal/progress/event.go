// Package progress defines the lifecycle events emitted by capture workers.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/bylaw-capture/internal/bylaw"
)

// Stage denotes the milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageJobStart     Stage = "JOB_START"
	StageDiscovered   Stage = "DISCOVERED"
	StageDocumentDone Stage = "DOCUMENT_DONE"
	StageJobDone      Stage = "JOB_DONE"
)

// Outcome is the per-document result reported with StageDocumentDone.
type Outcome string

// Document outcomes.
const (
	OutcomeVersioned Outcome = "versioned"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeFailed    Outcome = "failed"
)

// Event captures a single component of job progress.
type Event struct {
	// JobID is the capture job the event belongs to.
	JobID string
	// SiteID scopes the event to a tracked site.
	SiteID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// URL is the document url for document events.
	URL string
	// Outcome is set on document events.
	Outcome Outcome
	// FailedStage names the pipeline step that failed on OutcomeFailed.
	FailedStage bylaw.Stage
	// Status is the terminal job status on StageJobDone.
	Status bylaw.JobStatus
	// Count carries the number of documents found on StageDiscovered.
	Count int
	// Bytes is the captured payload size of a document.
	Bytes int64
	// Dur captures document or job latency.
	Dur time.Duration
	// Note lets emitters attach low-volume context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageDiscovered:
	case StageDocumentDone:
		if err := e.validateOutcome(); err != nil {
			return err
		}
	case StageJobDone:
		if !e.Status.Terminal() {
			return fmt.Errorf("job done requires a terminal status, got %q", e.Status)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

func (e Event) validateOutcome() error {
	switch e.Outcome {
	case OutcomeVersioned, OutcomeUnchanged:
		if e.FailedStage != "" {
			return fmt.Errorf("%s document cannot carry failed stage %q", e.Outcome, e.FailedStage)
		}
	case OutcomeFailed:
		if !e.FailedStage.Valid() {
			return fmt.Errorf("failed document needs a pipeline stage, got %q", e.FailedStage)
		}
	case "":
		return errors.New("document done requires outcome")
	default:
		return fmt.Errorf("unknown outcome %q", e.Outcome)
	}
	return nil
}
