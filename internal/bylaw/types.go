package bylaw

import (
	"net/http"
	"time"
)

// TriggerKind records why a capture job was created.
type TriggerKind string

// Trigger kinds accepted by the orchestrator.
const (
	TriggerScheduled TriggerKind = "scheduled"
	TriggerManual    TriggerKind = "manual"
	TriggerRetry     TriggerKind = "retry"
)

// Valid reports whether the trigger is one of the known kinds.
func (t TriggerKind) Valid() bool {
	switch t {
	case TriggerScheduled, TriggerManual, TriggerRetry:
		return true
	default:
		return false
	}
}

// JobStatus represents the lifecycle state of a capture job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// TrackedSite is a municipal website monitored for regulatory documents.
type TrackedSite struct {
	ID               string        `json:"id" mapstructure:"id"`
	Name             string        `json:"name" mapstructure:"name"`
	Jurisdiction     string        `json:"jurisdiction" mapstructure:"jurisdiction"`
	Enabled          bool          `json:"enabled" mapstructure:"enabled"`
	ScheduleInterval time.Duration `json:"schedule_interval" mapstructure:"schedule_interval"`
	Config           SiteConfig    `json:"config" mapstructure:"capture"`
	FailureCount     int           `json:"failure_count" mapstructure:"-"`
	LastRunAt        *time.Time    `json:"last_run_at,omitempty" mapstructure:"-"`
	LastError        string        `json:"last_error,omitempty" mapstructure:"-"`
}

// CaptureJob is one execution of the pipeline against a site.
type CaptureJob struct {
	ID              string      `json:"id"`
	SiteID          string      `json:"site_id"`
	Trigger         TriggerKind `json:"trigger"`
	RetryOf         string      `json:"retry_of,omitempty"`
	Status          JobStatus   `json:"status"`
	CreatedAt       time.Time   `json:"created_at"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	FinishedAt      *time.Time  `json:"finished_at,omitempty"`
	Stats           JobStats    `json:"stats"`
	Errors          []JobError  `json:"errors,omitempty"`
	CancelRequested bool        `json:"cancel_requested"`
}

// JobStats aggregates per-document outcomes for a job.
type JobStats struct {
	Found            int `json:"found"`
	Preserved        int `json:"preserved"`
	Versioned        int `json:"versioned"`
	SkippedUnchanged int `json:"skipped_unchanged"`
	Failed           int `json:"failed"`
}

// Stage names the pipeline step an error came from.
type Stage string

// Pipeline stages.
const (
	StageDiscover Stage = "discover"
	StageCapture  Stage = "capture"
	StagePreserve Stage = "preserve"
	StageVersion  Stage = "version"
	StageExtract  Stage = "extract"
)

// Valid reports whether s is one of the pipeline stages.
func (s Stage) Valid() bool {
	switch s {
	case StageDiscover, StageCapture, StagePreserve, StageVersion, StageExtract:
		return true
	}
	return false
}

// Severity grades job errors and audit events.
type Severity string

// Severity levels.
const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityHigh    Severity = "high"
)

// JobError is a structured failure recorded on a job. URL is empty for the
// site-level error.
type JobError struct {
	URL       string   `json:"url,omitempty"`
	Stage     Stage    `json:"stage"`
	Kind      string   `json:"kind"`
	Message   string   `json:"message"`
	Severity  Severity `json:"severity"`
	Retryable bool     `json:"retryable"`
	Attempts  int      `json:"attempts,omitempty"`
}

// DocumentKind distinguishes HTML pages from binary documents.
type DocumentKind string

// Document kinds.
const (
	KindPage  DocumentKind = "page"
	KindPDF   DocumentKind = "pdf"
	KindOther DocumentKind = "other"
)

// PreservationStatus tracks a source document through preservation.
type PreservationStatus string

// Preservation states. Preserved and failed are final.
const (
	PreservationPending   PreservationStatus = "pending"
	PreservationPreserved PreservationStatus = "preserved"
	PreservationFailed    PreservationStatus = "failed"
)

// Artifacts lists the storage locations written for one capture.
type Artifacts struct {
	Primary    string   `json:"primary,omitempty"`
	Binary     string   `json:"binary,omitempty"`
	Screenshot string   `json:"screenshot,omitempty"`
	Metadata   string   `json:"metadata,omitempty"`
	Assets     []string `json:"assets,omitempty"`
}

// All returns every non-empty artifact location.
func (a Artifacts) All() []string {
	out := make([]string, 0, 4+len(a.Assets))
	for _, p := range []string{a.Primary, a.Binary, a.Screenshot} {
		if p != "" {
			out = append(out, p)
		}
	}
	out = append(out, a.Assets...)
	if a.Metadata != "" {
		out = append(out, a.Metadata)
	}
	return out
}

// SourceDocument is the immutable provenance record of one capture.
type SourceDocument struct {
	ID                string             `json:"id"`
	SiteID            string             `json:"site_id"`
	JobID             string             `json:"job_id"`
	SourceURL         string             `json:"source_url"`
	Kind              DocumentKind       `json:"kind"`
	FetchedAt         time.Time          `json:"fetched_at"`
	FetcherVersion    string             `json:"fetcher_version"`
	StatusCode        int                `json:"status_code"`
	Headers           http.Header        `json:"headers,omitempty"`
	ContentType       string             `json:"content_type"`
	Fingerprint       string             `json:"fingerprint,omitempty"`
	Artifacts         Artifacts          `json:"artifacts"`
	Status            PreservationStatus `json:"status"`
	PreservationError string             `json:"preservation_error,omitempty"`
	SizeBytes         int64              `json:"size_bytes"`
}

// LifecycleStatus is the legal status of a tracked document.
type LifecycleStatus string

// Lifecycle states.
const (
	LifecycleActive     LifecycleStatus = "active"
	LifecycleRepealed   LifecycleStatus = "repealed"
	LifecycleSuperseded LifecycleStatus = "superseded"
	LifecycleDraft      LifecycleStatus = "draft"
)

// TrackedDocument is a logical bylaw identified by site and external number.
type TrackedDocument struct {
	ID         string          `json:"id"`
	SiteID     string          `json:"site_id"`
	ExternalID string          `json:"external_id"`
	Title      string          `json:"title"`
	Category   string          `json:"category"`
	Status     LifecycleStatus `json:"status"`
	SourceURL  string          `json:"source_url"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ChangeClass classifies a version relative to its predecessor.
type ChangeClass string

// Change classes.
const (
	ChangeNew       ChangeClass = "new"
	ChangeAmendment ChangeClass = "amendment"
)

// DocumentVersion is one immutable snapshot of a tracked document's text.
type DocumentVersion struct {
	ID               string      `json:"id"`
	DocumentID       string      `json:"document_id"`
	Sequence         int         `json:"sequence"`
	Title            string      `json:"title"`
	Content          string      `json:"content"`
	Fingerprint      string      `json:"fingerprint"`
	SourceDocumentID string      `json:"source_document_id"`
	Classification   ChangeClass `json:"classification"`
	ChangeSummary    string      `json:"change_summary"`
	EnactedOn        string      `json:"enacted_on,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	IsCurrent        bool        `json:"is_current"`
}

// FactCategory groups extracted requirements.
type FactCategory string

// Requirement categories.
const (
	CategoryZoning  FactCategory = "zoning"
	CategoryParking FactCategory = "parking"
	CategorySize    FactCategory = "size"
	CategoryDesign  FactCategory = "design"
	CategoryPermit  FactCategory = "permit"
	CategoryOther   FactCategory = "other"
)

// RequirementFact is a structured requirement pulled from version text.
type RequirementFact struct {
	ID          string       `json:"id"`
	VersionID   string       `json:"version_id"`
	Category    FactCategory `json:"category"`
	Description string       `json:"description"`
	Value       *float64     `json:"value,omitempty"`
	Unit        string       `json:"unit,omitempty"`
	Confidence  float64      `json:"confidence"`
	Snippet     string       `json:"snippet"`
	SectionRef  string       `json:"section_ref,omitempty"`
	ExtractedAt time.Time    `json:"extracted_at"`
}

// AuditKind names an audited state change.
type AuditKind string

// Audit event kinds.
const (
	AuditJobCreated       AuditKind = "job_created"
	AuditJobFinished      AuditKind = "job_finished"
	AuditJobCancelRequest AuditKind = "job_cancel_requested"
	AuditJobAbandoned     AuditKind = "job_abandoned"
	AuditSourcePreserved  AuditKind = "source_preserved"
	AuditSourceVerified   AuditKind = "source_verified"
	AuditIntegrityFailure AuditKind = "integrity_failure"
	AuditIntegritySuspect AuditKind = "integrity_suspect"
	AuditVersionCreated   AuditKind = "version_created"
	AuditSequenceConflict AuditKind = "sequence_conflict"
	AuditFactsExtracted   AuditKind = "facts_extracted"
	AuditCaptureFailed    AuditKind = "capture_failed"
)

// AuditEvent is an append-only record of a state change.
type AuditEvent struct {
	ID         string    `json:"id"`
	Kind       AuditKind `json:"kind"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Actor      string    `json:"actor"`
	Before     string    `json:"before,omitempty"`
	After      string    `json:"after,omitempty"`
	Severity   Severity  `json:"severity"`
	OccurredAt time.Time `json:"occurred_at"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	SiteID  string
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher or Renderer.
type FetchResponse struct {
	URL         string
	StatusCode  int
	Headers     http.Header
	ContentType string
	Body        []byte
	Screenshot  []byte
	Duration    time.Duration
	Rendered    bool
}

// DiscoveredLink is a candidate document found on a listing page.
type DiscoveredLink struct {
	URL  string `json:"url"`
	Text string `json:"text"`
}

// ParsedDocument holds the selector-extracted fields of a document page.
type ParsedDocument struct {
	Title       string
	Number      string
	Content     string
	DateEnacted string
	AssetURLs   []string
}

// Asset is a supporting resource referenced by a captured page.
type Asset struct {
	URL         string
	ContentType string
	Body        []byte
}

// CaptureBundle is everything the capturer collected for one document URL.
// Nothing in it has been persisted.
type CaptureBundle struct {
	SourceURL   string
	LinkText    string
	FetchedAt   time.Time
	StatusCode  int
	Headers     http.Header
	ContentType string
	Kind        DocumentKind
	Primary     []byte
	Binary      []byte
	Screenshot  []byte
	Assets      []Asset
	Parsed      ParsedDocument
	Rendered    bool
	Attempts    int
}

// FingerprintSource returns the content the fingerprint is computed over:
// the page body, or the binary document when there is no page.
func (b CaptureBundle) FingerprintSource() []byte {
	if len(b.Primary) > 0 {
		return b.Primary
	}
	return b.Binary
}

// QueueItem wraps a job ready to run.
type QueueItem struct {
	JobID     string
	SiteID    string
	Attempt   int
	Submitted int64
}
