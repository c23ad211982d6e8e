package bylaw

import (
	"context"
	"time"
)

// JobStore persists capture jobs. Implementations refuse to update a job
// that is already terminal and return ErrJobFinished instead.
type JobStore interface {
	CreateJob(ctx context.Context, job CaptureJob) error
	GetJob(ctx context.Context, jobID string) (CaptureJob, error)
	UpdateJob(ctx context.Context, job CaptureJob) error
	RequestCancel(ctx context.Context, jobID string) (CaptureJob, error)
	// ListActiveJobs returns pending and running jobs, oldest first.
	ListActiveJobs(ctx context.Context) ([]CaptureJob, error)
	PurgeFinishedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// SiteStore holds tracked sites and their run bookkeeping.
type SiteStore interface {
	GetSite(ctx context.Context, siteID string) (TrackedSite, error)
	ListSites(ctx context.Context) ([]TrackedSite, error)
	UpsertSite(ctx context.Context, site TrackedSite) error
	RecordRun(ctx context.Context, siteID string, at time.Time, runErr string) error
}

// SourceStore records provenance. CompleteSource only transitions a pending
// record; preserved and failed records are immutable.
type SourceStore interface {
	CreateSource(ctx context.Context, src SourceDocument) error
	CompleteSource(ctx context.Context, src SourceDocument) error
	GetSource(ctx context.Context, sourceID string) (SourceDocument, error)
}

// DocumentStore holds tracked documents and their version chains.
// AppendVersion must atomically clear the previous current flag and insert
// the new current version, failing with ErrSequenceConflict when the latest
// stored sequence is not prevSequence.
type DocumentStore interface {
	ResolveDocument(ctx context.Context, doc TrackedDocument) (TrackedDocument, error)
	GetDocument(ctx context.Context, documentID string) (TrackedDocument, error)
	CurrentVersion(ctx context.Context, documentID string) (DocumentVersion, error)
	AppendVersion(ctx context.Context, version DocumentVersion, prevSequence int) error
	ListVersions(ctx context.Context, documentID string) ([]DocumentVersion, error)
}

// FactStore holds extracted requirement facts per version.
type FactStore interface {
	ReplaceFacts(ctx context.Context, versionID string, facts []RequirementFact) error
	ListFacts(ctx context.Context, versionID string) ([]RequirementFact, error)
}

// AuditStore is the append-only audit log.
type AuditStore interface {
	AppendEvent(ctx context.Context, event AuditEvent) error
	ListEvents(ctx context.Context, entityID string) ([]AuditEvent, error)
}

// BlobStore writes raw artifacts. PutObject never overwrites: an existing
// path fails with ErrObjectExists.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, error)
}

// Auditor records audit events. Implementations assign the id and time when
// they are empty.
type Auditor interface {
	Record(ctx context.Context, event AuditEvent) error
}

// Message is a published event.
type Message struct {
	Key        string
	Attributes map[string]string
	Payload    any
}

// Publisher pushes events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, msg Message) (string, error)
}

// Fetcher performs a static HTTP fetch.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Renderer loads a page in a headless browser and returns the rendered DOM
// with a full-page screenshot.
type Renderer interface {
	Render(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Parser applies site selectors to HTML.
type Parser interface {
	Links(body []byte, pageURL string, selector string) ([]DiscoveredLink, error)
	NextPage(body []byte, pageURL string, selector string) (string, error)
	Document(body []byte, pageURL string, selectors Selectors) (ParsedDocument, error)
}

// TextExtractor pulls plain text out of binary documents.
type TextExtractor interface {
	ExtractText(data []byte) (string, error)
}

// HeadlessDetector decides whether a static response needs rendering.
type HeadlessDetector interface {
	ShouldPromote(resp FetchResponse) bool
}

// Queue provides enqueue/dequeue semantics for capture jobs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// SiteLocker grants a time-bounded exclusive lease on a site. Acquire
// returns false with the current holder when the lease is taken.
type SiteLocker interface {
	Acquire(ctx context.Context, siteID, owner string, ttl time.Duration) (bool, string, error)
	Extend(ctx context.Context, siteID, owner string, ttl time.Duration) error
	Release(ctx context.Context, siteID, owner string) error
	// Holder returns the owner of an unexpired lease, or "" when free.
	Holder(ctx context.Context, siteID string) (string, error)
}

// Hasher computes digests for integrity checks.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
