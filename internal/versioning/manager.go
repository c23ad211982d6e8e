// Package versioning decides whether a preserved capture is a new version of
// a tracked document and appends it to the document's chain.
package versioning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/bylaw-capture/internal/bylaw"
)

// Revision is the text captured for a document.
type Revision struct {
	Title     string
	Content   string
	EnactedOn string
}

// Manager appends versions and keeps exactly one current version per
// document.
type Manager struct {
	documents bylaw.DocumentStore
	sources   bylaw.SourceStore
	audit     bylaw.Auditor
	ids       bylaw.IDGenerator
	clock     bylaw.Clock
	ioTimeout time.Duration
	locks     *keyedMutex
	logger    *zap.Logger
}

// New constructs a Manager.
func New(documents bylaw.DocumentStore, sources bylaw.SourceStore, audit bylaw.Auditor, ids bylaw.IDGenerator, clock bylaw.Clock, ioTimeout time.Duration, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ioTimeout <= 0 {
		ioTimeout = 30 * time.Second
	}
	return &Manager{
		documents: documents,
		sources:   sources,
		audit:     audit,
		ids:       ids,
		clock:     clock,
		ioTimeout: ioTimeout,
		locks:     newKeyedMutex(),
		logger:    logger,
	}
}

// ResolveDocument finds or creates the tracked document a bundle belongs to.
// The external id is the bylaw number, or a stable hash of the url when the
// page carries none.
func (m *Manager) ResolveDocument(ctx context.Context, site bylaw.TrackedSite, bundle bylaw.CaptureBundle) (bylaw.TrackedDocument, error) {
	externalID := strings.TrimSpace(bundle.Parsed.Number)
	if externalID == "" {
		externalID = fmt.Sprintf("url-%016x", xxhash.Sum64String(bundle.SourceURL))
	}
	title := strings.TrimSpace(bundle.Parsed.Title)
	if title == "" {
		title = strings.TrimSpace(bundle.LinkText)
	}
	id, err := m.ids.NewID()
	if err != nil {
		return bylaw.TrackedDocument{}, fmt.Errorf("document id: %w", err)
	}
	doc := bylaw.TrackedDocument{
		ID:         id,
		SiteID:     site.ID,
		ExternalID: externalID,
		Title:      title,
		Category:   bylaw.CategorizeDocument(title, bundle.Parsed.Content),
		Status:     bylaw.LifecycleActive,
		SourceURL:  bundle.SourceURL,
		CreatedAt:  m.clock.Now(),
	}
	var out bylaw.TrackedDocument
	err = m.detached(ctx, func(ctx context.Context) error {
		var err error
		out, err = m.documents.ResolveDocument(ctx, doc)
		return err
	})
	if err != nil {
		return bylaw.TrackedDocument{}, fmt.Errorf("resolve document %s/%s: %w", site.ID, externalID, err)
	}
	return out, nil
}

// ApplyCapture appends rev as the next version of doc when src's fingerprint
// differs from the current version. It returns an error wrapping
// bylaw.ErrNoChange when nothing changed, bylaw.ErrNotPreserved when src has
// not been preserved and bylaw.ErrSequenceConflict when a concurrent append
// won twice.
func (m *Manager) ApplyCapture(ctx context.Context, doc bylaw.TrackedDocument, src bylaw.SourceDocument, rev Revision) (bylaw.DocumentVersion, error) {
	if src.Status != bylaw.PreservationPreserved {
		return bylaw.DocumentVersion{}, fmt.Errorf("source %s is %s: %w", src.ID, src.Status, bylaw.ErrNotPreserved)
	}
	unlock := m.locks.Lock(doc.ID)
	defer unlock()

	var (
		version bylaw.DocumentVersion
		prior   *bylaw.DocumentVersion
	)
	err := m.detached(ctx, func(ctx context.Context) error {
		var err error
		for attempt := 1; attempt <= 2; attempt++ {
			version, prior, err = m.appendNext(ctx, doc, src, rev)
			if !errors.Is(err, bylaw.ErrSequenceConflict) {
				return err
			}
			m.logger.Warn("version sequence conflict",
				zap.String("document_id", doc.ID),
				zap.String("source_id", src.ID),
				zap.Int("attempt", attempt),
			)
			m.record(ctx, bylaw.AuditEvent{
				Kind:       bylaw.AuditSequenceConflict,
				EntityType: "tracked_document",
				EntityID:   doc.ID,
				Actor:      src.JobID,
				After:      err.Error(),
				Severity:   bylaw.SeverityWarning,
			})
		}
		return err
	})
	if err != nil {
		return bylaw.DocumentVersion{}, err
	}

	m.record(ctx, bylaw.AuditEvent{
		Kind:       bylaw.AuditVersionCreated,
		EntityType: "document_version",
		EntityID:   doc.ID,
		Actor:      src.JobID,
		Before:     priorRef(prior),
		After:      fmt.Sprintf("version=%s sequence=%d fingerprint=%s", version.ID, version.Sequence, version.Fingerprint),
		Severity:   bylaw.SeverityInfo,
	})
	if prior != nil {
		m.checkSuspect(ctx, doc, *prior, src)
	}
	m.logger.Info("version created",
		zap.String("document_id", doc.ID),
		zap.String("source_id", src.ID),
		zap.Int("sequence", version.Sequence),
		zap.String("classification", string(version.Classification)),
	)
	return version, nil
}

func (m *Manager) appendNext(ctx context.Context, doc bylaw.TrackedDocument, src bylaw.SourceDocument, rev Revision) (bylaw.DocumentVersion, *bylaw.DocumentVersion, error) {
	var prior *bylaw.DocumentVersion
	current, err := m.documents.CurrentVersion(ctx, doc.ID)
	switch {
	case err == nil:
		prior = &current
	case errors.Is(err, bylaw.ErrNotFound):
	default:
		return bylaw.DocumentVersion{}, nil, fmt.Errorf("current version of %s: %w", doc.ID, err)
	}
	if prior != nil && prior.Fingerprint == src.Fingerprint {
		return bylaw.DocumentVersion{}, prior, fmt.Errorf("document %s at sequence %d: %w", doc.ID, prior.Sequence, bylaw.ErrNoChange)
	}

	id, err := m.ids.NewID()
	if err != nil {
		return bylaw.DocumentVersion{}, nil, fmt.Errorf("version id: %w", err)
	}
	next := bylaw.DocumentVersion{
		ID:               id,
		DocumentID:       doc.ID,
		Sequence:         1,
		Title:            rev.Title,
		Content:          rev.Content,
		Fingerprint:      src.Fingerprint,
		SourceDocumentID: src.ID,
		Classification:   bylaw.ChangeNew,
		EnactedOn:        rev.EnactedOn,
		CreatedAt:        m.clock.Now(),
		IsCurrent:        true,
	}
	prevSequence := 0
	if prior != nil {
		prevSequence = prior.Sequence
		next.Sequence = prior.Sequence + 1
		next.Classification = bylaw.ChangeAmendment
	}
	next.ChangeSummary = Summarize(prior, rev)

	if err := m.documents.AppendVersion(ctx, next, prevSequence); err != nil {
		return bylaw.DocumentVersion{}, nil, fmt.Errorf("append version %d of %s: %w", next.Sequence, doc.ID, err)
	}
	return next, prior, nil
}

// checkSuspect flags a content change the server did not announce: the
// previous capture carried the same ETag yet the fingerprint moved.
func (m *Manager) checkSuspect(ctx context.Context, doc bylaw.TrackedDocument, prior bylaw.DocumentVersion, src bylaw.SourceDocument) {
	etag := src.Headers.Get("ETag")
	if etag == "" {
		return
	}
	var prev bylaw.SourceDocument
	err := m.detached(ctx, func(ctx context.Context) error {
		var err error
		prev, err = m.sources.GetSource(ctx, prior.SourceDocumentID)
		return err
	})
	if err != nil {
		m.logger.Warn("load previous source", zap.String("source_id", prior.SourceDocumentID), zap.Error(err))
		return
	}
	if prev.Headers.Get("ETag") != etag || prev.Fingerprint == src.Fingerprint {
		return
	}
	m.logger.Warn("content changed under an unchanged etag",
		zap.String("document_id", doc.ID),
		zap.String("source_id", src.ID),
		zap.String("etag", etag),
	)
	m.record(ctx, bylaw.AuditEvent{
		Kind:       bylaw.AuditIntegritySuspect,
		EntityType: "tracked_document",
		EntityID:   doc.ID,
		Actor:      src.JobID,
		Before:     prev.Fingerprint,
		After:      src.Fingerprint,
		Severity:   bylaw.SeverityHigh,
	})
}

// Summarize describes rev relative to prior.
func Summarize(prior *bylaw.DocumentVersion, rev Revision) string {
	chars := utf8.RuneCountInString(rev.Content)
	lines := lineCount(rev.Content)
	if prior == nil {
		return fmt.Sprintf("initial version: %d chars, %d lines", chars, lines)
	}
	parts := []string{fmt.Sprintf("content %+d chars, %+d lines",
		chars-utf8.RuneCountInString(prior.Content), lines-lineCount(prior.Content))}
	if strings.TrimSpace(prior.Title) != strings.TrimSpace(rev.Title) {
		parts = append(parts, fmt.Sprintf("title changed from %q to %q", prior.Title, rev.Title))
	}
	return strings.Join(parts, "; ")
}

func lineCount(s string) int {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return 0
	}
	return strings.Count(s, "\n") + 1
}

func priorRef(prior *bylaw.DocumentVersion) string {
	if prior == nil {
		return ""
	}
	return fmt.Sprintf("version=%s sequence=%d fingerprint=%s", prior.ID, prior.Sequence, prior.Fingerprint)
}

func (m *Manager) detached(ctx context.Context, fn func(context.Context) error) error {
	ioCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.ioTimeout)
	defer cancel()
	return fn(ioCtx)
}

func (m *Manager) record(ctx context.Context, event bylaw.AuditEvent) {
	if m.audit == nil {
		return
	}
	if err := m.detached(ctx, func(ctx context.Context) error { return m.audit.Record(ctx, event) }); err != nil {
		m.logger.Error("audit record failed", zap.String("kind", string(event.Kind)), zap.Error(err))
	}
}
