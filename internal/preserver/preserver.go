// Package preserver turns capture bundles into tamper-evident stored
// artifacts and immutable provenance records.
package preserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bylaw-capture/internal/bylaw"
	"github.com/JakeFAU/bylaw-capture/internal/fingerprint"
	"github.com/JakeFAU/bylaw-capture/internal/telemetry"
)

// Digester hashes artifacts and compares stored bytes against a digest.
type Digester interface {
	bylaw.Hasher
	Matches(data []byte, want string) bool
}

// Config names the fetchers recorded as provenance and bounds storage I/O.
type Config struct {
	StaticFetcherVersion string
	RenderFetcherVersion string
	IOTimeout            time.Duration
}

// Preserver writes artifacts and records provenance.
type Preserver struct {
	blobs   bylaw.BlobStore
	sources bylaw.SourceStore
	audit   bylaw.Auditor
	fp      *fingerprint.Fingerprinter
	digest  Digester
	ids     bylaw.IDGenerator
	clock   bylaw.Clock
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Preserver.
func New(
	blobs bylaw.BlobStore,
	sources bylaw.SourceStore,
	audit bylaw.Auditor,
	digest Digester,
	ids bylaw.IDGenerator,
	clock bylaw.Clock,
	cfg Config,
	logger *zap.Logger,
) *Preserver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = 30 * time.Second
	}
	return &Preserver{
		blobs:   blobs,
		sources: sources,
		audit:   audit,
		fp:      fingerprint.New(digest),
		digest:  digest,
		ids:     ids,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
	}
}

// artifactRecord is one stored object as listed in metadata.json.
type artifactRecord struct {
	Role        string `json:"role"`
	Path        string `json:"path"`
	URI         string `json:"uri,omitempty"`
	SourceURL   string `json:"source_url"`
	ContentType string `json:"content_type"`
	SHA256      string `json:"sha256"`
	Size        int    `json:"size"`

	data []byte
}

// metadataDoc is the provenance snapshot written next to the artifacts.
type metadataDoc struct {
	SourceID       string             `json:"source_id"`
	SiteID         string             `json:"site_id"`
	JobID          string             `json:"job_id"`
	SourceURL      string             `json:"source_url"`
	FetchedAt      time.Time          `json:"fetched_at"`
	StatusCode     int                `json:"status_code"`
	Headers        http.Header        `json:"headers,omitempty"`
	ContentType    string             `json:"content_type"`
	Kind           bylaw.DocumentKind `json:"kind"`
	Fingerprint    string             `json:"fingerprint"`
	FetcherVersion string             `json:"fetcher_version"`
	Rendered       bool               `json:"rendered"`
	Attempts       int                `json:"attempts"`
	Artifacts      []artifactRecord   `json:"artifacts"`
}

// Preserve stores the bundle and returns the preserved source record. On
// any write or readback failure the record is completed as failed, an
// integrity event is audited and an *bylaw.IntegrityError is returned.
func (p *Preserver) Preserve(ctx context.Context, jobID string, site bylaw.TrackedSite, bundle bylaw.CaptureBundle) (bylaw.SourceDocument, error) {
	fp, err := p.fp.OfBundle(bundle)
	if err != nil {
		return bylaw.SourceDocument{}, fmt.Errorf("fingerprint %s: %w", bundle.SourceURL, err)
	}
	id, err := p.ids.NewID()
	if err != nil {
		return bylaw.SourceDocument{}, fmt.Errorf("source id: %w", err)
	}

	src := bylaw.SourceDocument{
		ID:             id,
		SiteID:         site.ID,
		JobID:          jobID,
		SourceURL:      bundle.SourceURL,
		Kind:           bundle.Kind,
		FetchedAt:      bundle.FetchedAt.UTC(),
		FetcherVersion: p.fetcherVersion(bundle),
		StatusCode:     bundle.StatusCode,
		Headers:        bundle.Headers,
		ContentType:    bundle.ContentType,
		Fingerprint:    fp,
		Status:         bylaw.PreservationPending,
	}
	if err := p.withIO(ctx, func(ctx context.Context) error { return p.sources.CreateSource(ctx, src) }); err != nil {
		return bylaw.SourceDocument{}, fmt.Errorf("create source: %w", err)
	}

	artifacts, writeErr := p.writeAll(ctx, src, bundle)
	if writeErr == nil {
		writeErr = p.readBack(ctx, artifacts)
	}
	if writeErr != nil {
		return p.fail(ctx, src, artifacts, writeErr)
	}

	src.Status = bylaw.PreservationPreserved
	for _, a := range artifacts {
		src.SizeBytes += int64(a.Size)
	}
	src.Artifacts = toArtifacts(artifacts)
	if err := p.withIO(ctx, func(ctx context.Context) error { return p.sources.CompleteSource(ctx, src) }); err != nil {
		return bylaw.SourceDocument{}, fmt.Errorf("complete source %s: %w", src.ID, err)
	}
	p.record(ctx, bylaw.AuditEvent{
		Kind:       bylaw.AuditSourcePreserved,
		EntityType: "source_document",
		EntityID:   src.ID,
		Actor:      jobID,
		After:      fmt.Sprintf("fingerprint=%s artifacts=%d bytes=%d", src.Fingerprint, len(artifacts), src.SizeBytes),
		Severity:   bylaw.SeverityInfo,
	})
	return src, nil
}

func (p *Preserver) fetcherVersion(bundle bylaw.CaptureBundle) string {
	if bundle.Rendered {
		return p.cfg.RenderFetcherVersion
	}
	return p.cfg.StaticFetcherVersion
}

// writeAll writes page, document, screenshot and assets, then metadata.json
// listing their digests. It stops at the first failed write.
func (p *Preserver) writeAll(ctx context.Context, src bylaw.SourceDocument, bundle bylaw.CaptureBundle) ([]artifactRecord, error) {
	prefix := objectPrefix(src.SiteID, src.SourceURL, src.FetchedAt)
	var planned []artifactRecord
	add := func(role, sourceURL, contentType string, data []byte) {
		if len(data) == 0 {
			return
		}
		planned = append(planned, artifactRecord{
			Role:        role,
			Path:        prefix + "/" + objectName(role, sourceURL, extensionFor(contentType, sourceURL)),
			SourceURL:   sourceURL,
			ContentType: contentType,
			Size:        len(data),
			data:        data,
		})
	}
	add(rolePage, src.SourceURL, bundle.ContentType, bundle.Primary)
	add(roleDocument, src.SourceURL, bundle.ContentType, bundle.Binary)
	add(roleScreenshot, src.SourceURL, "image/png", bundle.Screenshot)
	for _, asset := range bundle.Assets {
		add(roleAsset, asset.URL, asset.ContentType, asset.Body)
	}

	written := make([]artifactRecord, 0, len(planned)+1)
	for _, a := range planned {
		if err := p.put(ctx, &a); err != nil {
			return written, err
		}
		written = append(written, a)
	}

	meta := metadataDoc{
		SourceID:       src.ID,
		SiteID:         src.SiteID,
		JobID:          src.JobID,
		SourceURL:      src.SourceURL,
		FetchedAt:      src.FetchedAt,
		StatusCode:     src.StatusCode,
		Headers:        src.Headers,
		ContentType:    src.ContentType,
		Kind:           src.Kind,
		Fingerprint:    src.Fingerprint,
		FetcherVersion: src.FetcherVersion,
		Rendered:       bundle.Rendered,
		Attempts:       bundle.Attempts,
		Artifacts:      written,
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return written, fmt.Errorf("encode metadata: %w", err)
	}
	metaRecord := artifactRecord{
		Role:        roleMetadata,
		Path:        prefix + "/" + objectName(roleMetadata, src.SourceURL, "json"),
		SourceURL:   src.SourceURL,
		ContentType: "application/json",
		Size:        len(data),
		data:        data,
	}
	if err := p.put(ctx, &metaRecord); err != nil {
		return written, err
	}
	return append(written, metaRecord), nil
}

func (p *Preserver) put(ctx context.Context, a *artifactRecord) error {
	digest, err := p.digest.Hash(a.data)
	if err != nil {
		return fmt.Errorf("hash %s: %w", a.Path, err)
	}
	a.SHA256 = digest
	err = p.withIO(ctx, func(ctx context.Context) error {
		uri, err := p.blobs.PutObject(ctx, a.Path, a.ContentType, a.data)
		a.URI = uri
		return err
	})
	if err != nil {
		return &bylaw.IntegrityError{Path: a.Path, Reason: "write: " + err.Error()}
	}
	return nil
}

// readBack re-reads every written artifact and compares digests.
func (p *Preserver) readBack(ctx context.Context, artifacts []artifactRecord) error {
	for _, a := range artifacts {
		var stored []byte
		err := p.withIO(ctx, func(ctx context.Context) error {
			var err error
			stored, err = p.blobs.GetObject(ctx, a.Path)
			return err
		})
		if err != nil {
			return &bylaw.IntegrityError{Path: a.Path, Reason: "readback: " + err.Error()}
		}
		if !p.digest.Matches(stored, a.SHA256) {
			return &bylaw.IntegrityError{Path: a.Path, Reason: "digest mismatch"}
		}
	}
	return nil
}

func (p *Preserver) fail(ctx context.Context, src bylaw.SourceDocument, written []artifactRecord, cause error) (bylaw.SourceDocument, error) {
	src.Status = bylaw.PreservationFailed
	src.PreservationError = cause.Error()
	src.Artifacts = toArtifacts(written)
	telemetry.ObserveIntegrityFailure(src.SiteID)
	p.logger.Error("preservation failed",
		zap.String("source_id", src.ID),
		zap.String("site_id", src.SiteID),
		zap.String("url", src.SourceURL),
		zap.Error(cause),
	)
	if err := p.withIO(ctx, func(ctx context.Context) error { return p.sources.CompleteSource(ctx, src) }); err != nil {
		p.logger.Error("mark source failed", zap.String("source_id", src.ID), zap.Error(err))
	}
	p.record(ctx, bylaw.AuditEvent{
		Kind:       bylaw.AuditIntegrityFailure,
		EntityType: "source_document",
		EntityID:   src.ID,
		Actor:      src.JobID,
		After:      src.PreservationError,
		Severity:   bylaw.SeverityHigh,
	})
	var intErr *bylaw.IntegrityError
	if !errors.As(cause, &intErr) {
		cause = &bylaw.IntegrityError{Path: src.SourceURL, Reason: cause.Error()}
	}
	return src, cause
}

// withIO runs fn detached from the caller's cancellation with the storage
// timeout, so a cancelled job never leaves a half-written record.
func (p *Preserver) withIO(ctx context.Context, fn func(context.Context) error) error {
	ioCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.IOTimeout)
	defer cancel()
	return fn(ioCtx)
}

func (p *Preserver) record(ctx context.Context, event bylaw.AuditEvent) {
	if p.audit == nil {
		return
	}
	if err := p.withIO(ctx, func(ctx context.Context) error { return p.audit.Record(ctx, event) }); err != nil {
		p.logger.Error("audit record failed", zap.String("kind", string(event.Kind)), zap.Error(err))
	}
}

func toArtifacts(records []artifactRecord) bylaw.Artifacts {
	var out bylaw.Artifacts
	for _, a := range records {
		switch a.Role {
		case rolePage:
			out.Primary = a.Path
		case roleDocument:
			out.Binary = a.Path
		case roleScreenshot:
			out.Screenshot = a.Path
		case roleMetadata:
			out.Metadata = a.Path
		case roleAsset:
			out.Assets = append(out.Assets, a.Path)
		}
	}
	return out
}
