package preserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bylaw-capture/internal/bylaw"
)

// ArtifactCheck is the outcome for one stored object.
type ArtifactCheck struct {
	Role   string `json:"role"`
	Path   string `json:"path"`
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// VerifyReport summarizes a re-check of a preserved source.
type VerifyReport struct {
	SourceID           string          `json:"source_id"`
	CheckedAt          time.Time       `json:"checked_at"`
	OK                 bool            `json:"ok"`
	FingerprintMatches bool            `json:"fingerprint_matches"`
	Artifacts          []ArtifactCheck `json:"artifacts"`
}

// Verify re-reads every artifact of a preserved source and checks it against
// the digests in metadata.json and the recorded fingerprint.
func (p *Preserver) Verify(ctx context.Context, sourceID string) (VerifyReport, error) {
	src, err := p.sources.GetSource(ctx, sourceID)
	if err != nil {
		return VerifyReport{}, err
	}
	if src.Status != bylaw.PreservationPreserved {
		return VerifyReport{}, fmt.Errorf("verify %s: %w", sourceID, bylaw.ErrNotPreserved)
	}
	report := VerifyReport{SourceID: src.ID, CheckedAt: p.clock.Now(), OK: true}

	raw, err := p.blobs.GetObject(ctx, src.Artifacts.Metadata)
	if err != nil {
		return p.finishVerify(ctx, src, report, &bylaw.IntegrityError{Path: src.Artifacts.Metadata, Reason: "metadata unreadable: " + err.Error()})
	}
	var meta metadataDoc
	if err := json.Unmarshal(raw, &meta); err != nil {
		return p.finishVerify(ctx, src, report, &bylaw.IntegrityError{Path: src.Artifacts.Metadata, Reason: "metadata corrupt: " + err.Error()})
	}
	if meta.SourceID != src.ID || meta.Fingerprint != src.Fingerprint {
		return p.finishVerify(ctx, src, report, &bylaw.IntegrityError{Path: src.Artifacts.Metadata, Reason: "metadata does not describe this source"})
	}

	var primary []byte
	for _, a := range meta.Artifacts {
		check := ArtifactCheck{Role: a.Role, Path: a.Path, OK: true}
		data, err := p.blobs.GetObject(ctx, a.Path)
		switch {
		case errors.Is(err, bylaw.ErrObjectNotFound):
			check.OK, check.Reason = false, "missing"
		case err != nil:
			check.OK, check.Reason = false, err.Error()
		case !p.digest.Matches(data, a.SHA256):
			check.OK, check.Reason = false, "digest mismatch"
		}
		if check.OK && (a.Role == rolePage || (a.Role == roleDocument && primary == nil)) {
			primary = data
		}
		report.OK = report.OK && check.OK
		report.Artifacts = append(report.Artifacts, check)
	}

	if primary != nil {
		var fp string
		if len(src.Artifacts.Primary) > 0 {
			fp, err = p.fp.Of(primary, src.ContentType)
		} else {
			fp, err = p.digest.Hash(primary)
		}
		report.FingerprintMatches = err == nil && fp == src.Fingerprint
	}
	report.OK = report.OK && report.FingerprintMatches

	var verifyErr error
	if !report.OK {
		verifyErr = &bylaw.IntegrityError{Path: src.Artifacts.Metadata, Reason: "stored artifacts no longer match their digests"}
	}
	return p.finishVerify(ctx, src, report, verifyErr)
}

func (p *Preserver) finishVerify(ctx context.Context, src bylaw.SourceDocument, report VerifyReport, verifyErr error) (VerifyReport, error) {
	event := bylaw.AuditEvent{
		Kind:       bylaw.AuditSourceVerified,
		EntityType: "source_document",
		EntityID:   src.ID,
		Actor:      "verifier",
		After:      "ok",
		Severity:   bylaw.SeverityInfo,
	}
	if verifyErr != nil {
		report.OK = false
		event.Kind = bylaw.AuditIntegrityFailure
		event.After = verifyErr.Error()
		event.Severity = bylaw.SeverityHigh
		p.logger.Error("source verification failed", zap.String("source_id", src.ID), zap.Error(verifyErr))
	}
	p.record(ctx, event)
	return report, verifyErr
}
