// Package extractor pulls structured, confidence-scored requirement facts out
// of document version text with fixed rules.
package extractor

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bylaw-capture/internal/bylaw"
)

// Confidence components.
const (
	KeywordConfidence = 0.6
	ValueBonus        = 0.25
	LimitBonus        = 0.1
	// HighSpecificity separates keyword-only mentions from matches that
	// carried a value with a unit.
	HighSpecificity = 0.8
)

// Extractor runs the rule set and stores the resulting facts.
type Extractor struct {
	facts     bylaw.FactStore
	audit     bylaw.Auditor
	ids       bylaw.IDGenerator
	clock     bylaw.Clock
	ioTimeout time.Duration
	logger    *zap.Logger
}

// New constructs an Extractor.
func New(facts bylaw.FactStore, audit bylaw.Auditor, ids bylaw.IDGenerator, clock bylaw.Clock, ioTimeout time.Duration, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ioTimeout <= 0 {
		ioTimeout = 30 * time.Second
	}
	return &Extractor{facts: facts, audit: audit, ids: ids, clock: clock, ioTimeout: ioTimeout, logger: logger}
}

// Extract returns every fact the rules find in the version text. It does not
// touch storage.
func (e *Extractor) Extract(version bylaw.DocumentVersion) ([]bylaw.RequirementFact, error) {
	now := e.clock.Now()
	var facts []bylaw.RequirementFact
	for _, s := range sentences(version.Content) {
		for _, m := range matchSentence(s) {
			id, err := e.ids.NewID()
			if err != nil {
				return nil, fmt.Errorf("fact id: %w", err)
			}
			m.ID = id
			m.VersionID = version.ID
			m.ExtractedAt = now
			facts = append(facts, m)
		}
	}
	return facts, nil
}

// Run extracts facts for version and replaces its stored fact set. Facts
// outside plausible ranges are kept; the warnings are logged and audited.
func (e *Extractor) Run(ctx context.Context, version bylaw.DocumentVersion) ([]bylaw.RequirementFact, error) {
	facts, err := e.Extract(version)
	if err != nil {
		return nil, err
	}
	ioCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.ioTimeout)
	defer cancel()
	if err := e.facts.ReplaceFacts(ioCtx, version.ID, facts); err != nil {
		return nil, fmt.Errorf("replace facts for version %s: %w", version.ID, err)
	}

	warnings := Plausibility(facts)
	for _, w := range warnings {
		e.logger.Warn("implausible requirement", zap.String("version_id", version.ID), zap.String("warning", w))
	}
	after := fmt.Sprintf("facts=%d", len(facts))
	severity := bylaw.SeverityInfo
	if len(warnings) > 0 {
		after += " warnings=" + strings.Join(warnings, "; ")
		severity = bylaw.SeverityWarning
	}
	if e.audit != nil {
		err := e.audit.Record(ioCtx, bylaw.AuditEvent{
			Kind:       bylaw.AuditFactsExtracted,
			EntityType: "document_version",
			EntityID:   version.ID,
			After:      after,
			Severity:   severity,
		})
		if err != nil {
			e.logger.Error("audit record failed", zap.String("version_id", version.ID), zap.Error(err))
		}
	}
	return facts, nil
}

// matchSentence applies every rule to one sentence.
func matchSentence(s sentence) []bylaw.RequirementFact {
	var out []bylaw.RequirementFact
	limit := limitOf(s.text)
	done := make(map[string]bool)
	for _, r := range rules {
		if done[r.topic] {
			continue
		}
		matches := r.pattern.FindAllStringSubmatchIndex(s.text, -1)
		if len(matches) == 0 {
			continue
		}
		done[r.topic] = true

		var qs []quantity
		if r.dim != dimNone && r.dim != dimCount {
			qs = findQuantities(s.text, r.dim)
		}
		for _, m := range matches {
			fact := bylaw.RequirementFact{
				Category:    r.category,
				Description: describe(r, s.text, m, limit),
				Snippet:     s.text,
				SectionRef:  sectionRef(s),
			}
			hasValue := false
			switch r.dim {
			case dimCount:
				if n := r.pattern.SubexpIndex("n"); n > 0 && m[2*n] >= 0 {
					if v, ok := parseNumber(s.text[m[2*n]:m[2*n+1]]); ok {
						fact.Value, fact.Unit, hasValue = &v, r.countUnit, true
					}
				}
			case dimNone:
			default:
				if q, ok := nearestAfter(qs, m[1]); ok {
					v := q.value
					fact.Value, fact.Unit, hasValue = &v, q.unit, true
				}
			}
			fact.Confidence = confidence(hasValue, limit != "")
			out = append(out, fact)
		}
	}
	return out
}

func describe(r rule, text string, m []int, limit string) string {
	desc := r.name
	if r.dim != dimCount {
		// The first non-empty capture group qualifies the name ("front").
		for g := 1; 2*g+1 < len(m); g++ {
			if m[2*g] >= 0 && m[2*g+1] > m[2*g] {
				desc = strings.ToLower(text[m[2*g]:m[2*g+1]]) + " " + desc
				break
			}
		}
	}
	if limit != "" {
		desc += " (" + limit + ")"
	}
	return desc
}

func confidence(hasValue, hasLimit bool) float64 {
	c := KeywordConfidence
	if hasValue {
		c += ValueBonus
	}
	if hasLimit {
		c += LimitBonus
	}
	return math.Min(1, round2(c))
}
