package extractor

import (
	"fmt"
	"strings"

	"github.com/JakeFAU/bylaw-capture/internal/bylaw"
)

type plausibleRange struct {
	topic    string
	min, max float64
}

// Ranges outside which a value is suspicious for a secondary dwelling.
var plausibleRanges = []plausibleRange{
	{"height", 2, 15},
	{"floor area", 20, 200},
	{"setback", 0.5, 10},
	{"dwelling units", 1, 5},
	{"parking spaces", 0, 3},
}

// Plausibility returns warnings for values outside expected ranges and for
// a minimum lot size smaller than a maximum floor area.
func Plausibility(facts []bylaw.RequirementFact) []string {
	var (
		warnings []string
		maxArea  *float64
		minLot   *float64
	)
	for _, f := range facts {
		if f.Value == nil {
			continue
		}
		v := *f.Value
		for _, r := range plausibleRanges {
			if !strings.Contains(f.Description, r.topic) {
				continue
			}
			switch {
			case v < r.min:
				warnings = append(warnings, fmt.Sprintf("%s %g%s seems too low", f.Description, v, f.Unit))
			case v > r.max:
				warnings = append(warnings, fmt.Sprintf("%s %g%s seems too high", f.Description, v, f.Unit))
			}
		}
		switch {
		case strings.HasPrefix(f.Description, "floor area") && maxArea == nil:
			maxArea = f.Value
		case strings.HasPrefix(f.Description, "lot size") && minLot == nil:
			minLot = f.Value
		}
	}
	if maxArea != nil && minLot != nil && *minLot < *maxArea {
		warnings = append(warnings, "lot size is smaller than floor area")
	}
	return warnings
}
