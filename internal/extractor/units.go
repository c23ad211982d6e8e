package extractor

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

type dimension int

const (
	dimNone dimension = iota
	dimLength
	dimArea
	dimPercent
	dimMoney
	dimCount
)

// Canonical units.
const (
	UnitMetre       = "m"
	UnitSquareMetre = "m²"
	UnitPercent     = "%"
	UnitCurrency    = "$"
)

type conversion struct {
	dim    dimension
	factor float64
}

var conversions = map[string]conversion{
	"square feet": {dimArea, 0.092903}, "square foot": {dimArea, 0.092903}, "square ft": {dimArea, 0.092903},
	"sq ft": {dimArea, 0.092903}, "sq feet": {dimArea, 0.092903}, "sqft": {dimArea, 0.092903},
	"sf": {dimArea, 0.092903}, "ft²": {dimArea, 0.092903},
	"square meters": {dimArea, 1}, "square metres": {dimArea, 1}, "square meter": {dimArea, 1},
	"square metre": {dimArea, 1}, "square m": {dimArea, 1}, "sq m": {dimArea, 1}, "sq meters": {dimArea, 1},
	"sq metres": {dimArea, 1}, "sqm": {dimArea, 1}, "m²": {dimArea, 1}, "m2": {dimArea, 1},
	"acre": {dimArea, 4046.86}, "acres": {dimArea, 4046.86},
	"hectare": {dimArea, 10000}, "hectares": {dimArea, 10000}, "ha": {dimArea, 10000},
	"feet": {dimLength, 0.3048}, "foot": {dimLength, 0.3048}, "ft": {dimLength, 0.3048}, "'": {dimLength, 0.3048},
	"inches": {dimLength, 0.0254}, "inch": {dimLength, 0.0254}, "in": {dimLength, 0.0254},
	"meters": {dimLength, 1}, "metres": {dimLength, 1}, "meter": {dimLength, 1}, "metre": {dimLength, 1},
	"m": {dimLength, 1}, "cm": {dimLength, 0.01}, "mm": {dimLength, 0.001},
}

const numberPattern = `(\d{1,3}(?:,\d{3})+(?:\.\d+)?|\d+(?:\.\d+)?)`

var (
	measureRe = regexp.MustCompile(`(?i)` + numberPattern + `\s*(` +
		`square\s+(?:feet|foot|ft\.?|met(?:er|re)s?|m)|sq\.?\s*(?:ft|feet|met(?:er|re)s?|m)\.?|sqft|sf|sqm|m²|m2|ft²|` +
		`acres?|hectares?|ha|feet|foot|ft\.?|inches|inch|in\.|met(?:er|re)s?|cm|mm|m|')`)
	percentRe = regexp.MustCompile(`(?i)` + numberPattern + `\s*(%|percent|per\s+cent)`)
	moneyRe   = regexp.MustCompile(`\$\s?` + numberPattern)

	spaceRe = regexp.MustCompile(`\s+`)
)

var numberWords = map[string]float64{
	"a": 1, "a single": 1, "single": 1, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5, "six": 6,
}

// quantity is a number found in a sentence, already normalized.
type quantity struct {
	value float64
	unit  string
	start int
}

func parseNumber(s string) (float64, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if v, ok := numberWords[spaceRe.ReplaceAllString(s, " ")]; ok {
		return v, true
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	return v, err == nil
}

func unitKey(raw string) string {
	key := strings.ToLower(strings.ReplaceAll(raw, ".", ""))
	return strings.TrimSpace(spaceRe.ReplaceAllString(key, " "))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// findQuantities returns every quantity of the given dimension in s.
func findQuantities(s string, dim dimension) []quantity {
	var out []quantity
	switch dim {
	case dimLength, dimArea:
		for _, m := range measureRe.FindAllStringSubmatchIndex(s, -1) {
			if !wordEnds(s, m[1]) {
				continue
			}
			conv, ok := conversions[unitKey(s[m[4]:m[5]])]
			if !ok || conv.dim != dim {
				continue
			}
			v, ok := parseNumber(s[m[2]:m[3]])
			if !ok {
				continue
			}
			unit := UnitMetre
			if dim == dimArea {
				unit = UnitSquareMetre
			}
			out = append(out, quantity{value: round2(v * conv.factor), unit: unit, start: m[0]})
		}
	case dimPercent:
		for _, m := range percentRe.FindAllStringSubmatchIndex(s, -1) {
			if v, ok := parseNumber(s[m[2]:m[3]]); ok {
				out = append(out, quantity{value: round2(v), unit: UnitPercent, start: m[0]})
			}
		}
	case dimMoney:
		for _, m := range moneyRe.FindAllStringSubmatchIndex(s, -1) {
			if v, ok := parseNumber(s[m[2]:m[3]]); ok {
				out = append(out, quantity{value: round2(v), unit: UnitCurrency, start: m[0]})
			}
		}
	}
	return out
}

// nearestAfter picks the first quantity at or after pos, else the last one
// before it.
func nearestAfter(qs []quantity, pos int) (quantity, bool) {
	var before *quantity
	for i := range qs {
		if qs[i].start >= pos {
			return qs[i], true
		}
		before = &qs[i]
	}
	if before != nil {
		return *before, true
	}
	return quantity{}, false
}

// wordEnds reports whether the unit match ending at i is not the prefix of a
// longer word ("5 have" is not 5 hectares).
func wordEnds(s string, i int) bool {
	if i >= len(s) {
		return true
	}
	if s[i-1] == '.' || s[i-1] == '\'' {
		return true
	}
	r, _ := utf8.DecodeRuneInString(s[i:])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}
