package extractor

import (
	"regexp"

	"github.com/JakeFAU/bylaw-capture/internal/bylaw"
)

// rule matches one kind of requirement. Rules sharing a topic are tried in
// order and only the first that matches a sentence contributes, so a counted
// "2 parking spaces" is not repeated as a bare mention of parking.
type rule struct {
	category bylaw.FactCategory
	topic    string
	name     string
	pattern  *regexp.Regexp
	dim      dimension
	// countUnit is the unit for dimCount rules, whose pattern captures the
	// number in the group named n.
	countUnit string
}

const countWords = `\d+|one|two|three|four|five|six|a\s+single|single|a`

var rules = []rule{
	{
		category: bylaw.CategorySize, topic: "floor_area", name: "floor area", dim: dimArea,
		pattern: regexp.MustCompile(`(?i)\b(?:gross\s+|habitable\s+)?floor\s+(?:area|space)\b|\b(?:unit|suite|building)\s+size\b`),
	},
	{
		category: bylaw.CategorySize, topic: "lot_size", name: "lot size", dim: dimArea,
		pattern: regexp.MustCompile(`(?i)\b(?:lot|parcel)\s+(?:size|area)\b`),
	},
	{
		category: bylaw.CategorySize, topic: "height", name: "height", dim: dimLength,
		pattern: regexp.MustCompile(`(?i)\b(?:building\s+)?height\b`),
	},
	{
		category: bylaw.CategorySize, topic: "lot_coverage", name: "lot coverage", dim: dimPercent,
		pattern: regexp.MustCompile(`(?i)\b(?:lot|site)\s+coverage\b`),
	},
	{
		category: bylaw.CategoryZoning, topic: "setback", name: "setback", dim: dimLength,
		pattern: regexp.MustCompile(`(?i)\b(?:(front|rear|side|flanking)\s+)?(?:yard\s+)?setbacks?\b|\b(front|rear|side)\s+yards?\b`),
	},
	{
		category: bylaw.CategoryZoning, topic: "zones", name: "permitted zones", dim: dimNone,
		pattern: regexp.MustCompile(`(?i)\b(?:permitted|allowed)\s+(?:only\s+)?(?:with)?in\s+(?:the\s+)?(?:[a-z0-9-]+\s+){0,4}zones?\b|\bzones?\s+[a-z]{1,3}-\d+[a-z]?\b`),
	},
	{
		category: bylaw.CategoryZoning, topic: "units", name: "dwelling units", dim: dimCount, countUnit: "units",
		pattern: regexp.MustCompile(`(?i)\b(?:maximum\s+of|max\.?|not\s+more\s+than|no\s+more\s+than|up\s+to)\s+(?P<n>` + countWords + `)\s+(?:accessory\s+|secondary\s+|additional\s+)?(?:dwelling\s+)?(?:units?|suites?)\b`),
	},
	{
		category: bylaw.CategoryZoning, topic: "units", name: "dwelling units", dim: dimCount, countUnit: "units",
		pattern: regexp.MustCompile(`(?i)\b(?P<n>one|a\s+single|1)\s+(?:accessory\s+dwelling\s+unit|adu|secondary\s+suite|accessory\s+unit)\s+(?:per|is|shall|may)\b`),
	},
	{
		category: bylaw.CategoryParking, topic: "parking", name: "parking spaces", dim: dimCount, countUnit: "spaces",
		pattern: regexp.MustCompile(`(?i)\b(?P<n>` + countWords + `)\s+(?:additional\s+|off-street\s+|on-site\s+)*parking\s+(?:spaces?|stalls?)\b`),
	},
	{
		category: bylaw.CategoryParking, topic: "parking", name: "parking", dim: dimNone,
		pattern: regexp.MustCompile(`(?i)\b(?:off-street\s+parking|parking\s+(?:spaces?|stalls?|requirements?))\b`),
	},
	{
		category: bylaw.CategoryDesign, topic: "compatibility", name: "design compatibility", dim: dimNone,
		pattern: regexp.MustCompile(`(?i)\b(?:architectural|design)\s+(?:compatibility|consistency|harmony)\b|\b(?:same|similar|compatible)\s+(?:design|style|appearance)\b|\b(?:match|complement)\s+(?:the\s+)?(?:principal|main|primary)\s+(?:dwelling|building)\b`),
	},
	{
		category: bylaw.CategoryDesign, topic: "entrance", name: "separate entrance", dim: dimNone,
		pattern: regexp.MustCompile(`(?i)\b(?:separate|independent|private)\s+(?:entrance|entry)\b|\b(?:direct|exterior)\s+(?:access|entrance|entry)\b`),
	},
	{
		category: bylaw.CategoryDesign, topic: "kitchen", name: "kitchen facilities", dim: dimNone,
		pattern: regexp.MustCompile(`(?i)\b(?:full|complete)\s+kitchen\b|\bkitchen\s+(?:facilities|equipment)\b|\bcooking\s+facilities\b`),
	},
	{
		category: bylaw.CategoryDesign, topic: "utilities", name: "utilities", dim: dimNone,
		pattern: regexp.MustCompile(`(?i)\b(?:separate|independent|individual|shared|common)\s+(?:utilities|utility|metering|(?:water|electrical|gas|hydro)\s+(?:meters?|connections?|services?))\b`),
	},
	{
		category: bylaw.CategoryPermit, topic: "permit", name: "permit required", dim: dimNone,
		pattern: regexp.MustCompile(`(?i)\b(?:building|development|occupancy|zoning)\s+permits?\b|\bpermits?\s+(?:is\s+|are\s+|shall\s+be\s+)?required\b|\bbusiness\s+licen[cs]e\b`),
	},
	{
		category: bylaw.CategoryPermit, topic: "fee", name: "fee", dim: dimMoney,
		pattern: regexp.MustCompile(`(?i)\b(?:application|permit|registration|licen[cs]e)\s+fees?\b|\bfees?\s+of\b`),
	},
	{
		category: bylaw.CategoryOther, topic: "owner_occupancy", name: "owner occupancy", dim: dimNone,
		pattern: regexp.MustCompile(`(?i)\bowner\s+(?:must\s+|shall\s+)?(?:occup(?:y|ied|ancy)|resid(?:e|ence))\b|\b(?:primary|principal)\s+residence\b`),
	},
	{
		category: bylaw.CategoryOther, topic: "rental", name: "rental restriction", dim: dimNone,
		pattern: regexp.MustCompile(`(?i)\bshort[-\s]term\s+rentals?\b|\b(?:rental|tenancy)\s+(?:period|term)s?\b|\bmay\s+(?:not\s+)?be\s+rented\b`),
	},
}

var (
	maxPhraseRe = regexp.MustCompile(`(?i)\b(?:maximum|max|shall\s+not\s+exceed|must\s+not\s+exceed|not\s+exceed|not\s+more\s+than|no\s+more\s+than|up\s+to)\b`)
	minPhraseRe = regexp.MustCompile(`(?i)\b(?:minimum|min|at\s+least|not\s+less\s+than|no\s+less\s+than)\b`)
)

// limitOf names the explicit bound stated in a sentence, if any.
func limitOf(s string) string {
	switch {
	case maxPhraseRe.MatchString(s):
		return "maximum"
	case minPhraseRe.MatchString(s):
		return "minimum"
	default:
		return ""
	}
}
