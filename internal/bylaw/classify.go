package bylaw

import (
	"regexp"
	"strings"
)

// Document categories assigned to tracked documents and used by the
// documentCategories discovery filter.
const (
	DocCategoryZoning   = "zoning"
	DocCategoryADU      = "adu"
	DocCategoryBuilding = "building_code"
	DocCategoryParking  = "parking"
	DocCategoryNoise    = "noise"
	DocCategoryBusiness = "business_licensing"
	DocCategoryOther    = "other"
)

// Ordered: the first category with a matching keyword wins.
var documentCategoryKeywords = []struct {
	category string
	keywords []string
}{
	{DocCategoryZoning, []string{"zoning", "land use", "development", "subdivision"}},
	{DocCategoryADU, []string{"accessory dwelling", "secondary suite", "adu", "in-law", "garden suite"}},
	{DocCategoryBuilding, []string{"building code", "construction", "permit"}},
	{DocCategoryParking, []string{"parking", "vehicle"}},
	{DocCategoryNoise, []string{"noise", "sound"}},
	{DocCategoryBusiness, []string{"business", "commercial", "licen"}},
}

// CategorizeDocument assigns a document category from its title and text.
func CategorizeDocument(title, content string) string {
	text := strings.ToLower(title + " " + content)
	for _, c := range documentCategoryKeywords {
		for _, kw := range c.keywords {
			if containsWord(text, kw) {
				return c.category
			}
		}
	}
	return DocCategoryOther
}

// containsWord matches kw at a word start so "adu" does not hit "graduate".
func containsWord(text, kw string) bool {
	for i := 0; ; {
		j := strings.Index(text[i:], kw)
		if j < 0 {
			return false
		}
		pos := i + j
		if pos == 0 || !isWordByte(text[pos-1]) {
			return true
		}
		i = pos + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || b >= 'a' && b <= 'z' || b >= '0' && b <= '9'
}

var bylawNumberPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:by-?laws?|ordinances?|regulations?)[\s/]*(?:no\.?|#|number)?\s*(\d+(?:-\d+)*)`),
	regexp.MustCompile(`(?i)\b(?:bl|ord|reg)\.?\s*(\d+(?:-\d+)*)`),
	regexp.MustCompile(`\b(\d{4}-\d+)\b`),
	regexp.MustCompile(`\b(\d+/\d+)\b`),
	regexp.MustCompile(`#(\d+)`),
}

// ExtractBylawNumber finds a bylaw number in free text, or returns "".
func ExtractBylawNumber(text string) string {
	for _, re := range bylawNumberPatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			return m[1]
		}
	}
	return ""
}
