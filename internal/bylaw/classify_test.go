package bylaw

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCategorizeDocument(t *testing.T) {
	t.Parallel()

	cases := map[string]struct{ title, content, want string }{
		"zoning":   {"Zoning Bylaw 2024-10", "", DocCategoryZoning},
		"adu":      {"Secondary Suite Regulations", "", DocCategoryADU},
		"order":    {"Bylaw 12", "Residential parking permits are issued", DocCategoryBuilding},
		"parking":  {"Parking Regulation", "", DocCategoryParking},
		"noise":    {"Noise Control", "", DocCategoryNoise},
		"word":     {"Graduate housing", "", DocCategoryOther},
		"business": {"Business Licence Bylaw", "", DocCategoryBusiness},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, CategorizeDocument(tc.title, tc.content))
		})
	}
}

func TestExtractBylawNumber(t *testing.T) {
	t.Parallel()

	require.Equal(t, "8620", ExtractBylawNumber("Bylaw No. 8620 - Zoning"))
	require.Equal(t, "2024-15", ExtractBylawNumber("Amendment 2024-15 (housing)"))
	require.Equal(t, "12-3", ExtractBylawNumber("Ordinance #12-3"))
	require.Equal(t, "45/2019", ExtractBylawNumber("Schedule 45/2019"))
	require.Equal(t, "77", ExtractBylawNumber("https://city.example.gov/bylaws/77"))
	require.Equal(t, "", ExtractBylawNumber("Council minutes"))
}
