package html

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bylaw-capture/internal/bylaw"
)

const listing = `<html><body>
<table class="bylaws">
  <tr><td><a href="/bylaws/2024-12">Zoning Bylaw 2024-12</a></td></tr>
  <tr><td><a href="2023-04.pdf">Parking   Regulation</a></td></tr>
  <tr><td><a href="/bylaws/2024-12#s1">Zoning Bylaw 2024-12 (s1)</a></td></tr>
  <tr><td><a href="https://other.example.org/x">Elsewhere</a></td></tr>
  <tr><td><a href="mailto:clerk@city.example.gov">Clerk</a></td></tr>
</table>
<a class="next" href="?page=2">Next</a>
</body></html>`

func TestLinksResolveFilterAndDedupe(t *testing.T) {
	t.Parallel()

	links, err := New().Links([]byte(listing), "https://city.example.gov/bylaws/", "table.bylaws td")
	require.NoError(t, err)
	require.Equal(t, []bylaw.DiscoveredLink{
		{URL: "https://city.example.gov/bylaws/2024-12", Text: "Zoning Bylaw 2024-12"},
		{URL: "https://city.example.gov/bylaws/2023-04.pdf", Text: "Parking Regulation"},
	}, links)
}

func TestLinksSelectorMismatch(t *testing.T) {
	t.Parallel()

	_, err := New().Links([]byte(listing), "https://city.example.gov/bylaws/", "ul.missing a")
	require.ErrorIs(t, err, bylaw.ErrSelectorNoMatch)
}

func TestNextPage(t *testing.T) {
	t.Parallel()

	p := New()
	next, err := p.NextPage([]byte(listing), "https://city.example.gov/bylaws/", "a.next")
	require.NoError(t, err)
	require.Equal(t, "https://city.example.gov/bylaws/?page=2", next)

	next, err = p.NextPage([]byte(listing), "https://city.example.gov/bylaws/?page=2", "a.next")
	require.NoError(t, err)
	require.Empty(t, next)

	next, err = p.NextPage([]byte(listing), "https://city.example.gov/bylaws/", "a.none")
	require.NoError(t, err)
	require.Empty(t, next)
}

const page = `<html><head><title>City of Example</title>
<link rel="stylesheet" href="/static/site.css">
</head><body>
<h1 class="title">Accessory Dwelling Unit Bylaw</h1>
<span class="num">Bylaw No. 8620</span>
<div id="content">
  <h2>Section 4 Size</h2>
  <p>The maximum floor area shall not exceed 1,000 square feet.</p>
  <img src="diagram.png">
</div>
<p>Enacted on 03/15/2024</p>
</body></html>`

func TestDocumentExtractsFields(t *testing.T) {
	t.Parallel()

	doc, err := New().Document([]byte(page), "https://city.example.gov/bylaws/8620", bylaw.Selectors{
		Title:   "h1.title",
		Number:  ".num",
		Content: "#content",
	})
	require.NoError(t, err)
	require.Equal(t, "Accessory Dwelling Unit Bylaw", doc.Title)
	require.Equal(t, "8620", doc.Number)
	require.Contains(t, doc.Content, "## Section 4 Size")
	require.Contains(t, doc.Content, "The maximum floor area shall not exceed 1,000 square feet.")
	require.NotContains(t, doc.Content, "Enacted on")
	require.Equal(t, "03/15/2024", doc.DateEnacted)
	require.Equal(t, []string{
		"https://city.example.gov/static/site.css",
		"https://city.example.gov/bylaws/diagram.png",
	}, doc.AssetURLs)
}

func TestDocumentFallbacks(t *testing.T) {
	t.Parallel()

	doc, err := New().Document([]byte(page), "https://city.example.gov/bylaws/8620", bylaw.Selectors{})
	require.NoError(t, err)
	require.Equal(t, "Accessory Dwelling Unit Bylaw", doc.Title)
	require.Equal(t, "8620", doc.Number)
	require.Contains(t, doc.Content, "Enacted on")
}

func TestDocumentRequiredSelectorsMustMatch(t *testing.T) {
	t.Parallel()

	p := New()
	_, err := p.Document([]byte(page), "https://city.example.gov/b", bylaw.Selectors{Title: "h1.missing"})
	require.ErrorIs(t, err, bylaw.ErrSelectorNoMatch)

	_, err = p.Document([]byte(page), "https://city.example.gov/b", bylaw.Selectors{Content: "article"})
	require.ErrorIs(t, err, bylaw.ErrSelectorNoMatch)

	_, err = p.Document([]byte(page), "https://city.example.gov/b", bylaw.Selectors{Number: ".missing", DateEnacted: ".missing"})
	require.NoError(t, err)
}

func TestDocumentRejectsRelativePageURL(t *testing.T) {
	t.Parallel()

	_, err := New().Document([]byte(page), "/relative", bylaw.Selectors{})
	require.Error(t, err)
}
