// Package html applies site selectors to HTML pages with goquery and turns
// document content into Markdown.
package html

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/bylaw-capture/internal/bylaw"
)

// Parser implements bylaw.Parser.
type Parser struct {
	conv *converter.Converter
}

// New creates a Parser.
func New() *Parser {
	conv := converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
			table.NewTablePlugin(),
		),
	)
	return &Parser{conv: conv}
}

func load(body []byte, pageURL string) (*goquery.Document, *url.URL, error) {
	base, err := url.Parse(pageURL)
	if err != nil || base.Host == "" {
		return nil, nil, fmt.Errorf("invalid page url %q", pageURL)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("parse html: %w", err)
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if resolved := resolveURL(base, href); resolved != "" {
			if u, err := url.Parse(resolved); err == nil {
				base = u
			}
		}
	}
	return doc, base, nil
}

// Links returns same-host links under selector, de-duplicated in document
// order. Selected elements that are not anchors contribute their descendant
// anchors.
func (p *Parser) Links(body []byte, pageURL string, selector string) ([]bylaw.DiscoveredLink, error) {
	doc, base, err := load(body, pageURL)
	if err != nil {
		return nil, err
	}
	selection := doc.Find(selector)
	if selection.Length() == 0 {
		return nil, fmt.Errorf("link list %q: %w", selector, bylaw.ErrSelectorNoMatch)
	}

	seen := make(map[string]bool)
	var links []bylaw.DiscoveredLink
	anchorsOf(selection).Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		resolved := resolveURL(base, href)
		if resolved == "" || !isSameHost(base, resolved) || seen[resolved] {
			return
		}
		seen[resolved] = true
		links = append(links, bylaw.DiscoveredLink{URL: resolved, Text: collapse(a.Text())})
	})
	return links, nil
}

// NextPage returns the absolute url of the next listing page, or "" when
// the selector matches nothing or points back at the current page.
func (p *Parser) NextPage(body []byte, pageURL string, selector string) (string, error) {
	doc, base, err := load(body, pageURL)
	if err != nil {
		return "", err
	}
	var next string
	anchorsOf(doc.Find(selector)).EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href, _ := a.Attr("href")
		next = resolveURL(base, href)
		return next == ""
	})
	if next == "" || !isSameHost(base, next) || next == stripFragment(pageURL) {
		return "", nil
	}
	return next, nil
}

// Document extracts the configured fields from a document page.
func (p *Parser) Document(body []byte, pageURL string, selectors bylaw.Selectors) (bylaw.ParsedDocument, error) {
	doc, base, err := load(body, pageURL)
	if err != nil {
		return bylaw.ParsedDocument{}, err
	}

	var parsed bylaw.ParsedDocument
	if selectors.Title != "" {
		sel := doc.Find(selectors.Title).First()
		if sel.Length() == 0 {
			return bylaw.ParsedDocument{}, fmt.Errorf("title %q: %w", selectors.Title, bylaw.ErrSelectorNoMatch)
		}
		parsed.Title = collapse(sel.Text())
	} else {
		parsed.Title = collapse(doc.Find("h1").First().Text())
		if parsed.Title == "" {
			parsed.Title = collapse(doc.Find("title").First().Text())
		}
	}

	content := doc.Find("body")
	if selectors.Content != "" {
		content = doc.Find(selectors.Content)
		if content.Length() == 0 {
			return bylaw.ParsedDocument{}, fmt.Errorf("content %q: %w", selectors.Content, bylaw.ErrSelectorNoMatch)
		}
	}
	parsed.Content, err = p.markdown(content, base)
	if err != nil {
		return bylaw.ParsedDocument{}, err
	}

	if selectors.Number != "" {
		raw := collapse(doc.Find(selectors.Number).First().Text())
		parsed.Number = bylaw.ExtractBylawNumber(raw)
		if parsed.Number == "" {
			parsed.Number = raw
		}
	}
	if parsed.Number == "" {
		parsed.Number = bylaw.ExtractBylawNumber(parsed.Title + " " + pageURL)
	}

	if selectors.DateEnacted != "" {
		parsed.DateEnacted = collapse(doc.Find(selectors.DateEnacted).First().Text())
	}
	if parsed.DateEnacted == "" {
		parsed.DateEnacted = enactedDate(doc.Text())
	}

	parsed.AssetURLs = assetURLs(doc, base)
	return parsed, nil
}

func (p *Parser) markdown(sel *goquery.Selection, base *url.URL) (string, error) {
	var buf strings.Builder
	var err error
	sel.EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var h string
		h, err = goquery.OuterHtml(s)
		if err != nil {
			return false
		}
		buf.WriteString(h)
		return true
	})
	if err != nil {
		return "", fmt.Errorf("render content: %w", err)
	}
	md, err := p.conv.ConvertString(buf.String(), converter.WithDomain(base.String()))
	if err != nil {
		return "", fmt.Errorf("convert content: %w", err)
	}
	return strings.TrimSpace(md), nil
}

func anchorsOf(sel *goquery.Selection) *goquery.Selection {
	return sel.Filter("a[href]").AddSelection(sel.Find("a[href]"))
}

var datePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)effective\s+(?:date\s+)?(?:of\s+)?(\d{1,2}[/-]\d{1,2}[/-]\d{2,4}|\d{4}-\d{2}-\d{2})`),
	regexp.MustCompile(`(?i)enacted\s+(?:on\s+)?(\d{1,2}[/-]\d{1,2}[/-]\d{2,4}|\d{4}-\d{2}-\d{2})`),
	regexp.MustCompile(`(?i)passed\s+(?:on\s+)?(\d{1,2}[/-]\d{1,2}[/-]\d{2,4}|\d{4}-\d{2}-\d{2})`),
}

func enactedDate(text string) string {
	for _, re := range datePatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			return m[1]
		}
	}
	return ""
}

func assetURLs(doc *goquery.Document, base *url.URL) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(raw string) {
		resolved := resolveURL(base, raw)
		if resolved == "" || seen[resolved] {
			return
		}
		seen[resolved] = true
		out = append(out, resolved)
	}
	doc.Find(`link[rel="stylesheet"][href]`).Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		add(href)
	})
	doc.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		add(src)
	})
	return out
}

// resolveURL resolves href against base and drops the fragment. Non-http
// schemes resolve to "".
func resolveURL(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	u := base.ResolveReference(ref)
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	u.Fragment = ""
	return u.String()
}

func stripFragment(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Fragment = ""
	return u.String()
}

func isSameHost(base *url.URL, resolved string) bool {
	u, err := url.Parse(resolved)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, base.Host)
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
