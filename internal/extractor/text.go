package extractor

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// sentence is one unit of text with the heading it sits under.
type sentence struct {
	text    string
	section string
}

var (
	markdownHeadingRe = regexp.MustCompile(`^#{1,6}\s+(.+?)\s*#*$`)
	numberedHeadingRe = regexp.MustCompile(`(?i)^(?:section|part|article|division|schedule|§)\s*[0-9a-z]+(?:\.[0-9a-z]+)*\b`)
	inlineSectionRe   = regexp.MustCompile(`(?i)\b(?:section|s\.|§)\s*(\d+(?:\.\d+)*(?:\([0-9a-z]+\))*)`)
	listMarkerRe      = regexp.MustCompile(`^(?:[-*+]|\d+[.)]|\([0-9a-z]+\))\s+`)
	emphasisRe        = regexp.MustCompile(`\*\*|__|\x60`)
	linkRe            = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
)

const maxHeadingLen = 120

// sentences splits markdown or plain text into sentences. Headings are not
// returned as sentences; they become the section of what follows.
func sentences(text string) []sentence {
	var (
		out     []sentence
		section string
		para    []string
	)
	flush := func() {
		if len(para) == 0 {
			return
		}
		joined := strings.Join(para, " ")
		para = para[:0]
		for _, s := range splitSentences(joined) {
			out = append(out, sentence{text: s, section: section})
		}
	}

	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			flush()
		case markdownHeadingRe.MatchString(line):
			flush()
			section = cleanInline(markdownHeadingRe.FindStringSubmatch(line)[1])
		case isNumberedHeading(line):
			flush()
			section = cleanInline(line)
		case listMarkerRe.MatchString(line):
			flush()
			para = append(para, cleanInline(listMarkerRe.ReplaceAllString(line, "")))
		default:
			para = append(para, cleanInline(line))
		}
	}
	flush()
	return out
}

// isNumberedHeading accepts short "Section 4.2 Parking" style lines that do
// not read as a sentence.
func isNumberedHeading(line string) bool {
	if len(line) > maxHeadingLen || !numberedHeadingRe.MatchString(line) {
		return false
	}
	if strings.Contains(line, ". ") || strings.Contains(line, ";") || strings.HasSuffix(line, ".") {
		return false
	}
	return len(strings.Fields(line)) <= 12
}

func cleanInline(s string) string {
	s = linkRe.ReplaceAllString(s, "$1")
	s = emphasisRe.ReplaceAllString(s, "")
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

// splitSentences breaks on ., ! or ? followed by whitespace and an upper-case
// letter, or on the end of text. Decimals and "No. 5" stay intact.
func splitSentences(p string) []string {
	var out []string
	start := 0
	for i := 0; i < len(p); i++ {
		c := p[i]
		if c != '.' && c != '!' && c != '?' {
			continue
		}
		j := i + 1
		for j < len(p) && p[j] == ' ' {
			j++
		}
		if j == i+1 || j >= len(p) {
			continue
		}
		r, _ := utf8.DecodeRuneInString(p[j:])
		if !unicode.IsUpper(r) {
			continue
		}
		if s := strings.TrimSpace(p[start : i+1]); s != "" {
			out = append(out, s)
		}
		start = j
	}
	if s := strings.TrimSpace(p[start:]); s != "" {
		out = append(out, s)
	}
	return out
}

// sectionRef prefers an in-sentence reference over the enclosing heading.
func sectionRef(s sentence) string {
	if m := inlineSectionRe.FindStringSubmatch(s.text); m != nil {
		return "Section " + m[1]
	}
	return s.section
}
