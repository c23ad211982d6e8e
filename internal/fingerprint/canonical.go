// Package fingerprint canonicalizes captured content and computes its
// SHA-256 fingerprint.
//
// Textual content (HTML, XML, JSON, plain text) is canonicalized as:
//
//  1. transcode to UTF-8 from the declared or sniffed charset
//  2. drop a leading byte order mark
//  3. CRLF and lone CR become LF
//  4. Unicode NFC normalization
//  5. strip trailing spaces and tabs on every line
//  6. end with exactly one LF
//
// Anything else is treated as opaque and fingerprinted byte for byte.
package fingerprint

import (
	"bytes"
	"mime"
	"strings"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/unicode/norm"

	"github.com/JakeFAU/bylaw-capture/internal/bylaw"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// IsText reports whether the content type is canonicalized as text.
func IsText(contentType string) bool {
	mediaType := mediaTypeOf(contentType)
	switch {
	case strings.HasPrefix(mediaType, "text/"):
		return true
	case mediaType == "application/xhtml+xml",
		mediaType == "application/xml",
		mediaType == "application/json":
		return true
	default:
		return false
	}
}

// Canonicalize returns the canonical form of data for the given content type.
func Canonicalize(data []byte, contentType string) []byte {
	if !IsText(contentType) {
		return data
	}
	text := toUTF8(data, contentType)
	text = bytes.TrimPrefix(text, utf8BOM)
	text = bytes.ReplaceAll(text, []byte("\r\n"), []byte("\n"))
	text = bytes.ReplaceAll(text, []byte("\r"), []byte("\n"))
	text = norm.NFC.Bytes(text)

	lines := bytes.Split(text, []byte("\n"))
	for i, line := range lines {
		lines[i] = bytes.TrimRight(line, " \t")
	}
	text = bytes.Join(lines, []byte("\n"))
	text = bytes.TrimRight(text, "\n")
	return append(text, '\n')
}

func toUTF8(data []byte, contentType string) []byte {
	mediaType := mediaTypeOf(contentType)
	if mediaType == "text/html" || mediaType == "application/xhtml+xml" {
		enc, name, _ := charset.DetermineEncoding(data, contentType)
		if name == "utf-8" || enc == nil {
			return data
		}
		out, err := enc.NewDecoder().Bytes(data)
		if err != nil {
			return data
		}
		return out
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil || params["charset"] == "" {
		return data
	}
	enc, err := htmlindex.Get(params["charset"])
	if err != nil {
		return data
	}
	if name, _ := htmlindex.Name(enc); name == "utf-8" {
		return data
	}
	out, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return data
	}
	return out
}

func mediaTypeOf(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	}
	return mediaType
}

// Fingerprinter hashes canonicalized content.
type Fingerprinter struct {
	hasher bylaw.Hasher
}

// New wraps a hasher.
func New(hasher bylaw.Hasher) *Fingerprinter {
	return &Fingerprinter{hasher: hasher}
}

// Of returns the fingerprint of data under the given content type.
func (f *Fingerprinter) Of(data []byte, contentType string) (string, error) {
	return f.hasher.Hash(Canonicalize(data, contentType))
}

// OfBundle fingerprints a capture bundle's primary content.
func (f *Fingerprinter) OfBundle(bundle bylaw.CaptureBundle) (string, error) {
	if len(bundle.Primary) > 0 {
		return f.Of(bundle.Primary, bundle.ContentType)
	}
	return f.hasher.Hash(bundle.Binary)
}
