package preserver

import (
	"fmt"
	"mime"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Artifact roles used in object names.
const (
	rolePage       = "page"
	roleDocument   = "document"
	roleScreenshot = "screenshot"
	roleMetadata   = "metadata"
	roleAsset      = "asset"
)

const timestampLayout = "20060102T150405.000000000Z"

var extensions = map[string]string{
	"text/html":             "html",
	"application/xhtml+xml": "xhtml",
	"text/plain":            "txt",
	"text/css":              "css",
	"application/json":      "json",
	"application/pdf":       "pdf",
	"application/msword":    "doc",
	"application/rtf":       "rtf",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": "docx",
	"image/png":     "png",
	"image/jpeg":    "jpg",
	"image/gif":     "gif",
	"image/svg+xml": "svg",
	"image/webp":    "webp",
}

// objectPrefix returns {site}/{domain}/{timestamp}.
func objectPrefix(siteID, sourceURL string, fetchedAt time.Time) string {
	return strings.Join([]string{siteID, sourceDomain(sourceURL), fetchedAt.UTC().Format(timestampLayout)}, "/")
}

// objectName returns <role>-<xxhash64(url)>.<ext>.
func objectName(role, rawURL, ext string) string {
	return fmt.Sprintf("%s-%016x.%s", role, xxhash.Sum64String(rawURL), ext)
}

func sourceDomain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// extensionFor maps a content type to a file extension, falling back to the
// url's own extension and finally to "bin".
func extensionFor(contentType, rawURL string) string {
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		if ext, ok := extensions[mediaType]; ok {
			return ext
		}
	}
	if u, err := url.Parse(rawURL); err == nil {
		if ext := strings.TrimPrefix(path.Ext(u.Path), "."); ext != "" && len(ext) <= 5 {
			return strings.ToLower(ext)
		}
	}
	return "bin"
}
