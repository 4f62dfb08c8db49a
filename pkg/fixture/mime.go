package fixture

import (
	"net/url"
	"path"
	"strings"
)

// DefaultMimeType is served when a URL extension has no MIME table entry.
const DefaultMimeType = "text/plain"

// MimeType looks up the MIME type for rawURL's path extension.
func MimeType(rawURL string, table map[string]string) string {
	ext := urlExtension(rawURL)
	if ext == "" {
		return DefaultMimeType
	}
	if mime, ok := table[ext]; ok && mime != "" {
		return mime
	}
	if mime, ok := table[strings.ToLower(ext)]; ok && mime != "" {
		return mime
	}
	return DefaultMimeType
}

// FileExtension maps a MIME type to the extension used for data artifacts.
func FileExtension(mimeType string) string {
	switch strings.ToLower(strings.TrimSpace(mimeType)) {
	case "text/html":
		return "html"
	case "application/json":
		return "json"
	default:
		return "txt"
	}
}

func urlExtension(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	ext := path.Ext(p)
	return strings.TrimPrefix(ext, ".")
}

// NormalizeURL gives an absolute URL with an empty path the root path, the form proxied requests
// arrive in, so "http://apple.com" and "http://apple.com/" name the same fixture list. Anything else
// is returned unchanged.
func NormalizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || !u.IsAbs() || u.Host == "" || u.Opaque != "" || u.Path != "" || u.RawPath != "" {
		return rawURL
	}
	scheme := strings.Index(rawURL, "://")
	if scheme < 0 {
		return rawURL
	}
	authority := scheme + len("://")
	if i := strings.IndexAny(rawURL[authority:], "?#"); i >= 0 {
		return rawURL[:authority+i] + "/" + rawURL[authority+i:]
	}
	return rawURL + "/"
}
