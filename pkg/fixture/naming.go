package fixture

import (
	"fmt"
	"strings"
	"sync"
)

// maxStemLength bounds the escaped, URL-derived part of artifact names in bytes.
const maxStemLength = 30

// artifactNamer hands out artifact file names that never repeat within a process.
// Callers still create the files with O_EXCL and ask again on collision with files from earlier runs.
type artifactNamer struct {
	mu  sync.Mutex
	seq uint64
}

type artifactNames struct {
	Data     string
	Response string
}

func (n *artifactNamer) next(rawURL, mimeType string) artifactNames {
	n.mu.Lock()
	n.seq++
	seq := n.seq
	n.mu.Unlock()

	base := fmt.Sprintf("%s-%d", urlStem(rawURL), seq)
	return artifactNames{
		Data:     base + "DATA." + FileExtension(mimeType),
		Response: base + ".headers.json",
	}
}

// urlStem escapes everything in rawURL outside [A-Za-z0-9._-] and keeps the trailing
// maxStemLength bytes, never splitting a %XX sequence, so the result is a single short path element.
func urlStem(rawURL string) string {
	var b strings.Builder
	for _, c := range []byte(rawURL) {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}

	stem := b.String()
	if cut := len(stem) - maxStemLength; cut > 0 {
		// '%' only ever opens an escape, so a cut one or two bytes after it lands mid-sequence.
		switch {
		case stem[cut-1] == '%':
			cut += 2
		case cut >= 2 && stem[cut-2] == '%':
			cut++
		}
		stem = stem[cut:]
	}
	stem = strings.TrimLeft(stem, ".")
	if stem == "" {
		return "fixture"
	}
	return stem
}
