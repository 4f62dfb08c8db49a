package fixture

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"os"
	"strconv"
)

// FixtureHeader marks responses that were served from a fixture.
const FixtureHeader = "X-Mocktap-Fixture"

// Response is a synthesized HTTP response. It is never persisted.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	MimeType   string
	// Entry is the fixture entry the response was built from.
	Entry Entry
}

// HTTPResponse converts r into an *http.Response for req.
func (r *Response) HTTPResponse(req *http.Request) *http.Response {
	header := make(http.Header, len(r.Headers)+2)
	for _, key := range sortedKeys(r.Headers) {
		header.Set(key, r.Headers[key])
	}
	if header.Get("Content-Type") == "" {
		header.Set("Content-Type", r.MimeType)
	}
	// Recorded bodies are stored decoded; stale framing headers would corrupt the replay.
	header.Del("Content-Encoding")
	header.Del("Transfer-Encoding")
	header.Set("Content-Length", strconv.Itoa(len(r.Body)))
	header.Set(FixtureHeader, "replay")

	return &http.Response{
		Status:        strconv.Itoa(r.StatusCode) + " " + http.StatusText(r.StatusCode),
		StatusCode:    r.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(r.Body)),
		ContentLength: int64(len(r.Body)),
		Request:       req,
	}
}

// Synthesizer builds responses from resolved fixture entries.
type Synthesizer struct {
	store *Store
	log   Logger
}

// NewSynthesizer builds a Synthesizer over store.
func NewSynthesizer(store *Store, log Logger) *Synthesizer {
	if log == nil {
		log = nopLogger{}
	}
	return &Synthesizer{store: store, log: log}
}

// Synthesize reads res's artifacts into a Response. Missing artifacts degrade to defaults: status 200,
// an empty body and generic headers. Only a manifest read failure is returned as an error.
func (s *Synthesizer) Synthesize(res *Resolution, requestURL string) (*Response, error) {
	m, err := s.store.Load()
	if err != nil {
		return nil, err
	}

	out := &Response{
		StatusCode: http.StatusOK,
		MimeType:   MimeType(requestURL, m.MimeTypes),
	}
	if res == nil {
		out.Headers = map[string]string{"Content-Type": out.MimeType}
		return out, nil
	}
	out.Entry = res.Entry

	if res.DataPath != "" {
		body, err := os.ReadFile(res.DataPath)
		switch {
		case err == nil:
			out.Body = body
		case errors.Is(err, fs.ErrNotExist):
			s.log.Warn("Fixture data artifact vanished, serving empty body", "path", res.DataPath)
		default:
			s.log.Warn("Failed to read fixture data artifact", "path", res.DataPath, "error", err)
		}
	}

	if res.HeaderPath != "" {
		data, err := os.ReadFile(res.HeaderPath)
		if err == nil {
			fields, status, derr := decodeHeaderArtifact(data)
			if derr == nil {
				out.Headers = fields
				out.StatusCode = status
			} else {
				s.log.Warn("Fixture header artifact unreadable, using defaults", "path", res.HeaderPath, "error", derr)
			}
		} else {
			s.log.Warn("Failed to read fixture header artifact", "path", res.HeaderPath, "error", err)
		}
	}

	if out.Headers == nil {
		out.Headers = map[string]string{
			"Content-Type":   out.MimeType,
			"Content-Length": strconv.Itoa(len(out.Body)),
		}
	}
	return out, nil
}
