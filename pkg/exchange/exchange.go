package exchange

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Outcome describes how an intercepted request was answered.
type Outcome string

const (
	// OutcomeReplayed means a fixture answered the request.
	OutcomeReplayed Outcome = "replayed"
	// OutcomePassthrough means the real network answered an unmocked request.
	OutcomePassthrough Outcome = "passthrough"
	// OutcomeCaptured means the real network answered and a new fixture was persisted.
	OutcomeCaptured Outcome = "captured"
	// OutcomeCaptureFailed means the real network answered but the fixture could not be persisted.
	OutcomeCaptureFailed Outcome = "capture_failed"
	// OutcomeBypassed means the request carried the bypass marker and skipped interception.
	OutcomeBypassed Outcome = "bypassed"
	// OutcomeFailed means no response reached the application.
	OutcomeFailed Outcome = "failed"
)

// Fixture names the artifacts an exchange was served from or captured into.
type Fixture struct {
	Data     string `json:"data,omitempty"`
	Response string `json:"response,omitempty"`
}

// Exchange is one finished request/response interaction seen by the interceptor.
type Exchange struct {
	ID              string      `json:"id"`
	Timestamp       time.Time   `json:"timestamp"`
	Mode            string      `json:"mode"`
	Outcome         Outcome     `json:"outcome"`
	Method          string      `json:"method"`
	URL             string      `json:"url"`
	Host            string      `json:"host"`
	Path            string      `json:"path"`
	Query           string      `json:"query"`
	RemoteAddr      string      `json:"remote_addr"`
	UserAgent       string      `json:"user_agent"`
	RequestHeaders  http.Header `json:"request_headers"`
	RequestSize     int64       `json:"request_size"`
	StatusCode      int         `json:"status_code"`
	ResponseHeaders http.Header `json:"response_headers"`
	ContentType     string      `json:"content_type"`
	ResponseSize    int64       `json:"response_size"`
	IsBinary        bool        `json:"is_binary"`
	Fixture         *Fixture    `json:"fixture,omitempty"`
	SessionID       string      `json:"session_id,omitempty"`
	DurationMs      int64       `json:"duration_ms"`
	Error           string      `json:"error,omitempty"`
}

// New starts an exchange record for r.
func New(r *http.Request, mode string) *Exchange {
	ex := &Exchange{
		ID:             uuid.NewString(),
		Timestamp:      time.Now(),
		Mode:           mode,
		Method:         r.Method,
		RemoteAddr:     ClientIP(r),
		UserAgent:      r.UserAgent(),
		RequestHeaders: r.Header.Clone(),
		RequestSize:    r.ContentLength,
	}
	if ex.RequestSize < 0 {
		ex.RequestSize = 0
	}
	if r.URL != nil {
		ex.URL = r.URL.String()
		ex.Host = r.URL.Host
		ex.Path = r.URL.Path
		ex.Query = r.URL.RawQuery
	}
	if ex.Host == "" {
		ex.Host = r.Host
	}
	return ex
}

// SetResponse copies the status line and headers of resp.
func (e *Exchange) SetResponse(resp *http.Response) {
	if resp == nil {
		return
	}
	e.StatusCode = resp.StatusCode
	e.ResponseHeaders = resp.Header.Clone()
	e.ContentType = resp.Header.Get("Content-Type")
}

// Finish stamps the duration, size and binary detection once the body has been delivered.
func (e *Exchange) Finish(size int64, sample []byte) {
	e.ResponseSize = size
	e.IsBinary = IsBinaryContent(e.ContentType, sample)
	e.DurationMs = time.Since(e.Timestamp).Milliseconds()
}

// ClientIP returns the originating client address, honoring forwarding headers.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

var binaryTypes = []string{
	"image/", "video/", "audio/", "font/",
	"application/octet-stream",
	"application/zip", "application/gzip",
	"application/pdf", "application/msword",
	"application/vnd.ms-", "application/vnd.openxmlformats-",
}

// IsBinaryContent guesses whether a body is binary from its content type or a sample of its bytes.
func IsBinaryContent(contentType string, sample []byte) bool {
	contentType = strings.ToLower(contentType)
	for _, prefix := range binaryTypes {
		if strings.HasPrefix(contentType, prefix) {
			return true
		}
	}
	nulls := 0
	for _, b := range sample {
		if b == 0 {
			nulls++
		}
	}
	// More than 10% NUL bytes.
	return len(sample) > 0 && nulls > len(sample)/10
}
