package forwarder

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/funnyzak/mocktap/internal/logger"
)

func newTestForwarder(opts Options) *Forwarder {
	if opts.Backoff == 0 {
		opts.Backoff = time.Millisecond
	}
	return NewForwarder(logger.Nop(), opts)
}

func TestForwarder_StripsBlacklistedHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		io.WriteString(w, "ok")
	}))
	defer srv.Close()

	f := newTestForwarder(Options{HeaderBlacklist: []string{"proxy-authorization", "x-secret"}})
	defer f.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/a", nil)
	req.Header.Set("Proxy-Authorization", "Basic xyz")
	req.Header.Set("X-Secret", "1")
	req.Header.Set("X-Keep", "1")
	resp, err := f.RoundTrip(req)
	if err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if string(body) != "ok" {
		t.Fatalf("unexpected body %q", body)
	}
	if got.Get("Proxy-Authorization") != "" || got.Get("X-Secret") != "" || got.Get("X-Keep") != "1" {
		t.Fatalf("unexpected forwarded headers: %v", got)
	}
	if req.Header.Get("X-Secret") != "1" {
		t.Fatal("original request must not be modified")
	}
}

// flakyListener accepts connections and closes the first n immediately.
func flakyServer(t *testing.T, failures int32) (string, *atomic.Int32) {
	t.Helper()
	var seen atomic.Int32
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if seen.Add(1) <= failures {
			hj, _ := w.(http.Hijacker)
			conn, _, _ := hj.Hijack()
			conn.Close()
			return
		}
		io.WriteString(w, "recovered")
	})}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })
	return "http://" + ln.Addr().String(), &seen
}

func TestForwarder_RetriesIdempotentRequests(t *testing.T) {
	url, seen := flakyServer(t, 2)
	f := newTestForwarder(Options{Retries: 3})
	defer f.Close()

	req, _ := http.NewRequest(http.MethodGet, url+"/x", nil)
	resp, err := f.RoundTrip(req)
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "recovered" || seen.Load() != 3 {
		t.Fatalf("unexpected result %q after %d attempts", body, seen.Load())
	}
}

func TestForwarder_DoesNotRetryPost(t *testing.T) {
	url, seen := flakyServer(t, 1)
	f := newTestForwarder(Options{Retries: 3})
	defer f.Close()

	req, _ := http.NewRequest(http.MethodPost, url+"/x", strings.NewReader("payload"))
	if _, err := f.RoundTrip(req); err == nil {
		t.Fatal("expected POST to fail without retry")
	}
	if seen.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", seen.Load())
	}
}

func TestForwarder_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	f := newTestForwarder(Options{Timeout: 50 * time.Millisecond})
	defer f.Close()
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	if _, err := f.RoundTrip(req); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestForwarder_Closed(t *testing.T) {
	f := newTestForwarder(Options{})
	f.Close()
	f.Close()
	req, _ := http.NewRequest(http.MethodGet, "http://127.0.0.1:1/", nil)
	if _, err := f.RoundTrip(req); !errors.Is(err, ErrForwarderClosed) {
		t.Fatalf("expected ErrForwarderClosed, got %v", err)
	}
}

func TestRetryable(t *testing.T) {
	get, _ := http.NewRequest(http.MethodGet, "http://a", nil)
	put, _ := http.NewRequest(http.MethodPut, "http://a", strings.NewReader("x"))
	post, _ := http.NewRequest(http.MethodPost, "http://a", nil)
	streamed, _ := http.NewRequest(http.MethodPut, "http://a", io.NopCloser(strings.NewReader("x")))

	if !retryable(get) || !retryable(put) {
		t.Fatal("GET and rewindable PUT are retryable")
	}
	if retryable(post) || retryable(streamed) {
		t.Fatal("POST and non-rewindable bodies are not retryable")
	}
}
