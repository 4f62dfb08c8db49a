package server

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/funnyzak/mocktap/internal/config"
	"github.com/funnyzak/mocktap/internal/logger"
	"github.com/funnyzak/mocktap/internal/storage"
	"github.com/funnyzak/mocktap/pkg/exchange"
)

type testEnv struct {
	server   *Server
	proxy    *httptest.Server
	upstream *httptest.Server
	client   *http.Client
	hits     chan string
}

func newTestEnv(t *testing.T, mode string, fallback bool, seed func(sourceDir, upstreamURL string)) *testEnv {
	t.Helper()
	env := &testEnv{hits: make(chan string, 16)}
	env.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.hits <- r.Method + " " + r.URL.Path + " via=" + r.Header.Get("Via")
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"live":true}`)
	}))
	t.Cleanup(env.upstream.Close)

	sourceDir := t.TempDir()
	if seed != nil {
		seed(sourceDir, env.upstream.URL)
	}

	cfg := &config.Config{
		Server: config.ServerConfig{Port: 38080, MaxBodyBytes: 64},
		Fixtures: config.FixturesConfig{
			SourceDir:      sourceDir,
			Manifest:       "Mocks.json",
			RuntimeDir:     filepath.Join(t.TempDir(), "runtime"),
			Mode:           mode,
			FallbackOnMiss: fallback,
		},
		Upstream: config.UpstreamConfig{Timeout: 5, MaxConcurrent: 4},
		Storage:  config.StorageConfig{Driver: "memory", MaxRecords: 100},
		Output:   config.OutputConfig{Silence: true},
		Web: config.WebConfig{
			Enable:    true,
			AdminPath: "/_mocktap",
			Export:    config.WebExportConfig{Enable: true, Formats: []string{"json"}},
		},
	}
	srv, err := New(cfg, logger.Nop())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	env.server = srv
	env.proxy = httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		env.proxy.Close()
		srv.Close()
	})

	proxyURL, _ := url.Parse(env.proxy.URL)
	env.client = &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}
	return env
}

func (e *testEnv) get(t *testing.T, target string) (*http.Response, string) {
	t.Helper()
	resp, err := e.client.Get(target)
	if err != nil {
		t.Fatalf("GET %s: %v", target, err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, string(body)
}

// waitForOutcomes polls the journal until n exchanges are recorded.
func (e *testEnv) waitForOutcomes(t *testing.T, n int) []exchange.Outcome {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		items, _, err := e.server.store.List(storage.ListOptions{})
		if err != nil {
			t.Fatalf("journal list: %v", err)
		}
		if len(items) >= n {
			outcomes := make([]exchange.Outcome, len(items))
			// Oldest first.
			for i, ex := range items {
				outcomes[len(items)-1-i] = ex.Outcome
			}
			return outcomes
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d journaled exchanges, got %d", n, len(items))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func writeSeed(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestProxy_ReplayThenPassthrough(t *testing.T) {
	env := newTestEnv(t, "replay", true, func(dir, upstream string) {
		writeSeed(t, dir, "Mocks.json", fmt.Sprintf(`{
  "mimes": {"json": "application/json"},
  "mocks": {"GET": {"%s/data.json": [{"data": "data-1DATA.json"}]}, "POST": {}, "PUT": {}, "DELETE": {}}
}`, upstream))
		writeSeed(t, dir, "data-1DATA.json", `{"fixture":true}`)
	})

	resp, body := env.get(t, env.upstream.URL+"/data.json")
	if resp.StatusCode != http.StatusOK || body != `{"fixture":true}` {
		t.Fatalf("expected fixture, got %d %s", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Mocktap-Fixture") != "replay" || resp.Header.Get("Content-Type") != "application/json" {
		t.Fatalf("unexpected replay headers: %v", resp.Header)
	}
	select {
	case hit := <-env.hits:
		t.Fatalf("replayed request must not reach upstream: %s", hit)
	default:
	}

	// The only fixture was consumed, so the second request reaches the network.
	resp, body = env.get(t, env.upstream.URL+"/data.json")
	if resp.StatusCode != http.StatusCreated || body != `{"live":true}` || resp.Header.Get("X-Upstream") != "yes" {
		t.Fatalf("expected passthrough, got %d %s", resp.StatusCode, body)
	}
	if hit := <-env.hits; !strings.Contains(hit, "via=1.1 mocktap") {
		t.Fatalf("expected Via header upstream, got %s", hit)
	}

	outcomes := env.waitForOutcomes(t, 2)
	if outcomes[0] != exchange.OutcomeReplayed || outcomes[1] != exchange.OutcomePassthrough {
		t.Fatalf("unexpected outcomes: %v", outcomes)
	}
}

func TestProxy_CaptureRecordsFixture(t *testing.T) {
	env := newTestEnv(t, "capture", true, nil)

	resp, body := env.get(t, env.upstream.URL+"/users.json")
	if resp.StatusCode != http.StatusCreated || body != `{"live":true}` {
		t.Fatalf("capture must not alter the response: %d %s", resp.StatusCode, body)
	}

	if outcomes := env.waitForOutcomes(t, 1); outcomes[0] != exchange.OutcomeCaptured {
		t.Fatalf("expected captured outcome, got %v", outcomes)
	}
	summaries, err := env.server.Session().Fixtures()
	if err != nil {
		t.Fatalf("fixtures: %v", err)
	}
	if len(summaries) != 1 || summaries[0].URL != env.upstream.URL+"/users.json" || summaries[0].Count != 1 {
		t.Fatalf("unexpected fixtures: %+v", summaries)
	}
}

func TestProxy_StrictReplayMiss(t *testing.T) {
	env := newTestEnv(t, "replay", false, nil)

	resp, body := env.get(t, env.upstream.URL+"/unknown")
	if resp.StatusCode != http.StatusNotFound || !strings.Contains(body, "no fixture") {
		t.Fatalf("expected 404 for strict miss, got %d %s", resp.StatusCode, body)
	}
	if outcomes := env.waitForOutcomes(t, 1); outcomes[0] != exchange.OutcomeFailed {
		t.Fatalf("expected failed outcome, got %v", outcomes)
	}
}

func TestProxy_RejectsConnect(t *testing.T) {
	env := newTestEnv(t, "replay", true, nil)

	req := httptest.NewRequest(http.MethodConnect, "http://example.com:443", nil)
	rr := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestProxy_BodyLimit(t *testing.T) {
	env := newTestEnv(t, "replay", true, nil)

	resp, err := env.client.Post(env.upstream.URL+"/big", "text/plain", strings.NewReader(strings.Repeat("x", 65)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}
}

func TestProxy_AdminOnlyForDirectRequests(t *testing.T) {
	env := newTestEnv(t, "replay", true, nil)

	resp, err := http.Get(env.proxy.URL + "/_mocktap/fixtures")
	if err != nil {
		t.Fatalf("admin get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected admin API on direct request, got %d", resp.StatusCode)
	}

	// Absolute-form requests to the same path belong to the target host.
	resp, body := env.get(t, env.upstream.URL+"/_mocktap/fixtures")
	if resp.StatusCode != http.StatusCreated || body != `{"live":true}` {
		t.Fatalf("expected proxied request, got %d %s", resp.StatusCode, body)
	}
}

func TestProxy_LoopDetected(t *testing.T) {
	env := newTestEnv(t, "replay", true, nil)

	resp, err := http.Get(env.proxy.URL + "/not-admin")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusLoopDetected {
		t.Fatalf("expected 508, got %d", resp.StatusCode)
	}
}

func TestRemoveHopHeaders(t *testing.T) {
	h := http.Header{
		"Connection":       {"keep-alive, X-Private"},
		"X-Private":        {"1"},
		"Keep-Alive":       {"timeout=5"},
		"Proxy-Connection": {"keep-alive"},
		"X-Keep":           {"1"},
	}
	removeHopHeaders(h)
	if len(h) != 1 || h.Get("X-Keep") != "1" {
		t.Fatalf("unexpected headers after removal: %v", h)
	}
}

func TestHandler_LoopsBack(t *testing.T) {
	h := NewHandler(nil, logger.Nop(), 0, 38080)
	for host, want := range map[string]bool{
		"localhost:38080":   true,
		"127.0.0.1:38080":   true,
		"[::1]:38080":       true,
		"api.example.com":   false,
		"127.0.0.1:9000":    false,
		"example.com:38080": false,
	} {
		if got := h.loopsBack(host); got != want {
			t.Errorf("loopsBack(%q) = %v, want %v", host, got, want)
		}
	}
}
