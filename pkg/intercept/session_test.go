package intercept

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/funnyzak/mocktap/pkg/fixture"
)

func TestParseMode(t *testing.T) {
	cases := map[string]Mode{"": ModeReplay, "replay": ModeReplay, "CAPTURE": ModeCapture, "record": ModeCapture}
	for in, want := range cases {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Fatalf("%q: expected %v, got %v err=%v", in, want, got, err)
		}
	}
	if _, err := ParseMode("live"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestInit_CorruptManifestFails(t *testing.T) {
	source := t.TempDir()
	if err := os.WriteFile(filepath.Join(source, fixture.DefaultManifestName), []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Init(Options{SourceDir: source, RuntimeDir: t.TempDir()})
	if !errors.Is(err, fixture.ErrSerialization) {
		t.Fatalf("expected ErrSerialization, got %v", err)
	}
}

func TestSession_HookAPI(t *testing.T) {
	runtime := t.TempDir()
	capture := newSession(t, runtime, ModeCapture, fixture.PolicyRecord)
	url := "http://example.com/hello.html"

	if !capture.ShouldIntercept("GET", url) || capture.ShouldIntercept("PATCH", url) {
		t.Fatal("capture mode intercepts exactly the supported methods")
	}
	if _, ok := capture.ResolveAndSynthesize("GET", url); ok {
		t.Fatal("capture mode never resolves")
	}

	id, err := capture.OnRequestStart("GET", url)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	for _, chunk := range []string{"<h1>", "hi", "</h1>"} {
		if err := capture.OnDataChunk(id, []byte(chunk)); err != nil {
			t.Fatalf("chunk failed: %v", err)
		}
	}
	if _, err := capture.OnRequestComplete(id, http.Header{"X-A": {"1"}}, http.StatusAccepted); err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if err := capture.OnDataChunk(id, []byte("late")); !errors.Is(err, fixture.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	capture.Teardown()

	replay := newSession(t, runtime, ModeReplay, fixture.PolicyRecord)
	if !replay.ShouldIntercept("GET", url) {
		t.Fatal("expected a waiting fixture")
	}
	if _, err := replay.OnRequestStart("GET", url); err == nil {
		t.Fatal("replay mode must refuse captures")
	}
	resp, ok := replay.ResolveAndSynthesize("GET", url)
	if !ok {
		t.Fatal("expected fixture")
	}
	if resp.StatusCode != http.StatusAccepted || string(resp.Body) != "<h1>hi</h1>" || resp.MimeType != "text/html" {
		t.Fatalf("unexpected response: %d %q %s", resp.StatusCode, resp.Body, resp.MimeType)
	}
	if replay.ShouldIntercept("GET", url) {
		t.Fatal("fixture must be consumed")
	}
}

func TestSession_TeardownDiscardsInFlight(t *testing.T) {
	s, err := Init(Options{RuntimeDir: t.TempDir(), Mode: ModeCapture})
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}
	id, err := s.OnRequestStart("POST", "http://a/b")
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	s.OnDataChunk(id, []byte("partial"))

	if err := s.Teardown(); err != nil {
		t.Fatalf("teardown failed: %v", err)
	}
	if err := s.Teardown(); err != nil {
		t.Fatalf("second teardown failed: %v", err)
	}
	if _, err := s.OnRequestComplete(id, nil, 200); !errors.Is(err, fixture.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if s.ShouldIntercept("POST", "http://a/b") {
		t.Fatal("closed session must not intercept")
	}
	if _, err := s.OnRequestStart("POST", "http://a/b"); err == nil {
		t.Fatal("closed session must refuse captures")
	}
}

func TestSession_RewindRetainedFixtures(t *testing.T) {
	runtime := t.TempDir()
	url := "http://example.com/data.json"
	capture := newSession(t, runtime, ModeCapture, fixture.PolicyOverride)
	if capture.RecordPolicy() != fixture.PolicyOverride {
		t.Fatalf("unexpected record policy %v", capture.RecordPolicy())
	}
	id, err := capture.OnRequestStart("GET", url)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	capture.OnDataChunk(id, []byte(`{"n":1}`))
	if _, err := capture.OnRequestComplete(id, http.Header{}, http.StatusOK); err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	capture.Teardown()

	replay, err := Init(Options{RuntimeDir: runtime, Mode: ModeReplay, Exhaustion: fixture.ExhaustRetain})
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}
	t.Cleanup(func() { replay.Teardown() })
	if path, err := replay.MaterializeWritableCopy(); err != nil || filepath.Dir(path) != runtime {
		t.Fatalf("materialize: %q %v", path, err)
	}

	if _, ok := replay.ResolveAndSynthesize("GET", url); !ok {
		t.Fatal("expected fixture")
	}
	if _, ok := replay.ResolveAndSynthesize("GET", url); ok {
		t.Fatal("retained list must be exhausted after one serve")
	}
	replay.Rewind()
	resp, ok := replay.ResolveAndSynthesize("GET", url)
	if !ok || string(resp.Body) != `{"n":1}` {
		t.Fatalf("rewind must serve the first entry again: %v %+v", ok, resp)
	}
}
