package fixture

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"testing"

	"golang.org/x/sync/errgroup"
)

func writeManifest(t *testing.T, dir string, m *Manifest) {
	t.Helper()
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	writeFile(t, dir, DefaultManifestName, string(data))
}

// appleFixtures lays out three captures of the same URL answering 200, 400 and 200.
func appleFixtures(t *testing.T) string {
	t.Helper()
	source := t.TempDir()
	m := NewManifest()
	scenario := []struct {
		status int
		size   int
	}{
		{http.StatusOK, 52815},
		{http.StatusBadRequest, 17},
		{http.StatusOK, 54961},
	}
	for i, step := range scenario {
		data := fmt.Sprintf("uk-%dDATA.txt", i+1)
		headers := fmt.Sprintf("uk-%d.headers.json", i+1)
		writeFile(t, source, data, string(bytes.Repeat([]byte("a"), step.size)))
		writeFile(t, source, headers, fmt.Sprintf(`{"Content-Type":"text/html","status":"%d"}`, step.status))
		m.Fixtures["GET"]["http://apple.com/uk"] = append(m.Fixtures["GET"]["http://apple.com/uk"], Entry{Data: data, Response: headers})
	}
	writeManifest(t, source, m)
	return source
}

func TestResolver_AppleScenario(t *testing.T) {
	store := newTestStore(t, appleFixtures(t), "")
	resolver := NewResolver(store, ExhaustConsume, noopLogger{})
	synth := NewSynthesizer(store, noopLogger{})

	want := []struct {
		status int
		size   int
	}{
		{http.StatusOK, 52815},
		{http.StatusBadRequest, -1},
		{http.StatusOK, 54961},
	}
	for i, w := range want {
		res, ok := resolver.Resolve("GET", "http://apple.com/uk")
		if !ok {
			t.Fatalf("call %d: expected a fixture", i+1)
		}
		resp, err := synth.Synthesize(res, "http://apple.com/uk")
		if err != nil {
			t.Fatalf("call %d: synthesize failed: %v", i+1, err)
		}
		if resp.StatusCode != w.status {
			t.Fatalf("call %d: expected status %d, got %d", i+1, w.status, resp.StatusCode)
		}
		if w.size >= 0 && len(resp.Body) != w.size {
			t.Fatalf("call %d: expected body of %d bytes, got %d", i+1, w.size, len(resp.Body))
		}
	}
	if _, ok := resolver.Resolve("GET", "http://apple.com/uk"); ok {
		t.Fatal("fourth call must pass through")
	}
}

func TestResolver_NoEntry(t *testing.T) {
	store := newTestStore(t, "", "")
	resolver := NewResolver(store, ExhaustConsume, nil)

	if resolver.Has("GET", "http://nowhere/") {
		t.Fatal("expected Has to be false")
	}
	if res, ok := resolver.Resolve("GET", "http://nowhere/"); ok || res != nil {
		t.Fatalf("expected no resolution, got %#v", res)
	}
	if _, ok := resolver.Resolve("PATCH", "http://nowhere/"); ok {
		t.Fatal("unsupported methods are unmocked")
	}
}

func TestResolver_InsertionOrder(t *testing.T) {
	source := t.TempDir()
	m := NewManifest()
	const n = 5
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("body-%d.txt", i)
		writeFile(t, source, name, name)
		m.Fixtures["POST"]["http://a/submit"] = append(m.Fixtures["POST"]["http://a/submit"], Entry{Data: name})
	}
	writeManifest(t, source, m)
	store := newTestStore(t, source, "")
	resolver := NewResolver(store, ExhaustConsume, nil)

	for i := 0; i < n; i++ {
		if !resolver.Has("post", "http://a/submit") {
			t.Fatalf("call %d: Has reported no entry", i)
		}
		res, ok := resolver.Resolve("post", "http://a/submit")
		if !ok {
			t.Fatalf("call %d: expected entry", i)
		}
		if want := fmt.Sprintf("body-%d.txt", i); res.Entry.Data != want {
			t.Fatalf("call %d: expected %s, got %s", i, want, res.Entry.Data)
		}
		if filepath.Dir(res.DataPath) != source {
			t.Fatalf("call %d: expected bundled artifact, got %s", i, res.DataPath)
		}
	}
	if _, ok := resolver.Resolve("POST", "http://a/submit"); ok {
		t.Fatal("expected exhausted list")
	}

	// The bundled manifest is never touched.
	bundled, err := store.readManifest(store.BundledPath())
	if err != nil {
		t.Fatalf("read bundled failed: %v", err)
	}
	if got := len(bundled.Entries("POST", "http://a/submit")); got != n {
		t.Fatalf("bundled manifest changed, %d entries left", got)
	}
}

func TestResolver_MissingArtifactIsUnmocked(t *testing.T) {
	source := t.TempDir()
	m := NewManifest()
	m.Fixtures["GET"]["http://a/gone"] = []Entry{{Data: "gone.txt"}, {Data: "present.txt"}}
	writeFile(t, source, "present.txt", "ok")
	writeManifest(t, source, m)
	store := newTestStore(t, source, "")
	resolver := NewResolver(store, ExhaustConsume, nil)

	if _, ok := resolver.Resolve("GET", "http://a/gone"); ok {
		t.Fatal("missing artifact must resolve as unmocked")
	}
	res, ok := resolver.Resolve("GET", "http://a/gone")
	if !ok || res.Entry.Data != "present.txt" {
		t.Fatalf("expected the next entry to be served, got %#v", res)
	}
}

func TestResolver_RetainPolicy(t *testing.T) {
	source := t.TempDir()
	m := NewManifest()
	m.Fixtures["GET"]["http://a/r"] = []Entry{{}, {}}
	writeManifest(t, source, m)
	store := newTestStore(t, source, "")
	resolver := NewResolver(store, ExhaustRetain, nil)

	for i := 0; i < 2; i++ {
		if _, ok := resolver.Resolve("GET", "http://a/r"); !ok {
			t.Fatalf("call %d: expected entry", i)
		}
	}
	if resolver.Has("GET", "http://a/r") {
		t.Fatal("cursor past the end must report no entry")
	}
	if _, ok := resolver.Resolve("GET", "http://a/r"); ok {
		t.Fatal("expected exhausted cursor")
	}

	current, err := store.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if got := len(current.Entries("GET", "http://a/r")); got != 2 {
		t.Fatalf("retain must leave the manifest untouched, got %d entries", got)
	}

	resolver.Reset()
	if _, ok := resolver.Resolve("GET", "http://a/r"); !ok {
		t.Fatal("expected entry after reset")
	}
}

func TestResolver_ConcurrentConsumeServesEachEntryOnce(t *testing.T) {
	source := t.TempDir()
	m := NewManifest()
	const n = 20
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("c-%d.txt", i)
		writeFile(t, source, name, name)
		m.Fixtures["GET"]["http://a/c"] = append(m.Fixtures["GET"]["http://a/c"], Entry{Data: name})
	}
	writeManifest(t, source, m)

	for _, policy := range []ExhaustionPolicy{ExhaustConsume, ExhaustRetain} {
		t.Run(policy.String(), func(t *testing.T) {
			resolver := NewResolver(newTestStore(t, source, ""), policy, nil)
			var (
				mu   sync.Mutex
				seen = make(map[string]int)
				g    errgroup.Group
			)
			for i := 0; i < n+5; i++ {
				g.Go(func() error {
					if res, ok := resolver.Resolve("GET", "http://a/c"); ok {
						mu.Lock()
						seen[res.Entry.Data]++
						mu.Unlock()
					}
					return nil
				})
			}
			g.Wait()
			if len(seen) != n {
				t.Fatalf("expected %d distinct entries, got %d", n, len(seen))
			}
			for name, count := range seen {
				if count != 1 {
					t.Fatalf("%s served %d times", name, count)
				}
			}
		})
	}
}

func TestParseExhaustionPolicy(t *testing.T) {
	cases := map[string]ExhaustionPolicy{"": ExhaustConsume, "consume": ExhaustConsume, "Retain": ExhaustRetain}
	for in, want := range cases {
		got, err := ParseExhaustionPolicy(in)
		if err != nil || got != want {
			t.Fatalf("%q: expected %v, got %v err=%v", in, want, got, err)
		}
	}
	if _, err := ParseExhaustionPolicy("keep"); err == nil {
		t.Fatal("expected error for unknown policy")
	}
}
