package intercept

import (
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/funnyzak/mocktap/pkg/fixture"
)

// errTornDown is the cause recorded on captures still in flight at teardown.
var errTornDown = errors.New("session torn down")

// Options configures a Session.
type Options struct {
	SourceDir    string
	ManifestName string
	RuntimeDir   string
	Mode         Mode
	RecordPolicy fixture.RecordPolicy
	Exhaustion   fixture.ExhaustionPolicy
	Logger       fixture.Logger
}

// Session binds one manifest store with a resolver, synthesizer and recorder under a single mode.
// Hosts create it with Init when a test run starts and release it with Teardown.
type Session struct {
	mode     Mode
	store    *fixture.Store
	resolver *fixture.Resolver
	synth    *fixture.Synthesizer
	recorder *fixture.Recorder
	log      fixture.Logger

	mu       sync.Mutex
	inflight map[string]*fixture.Session
	closed   bool
}

// Init opens the manifest store and wires the engine for opts.Mode.
func Init(opts Options) (*Session, error) {
	log := opts.Logger
	if log == nil {
		log = nopLogger{}
	}
	store, err := fixture.Open(fixture.Options{
		SourceDir:    opts.SourceDir,
		ManifestName: opts.ManifestName,
		RuntimeDir:   opts.RuntimeDir,
		Logger:       log,
	})
	if err != nil {
		return nil, err
	}
	// Surface a missing or corrupt manifest at startup rather than on the first request.
	if _, err := store.Load(); err != nil {
		store.Close()
		return nil, err
	}

	s := &Session{
		mode:     opts.Mode,
		store:    store,
		resolver: fixture.NewResolver(store, opts.Exhaustion, log),
		synth:    fixture.NewSynthesizer(store, log),
		recorder: fixture.NewRecorder(store, opts.RecordPolicy, log),
		log:      log,
		inflight: make(map[string]*fixture.Session),
	}
	log.Info("Interception session started",
		"mode", opts.Mode.String(),
		"manifest", store.WritablePath(),
		"record_policy", s.RecordPolicy().String(),
		"exhaustion", opts.Exhaustion.String(),
	)
	return s, nil
}

// Mode returns the mode chosen at Init.
func (s *Session) Mode() Mode { return s.mode }

// RecordPolicy returns the policy captures are persisted with.
func (s *Session) RecordPolicy() fixture.RecordPolicy { return s.recorder.Policy() }

// Rewind restarts replay from the first entry of every list. Only retained entries can be served
// again; consumed ones are gone from the manifest.
func (s *Session) Rewind() {
	s.resolver.Reset()
	s.log.Info("Replay cursors rewound")
}

// MaterializeWritableCopy makes sure the writable manifest exists and returns its path.
func (s *Session) MaterializeWritableCopy() (string, error) {
	return s.store.MaterializeWritableCopy()
}

// Teardown fails every capture still in flight and closes the store. It is safe to call twice.
func (s *Session) Teardown() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pending := s.inflight
	s.inflight = make(map[string]*fixture.Session)
	s.mu.Unlock()

	for _, rec := range pending {
		rec.Fail(errTornDown)
	}
	if len(pending) > 0 {
		s.log.Warn("Discarded unfinished captures", "count", len(pending))
	}
	return s.store.Close()
}

// ShouldIntercept reports whether the core wants to handle method and url. In replay mode that means a
// fixture is waiting; in capture mode every supported method is recorded.
func (s *Session) ShouldIntercept(method, url string) bool {
	if s.isClosed() {
		return false
	}
	if s.mode == ModeCapture {
		return fixture.SupportedMethod(method)
	}
	return s.resolver.Has(method, url)
}

// ResolveAndSynthesize serves the next fixture for method and url. It returns false when the request
// must go to the network instead.
func (s *Session) ResolveAndSynthesize(method, url string) (*fixture.Response, bool) {
	if s.isClosed() || s.mode != ModeReplay {
		return nil, false
	}
	res, ok := s.resolver.Resolve(method, url)
	if !ok {
		return nil, false
	}
	resp, err := s.synth.Synthesize(res, url)
	if err != nil {
		s.log.Warn("Fixture synthesis failed, passing through", "method", method, "url", url, "error", err)
		return nil, false
	}
	return resp, true
}

// OnRequestStart opens a capture for method and url and returns its handle.
func (s *Session) OnRequestStart(method, url string) (string, error) {
	if s.mode != ModeCapture {
		return "", fmt.Errorf("capture requested in %s mode", s.mode)
	}
	rec, err := s.recorder.Begin(method, url)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		rec.Fail(errTornDown)
		return "", fixture.ErrStoreClosed
	}
	s.inflight[rec.ID] = rec
	return rec.ID, nil
}

// OnDataChunk appends a body chunk to the capture id.
func (s *Session) OnDataChunk(id string, chunk []byte) error {
	rec, ok := s.lookup(id, false)
	if !ok {
		return fixture.ErrSessionClosed
	}
	return rec.Append(chunk)
}

// OnRequestComplete persists the capture id as a new fixture.
func (s *Session) OnRequestComplete(id string, header http.Header, status int) (fixture.Entry, error) {
	rec, ok := s.lookup(id, true)
	if !ok {
		return fixture.Entry{}, fixture.ErrSessionClosed
	}
	entry, err := rec.Complete(header, status)
	if err != nil {
		s.log.Error("Failed to persist capture", "method", rec.Method, "url", rec.URL, "error", err)
		return fixture.Entry{}, err
	}
	s.log.Info("Fixture recorded", "method", rec.Method, "url", rec.URL, "status", status, "data", entry.Data)
	return entry, nil
}

// OnRequestFailed discards the capture id. Nothing reaches the manifest.
func (s *Session) OnRequestFailed(id string, cause error) {
	rec, ok := s.lookup(id, true)
	if !ok {
		return
	}
	rec.Fail(cause)
	s.log.Debug("Capture discarded", "method", rec.Method, "url", rec.URL, "cause", cause)
}

// Fixtures lists the fixtures currently registered.
func (s *Session) Fixtures() ([]fixture.Summary, error) {
	return s.store.Fixtures()
}

// InFlight returns the number of captures that have started but not finished.
func (s *Session) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

func (s *Session) lookup(id string, remove bool) (*fixture.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.inflight[id]
	if ok && remove {
		delete(s.inflight, id)
	}
	return rec, ok
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
