package fixture

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// maxNameAttempts bounds the O_EXCL retry loop when artifact names collide with files already on disk.
const maxNameAttempts = 1024

// RecordPolicy decides how a completed capture lands in the manifest.
type RecordPolicy int

const (
	// PolicyRecord always appends, preserving every earlier capture.
	PolicyRecord RecordPolicy = iota
	// PolicyOverride replaces the newest entry for the same method and URL.
	PolicyOverride
)

// String implements fmt.Stringer.
func (p RecordPolicy) String() string {
	if p == PolicyOverride {
		return "override"
	}
	return "record"
}

// ParseRecordPolicy parses "record" or "override" (empty means record).
func ParseRecordPolicy(s string) (RecordPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "record":
		return PolicyRecord, nil
	case "override":
		return PolicyOverride, nil
	default:
		return PolicyRecord, fmt.Errorf("unknown record policy %q", s)
	}
}

// SessionState is the lifecycle position of a capture session.
type SessionState int

const (
	StateIdle SessionState = iota
	StateCapturing
	// StateCompleting means Complete is persisting the capture; Append and Fail are rejected.
	StateCompleting
	StateCompleted
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateCapturing:
		return "capturing"
	case StateCompleting:
		return "completing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "idle"
	}
}

// Recorder persists live responses as new fixture entries.
type Recorder struct {
	store  *Store
	policy RecordPolicy
	log    Logger
}

// NewRecorder builds a Recorder over store.
func NewRecorder(store *Store, policy RecordPolicy, log Logger) *Recorder {
	if log == nil {
		log = nopLogger{}
	}
	return &Recorder{store: store, policy: policy, log: log}
}

// Policy returns the recording policy in effect.
func (r *Recorder) Policy() RecordPolicy { return r.policy }

// Begin opens a capture session for method and url.
func (r *Recorder) Begin(method, url string) (*Session, error) {
	url = NormalizeURL(url)
	method = strings.ToUpper(method)
	if !SupportedMethod(method) {
		return nil, newError("begin capture", method, ErrUnsupportedMethod, nil)
	}
	return &Session{
		ID:       uuid.NewString(),
		Method:   method,
		URL:      url,
		recorder: r,
		state:    StateCapturing,
	}, nil
}

// Session accumulates one in-flight response. It is safe for concurrent use.
type Session struct {
	ID     string
	Method string
	URL    string

	recorder *Recorder

	mu    sync.Mutex
	state SessionState
	body  bytes.Buffer
	err   error
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the cause recorded by Fail, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Size returns the number of body bytes accumulated so far.
func (s *Session) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.body.Len()
}

// Append adds chunk to the body in arrival order.
func (s *Session) Append(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCapturing {
		return ErrSessionClosed
	}
	s.body.Write(chunk)
	return nil
}

// Fail discards the accumulated body. The manifest is never touched. Once Complete has started,
// Fail has no effect.
func (s *Session) Fail(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCapturing {
		return
	}
	s.state = StateFailed
	s.err = cause
	s.body.Reset()
}

// Complete writes the artifacts and registers a new manifest entry. The session is terminal afterwards
// whatever the outcome; on error no artifact of this session is left behind.
func (s *Session) Complete(header http.Header, status int) (Entry, error) {
	s.mu.Lock()
	if s.state != StateCapturing {
		s.mu.Unlock()
		return Entry{}, ErrSessionClosed
	}
	s.state = StateCompleting
	body := bytes.Clone(s.body.Bytes())
	s.body.Reset()
	s.mu.Unlock()

	entry, err := s.recorder.persist(s.Method, s.URL, header, status, body)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state = StateFailed
		s.err = err
		return Entry{}, err
	}
	s.state = StateCompleted
	return entry, nil
}

func (r *Recorder) persist(method, url string, header http.Header, status int, body []byte) (Entry, error) {
	m, err := r.store.Load()
	if err != nil {
		return Entry{}, err
	}
	headerData, err := encodeHeaderArtifact(header, status)
	if err != nil {
		return Entry{}, newError("encode header artifact", url, ErrSerialization, err)
	}

	// Artifact files are private to this capture and are written outside the manifest lock.
	entry, err := r.writeArtifacts(url, MimeType(url, m.MimeTypes), body, headerData)
	if err != nil {
		return Entry{}, err
	}

	if r.policy == PolicyOverride {
		previous, replaced, err := r.store.ReplaceLatest(method, url, entry)
		if err != nil {
			r.discard(entry)
			return Entry{}, err
		}
		if replaced {
			r.discard(previous)
		}
	} else if err := r.store.AppendFixture(method, url, entry); err != nil {
		r.discard(entry)
		return Entry{}, err
	}

	r.log.Debug("Fixture captured",
		"method", method,
		"url", url,
		"status", status,
		"bytes", len(body),
		"data", entry.Data,
		"policy", r.policy.String(),
	)
	return entry, nil
}

func (r *Recorder) writeArtifacts(url, mimeType string, body, headerData []byte) (Entry, error) {
	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		names := r.store.namer.next(url, mimeType)

		dataFile, err := r.store.createArtifact(names.Data)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return Entry{}, newError("create data artifact", names.Data, ErrIO, err)
		}
		headerFile, err := r.store.createArtifact(names.Response)
		if err != nil {
			dataFile.Close()
			r.store.removeArtifact(names.Data)
			if errors.Is(err, fs.ErrExist) {
				continue
			}
			return Entry{}, newError("create header artifact", names.Response, ErrIO, err)
		}

		entry := Entry{Data: names.Data, Response: names.Response}
		if err := writeAndClose(dataFile, body); err != nil {
			headerFile.Close()
			r.discard(entry)
			return Entry{}, newError("write data artifact", names.Data, ErrIO, err)
		}
		if err := writeAndClose(headerFile, headerData); err != nil {
			r.discard(entry)
			return Entry{}, newError("write header artifact", names.Response, ErrIO, err)
		}
		return entry, nil
	}
	return Entry{}, newError("name artifacts", url, ErrIO, errors.New("no free artifact name"))
}

// discard removes the runtime artifacts referenced by entry.
func (r *Recorder) discard(entry Entry) {
	r.store.removeArtifact(entry.Data)
	r.store.removeArtifact(entry.Response)
}

func writeAndClose(f *os.File, data []byte) error {
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
