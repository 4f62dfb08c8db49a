package fixture

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
)

// DefaultManifestName is used when Options.ManifestName is empty.
const DefaultManifestName = "Mocks.json"

// Logger is the logging contract used by the engine.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

// Options configures a Store.
type Options struct {
	// SourceDir holds the bundled, read-only manifest and its artifacts.
	SourceDir string
	// ManifestName is the manifest file name inside SourceDir and RuntimeDir.
	ManifestName string
	// RuntimeDir receives the writable manifest copy and captured artifacts.
	RuntimeDir string
	Logger     Logger
}

// Store owns the manifest document. Every mutation of the writable manifest runs under one mutex
// and ends with an atomic whole-file rewrite.
type Store struct {
	sourceDir  string
	runtimeDir string
	name       string
	codec      codec
	log        Logger
	namer      artifactNamer

	mu     sync.Mutex
	closed bool
}

// Open prepares a Store. The runtime directory is created if needed; manifests are read lazily.
func Open(opts Options) (*Store, error) {
	name := strings.TrimSpace(opts.ManifestName)
	if name == "" {
		name = DefaultManifestName
	}
	if filepath.Base(name) != name {
		return nil, fmt.Errorf("manifest name %q must be a plain file name", name)
	}
	if strings.TrimSpace(opts.RuntimeDir) == "" {
		return nil, errors.New("runtime directory cannot be empty")
	}

	runtimeDir, err := filepath.Abs(opts.RuntimeDir)
	if err != nil {
		return nil, fmt.Errorf("resolve runtime directory: %w", err)
	}
	sourceDir := ""
	if strings.TrimSpace(opts.SourceDir) != "" {
		if sourceDir, err = filepath.Abs(opts.SourceDir); err != nil {
			return nil, fmt.Errorf("resolve source directory: %w", err)
		}
	}
	if err := os.MkdirAll(runtimeDir, 0o755); err != nil {
		return nil, newError("prepare runtime directory", runtimeDir, ErrIO, err)
	}

	log := opts.Logger
	if log == nil {
		log = nopLogger{}
	}

	return &Store{
		sourceDir:  sourceDir,
		runtimeDir: runtimeDir,
		name:       name,
		codec:      codecFor(name),
		log:        log,
	}, nil
}

// BundledPath is the read-only manifest location.
func (s *Store) BundledPath() string {
	if s.sourceDir == "" {
		return ""
	}
	return filepath.Join(s.sourceDir, s.name)
}

// WritablePath is the mutable manifest location.
func (s *Store) WritablePath() string {
	return filepath.Join(s.runtimeDir, s.name)
}

// RuntimeDir returns the directory captured artifacts are written to.
func (s *Store) RuntimeDir() string { return s.runtimeDir }

// Close tears the store down. Later calls fail with ErrStoreClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Load returns the current manifest: the writable copy once materialized, otherwise the bundled one.
// When neither exists a writable skeleton is created; ErrManifestNotFound is returned if that fails too.
func (s *Store) Load() (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.loadLocked()
}

func (s *Store) loadLocked() (*Manifest, error) {
	for _, p := range []string{s.WritablePath(), s.BundledPath()} {
		if p == "" {
			continue
		}
		m, err := s.readManifest(p)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	path, err := s.materializeLocked()
	if err != nil {
		return nil, newError("load manifest", s.WritablePath(), ErrManifestNotFound, err)
	}
	return s.readManifest(path)
}

// MaterializeWritableCopy makes sure the writable manifest exists and returns its path.
// An existing writable manifest is never overwritten.
func (s *Store) MaterializeWritableCopy() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrStoreClosed
	}
	return s.materializeLocked()
}

func (s *Store) materializeLocked() (string, error) {
	target := s.WritablePath()
	if _, err := os.Stat(target); err == nil {
		return target, nil
	} else if !isNotExist(err) {
		return "", newError("stat manifest", target, ErrIO, err)
	}

	var payload []byte
	if bundled := s.BundledPath(); bundled != "" {
		data, err := os.ReadFile(bundled)
		switch {
		case err == nil:
			if _, derr := decodeManifest(data, s.codec); derr != nil {
				return "", newError("decode manifest", bundled, ErrSerialization, derr)
			}
			payload = data
		case !errors.Is(err, fs.ErrNotExist):
			return "", newError("read manifest", bundled, ErrIO, err)
		}
	}
	if payload == nil {
		data, err := encodeManifest(NewManifest(), s.codec)
		if err != nil {
			return "", newError("encode manifest", target, ErrSerialization, err)
		}
		payload = data
		s.log.Info("Writable manifest created from skeleton", "path", target)
	} else {
		s.log.Info("Writable manifest copied from bundle", "source", s.BundledPath(), "path", target)
	}

	if err := writeFileAtomic(target, payload); err != nil {
		return "", newError("write manifest", target, ErrIO, err)
	}
	return target, nil
}

// AppendFixture appends entry to the list for method and url and rewrites the writable manifest.
func (s *Store) AppendFixture(method, url string, entry Entry) error {
	url = NormalizeURL(url)
	method = strings.ToUpper(method)
	if !SupportedMethod(method) {
		return newError("append fixture", method, ErrUnsupportedMethod, nil)
	}
	return s.mutate("append fixture", func(m *Manifest) (bool, error) {
		m.append(method, url, entry)
		return true, nil
	})
}

// ReplaceLatest swaps the newest entry for method and url with entry, appending when the list is empty.
// The superseded entry is returned when there was one.
func (s *Store) ReplaceLatest(method, url string, entry Entry) (Entry, bool, error) {
	url = NormalizeURL(url)
	method = strings.ToUpper(method)
	if !SupportedMethod(method) {
		return Entry{}, false, newError("replace fixture", method, ErrUnsupportedMethod, nil)
	}
	var (
		previous Entry
		replaced bool
	)
	err := s.mutate("replace fixture", func(m *Manifest) (bool, error) {
		entries := m.Fixtures[method][url]
		if n := len(entries); n > 0 {
			previous, replaced = entries[n-1], true
			entries[n-1] = entry
			return true, nil
		}
		m.append(method, url, entry)
		return true, nil
	})
	if err != nil {
		return Entry{}, false, err
	}
	return previous, replaced, nil
}

// Consume removes and returns the oldest entry for method and url.
func (s *Store) Consume(method, url string) (Entry, bool, error) {
	url = NormalizeURL(url)
	method = strings.ToUpper(method)
	if !SupportedMethod(method) {
		return Entry{}, false, nil
	}
	var (
		head  Entry
		found bool
	)
	err := s.mutate("consume fixture", func(m *Manifest) (bool, error) {
		head, found = m.removeAt(method, url, 0)
		return found, nil
	})
	if err != nil {
		return Entry{}, false, err
	}
	return head, found, nil
}

// Peek returns the entry at index for method and url without mutating anything.
func (s *Store) Peek(method, url string, index int) (Entry, bool, error) {
	m, err := s.Load()
	if err != nil {
		return Entry{}, false, err
	}
	entries := m.Entries(method, url)
	if index < 0 || index >= len(entries) {
		return Entry{}, false, nil
	}
	return entries[index], true, nil
}

// mutate runs fn against the writable manifest inside the critical section and persists the result
// when fn reports a change.
func (s *Store) mutate(op string, fn func(*Manifest) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	path, err := s.materializeLocked()
	if err != nil {
		return err
	}
	m, err := s.readManifest(path)
	if err != nil {
		return err
	}
	changed, err := fn(m)
	if err != nil || !changed {
		return err
	}

	data, err := encodeManifest(m, s.codec)
	if err != nil {
		return newError(op, path, ErrSerialization, err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return newError(op, path, ErrIO, err)
	}
	return nil
}

func (s *Store) readManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if isNotExist(err) {
			return nil, fs.ErrNotExist
		}
		return nil, newError("read manifest", path, ErrIO, err)
	}
	m, err := decodeManifest(data, s.codec)
	if err != nil {
		return nil, newError("decode manifest", path, ErrSerialization, err)
	}
	return m, nil
}

// ArtifactPath resolves an artifact name against the runtime directory first and the source
// directory second.
func (s *Store) ArtifactPath(name string) (string, error) {
	if name == "" || !filepath.IsLocal(name) {
		return "", newError("resolve artifact", name, ErrArtifactMissing, nil)
	}
	for _, dir := range []string{s.runtimeDir, s.sourceDir} {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", newError("resolve artifact", name, ErrArtifactMissing, nil)
}

// createArtifact creates name exclusively inside the runtime directory.
func (s *Store) createArtifact(name string) (*os.File, error) {
	return os.OpenFile(filepath.Join(s.runtimeDir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
}

// removeArtifact deletes a runtime artifact; bundled artifacts are never touched.
func (s *Store) removeArtifact(name string) {
	if name == "" || !filepath.IsLocal(name) {
		return
	}
	path := filepath.Join(s.runtimeDir, name)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.log.Warn("Failed to remove artifact", "path", path, "error", err)
	}
}

// isNotExist also treats a path whose parent is not a directory as absent.
func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}

// writeFileAtomic writes data to a temp file next to path, syncs it and renames it into place.
func writeFileAtomic(path string, data []byte) (err error) {
	dir, base := filepath.Split(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(f.Name())
		}
	}()

	if _, err = f.Write(data); err != nil {
		return err
	}
	if err = f.Sync(); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	if err = os.Chmod(f.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}

// Fixtures lists every (method, url) pair in the current manifest with its remaining entry count.
func (s *Store) Fixtures() ([]Summary, error) {
	m, err := s.Load()
	if err != nil {
		return nil, err
	}
	return m.Summaries(), nil
}
