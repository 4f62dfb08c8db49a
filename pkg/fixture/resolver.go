package fixture

import (
	"fmt"
	"strings"
	"sync"
)

// ExhaustionPolicy decides what happens to an entry once it has been served.
type ExhaustionPolicy int

const (
	// ExhaustConsume removes the served entry from the writable manifest.
	ExhaustConsume ExhaustionPolicy = iota
	// ExhaustRetain leaves the manifest untouched and advances an in-memory cursor instead.
	ExhaustRetain
)

// String implements fmt.Stringer.
func (p ExhaustionPolicy) String() string {
	switch p {
	case ExhaustRetain:
		return "retain"
	default:
		return "consume"
	}
}

// ParseExhaustionPolicy parses "consume" or "retain" (empty means consume).
func ParseExhaustionPolicy(s string) (ExhaustionPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "consume":
		return ExhaustConsume, nil
	case "retain":
		return ExhaustRetain, nil
	default:
		return ExhaustConsume, fmt.Errorf("unknown exhaustion policy %q", s)
	}
}

// Resolution is a served entry with its artifact files located on disk.
type Resolution struct {
	Method string
	URL    string
	Entry  Entry
	// DataPath and HeaderPath are empty when the entry has no such artifact.
	DataPath   string
	HeaderPath string
}

// Resolver selects the next fixture entry for a request.
type Resolver struct {
	store  *Store
	policy ExhaustionPolicy
	log    Logger

	mu      sync.Mutex
	cursors map[string]int
}

// NewResolver builds a Resolver over store.
func NewResolver(store *Store, policy ExhaustionPolicy, log Logger) *Resolver {
	if log == nil {
		log = nopLogger{}
	}
	return &Resolver{
		store:   store,
		policy:  policy,
		log:     log,
		cursors: make(map[string]int),
	}
}

// Has reports whether a call to Resolve for method and url would find an entry, without consuming it.
func (r *Resolver) Has(method, url string) bool {
	url = NormalizeURL(url)
	method = strings.ToUpper(method)
	if !SupportedMethod(method) {
		return false
	}
	index := 0
	if r.policy == ExhaustRetain {
		r.mu.Lock()
		index = r.cursors[cursorKey(method, url)]
		r.mu.Unlock()
	}
	_, ok, err := r.store.Peek(method, url, index)
	if err != nil {
		r.log.Warn("Fixture lookup failed", "method", method, "url", url, "error", err)
		return false
	}
	return ok
}

// Resolve serves the oldest remaining entry for method and url. It returns false when the request is
// unmocked: no entry, an exhausted list, a lookup failure, or artifacts that cannot be found.
func (r *Resolver) Resolve(method, url string) (*Resolution, bool) {
	url = NormalizeURL(url)
	method = strings.ToUpper(method)
	if !SupportedMethod(method) {
		return nil, false
	}

	entry, ok, err := r.next(method, url)
	if err != nil {
		r.log.Warn("Fixture resolution failed, passing through", "method", method, "url", url, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}

	res := &Resolution{Method: method, URL: url, Entry: entry}
	if entry.Data != "" {
		if res.DataPath, err = r.store.ArtifactPath(entry.Data); err != nil {
			r.log.Warn("Fixture data artifact missing, passing through", "url", url, "artifact", entry.Data)
			return nil, false
		}
	}
	if entry.Response != "" {
		if res.HeaderPath, err = r.store.ArtifactPath(entry.Response); err != nil {
			r.log.Warn("Fixture header artifact missing, passing through", "url", url, "artifact", entry.Response)
			return nil, false
		}
	}
	return res, true
}

func (r *Resolver) next(method, url string) (Entry, bool, error) {
	if r.policy != ExhaustRetain {
		return r.store.Consume(method, url)
	}

	// The cursor check and advance stay under one lock so parallel callers never share an entry.
	r.mu.Lock()
	defer r.mu.Unlock()
	key := cursorKey(method, url)
	entry, ok, err := r.store.Peek(method, url, r.cursors[key])
	if err != nil || !ok {
		return Entry{}, false, err
	}
	r.cursors[key]++
	return entry, true, nil
}

// Reset rewinds every in-memory cursor. It has no effect under ExhaustConsume.
func (r *Resolver) Reset() {
	r.mu.Lock()
	r.cursors = make(map[string]int)
	r.mu.Unlock()
}

func cursorKey(method, url string) string {
	return method + " " + url
}
