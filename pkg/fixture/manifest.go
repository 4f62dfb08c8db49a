package fixture

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Supported fixture methods.
const (
	MethodGET    = "GET"
	MethodPOST   = "POST"
	MethodPUT    = "PUT"
	MethodDELETE = "DELETE"
)

// Methods lists every method key a manifest carries.
var Methods = []string{MethodDELETE, MethodGET, MethodPOST, MethodPUT}

// Entry is one recorded or authored interaction. Both artifacts are file names relative to the
// manifest directory.
type Entry struct {
	Data     string `json:"data,omitempty" yaml:"data,omitempty"`
	Response string `json:"response,omitempty" yaml:"response,omitempty"`
}

// Manifest is the persisted fixture catalogue.
type Manifest struct {
	MimeTypes map[string]string             `json:"mimes" yaml:"mimes"`
	Fixtures  map[string]map[string][]Entry `json:"mocks" yaml:"mocks"`
}

// rawManifest accepts both "mocks" and "fixtures" as the fixture table key.
type rawManifest struct {
	MimeTypes map[string]string             `json:"mimes" yaml:"mimes"`
	Mocks     map[string]map[string][]Entry `json:"mocks" yaml:"mocks"`
	Fixtures  map[string]map[string][]Entry `json:"fixtures" yaml:"fixtures"`
}

// Summary describes the fixtures registered for one method and URL.
type Summary struct {
	Method string  `json:"method"`
	URL    string  `json:"url"`
	Count  int     `json:"count"`
	Items  []Entry `json:"entries"`
}

// NewManifest returns the minimal skeleton: empty method tables and the default MIME table.
func NewManifest() *Manifest {
	m := &Manifest{
		MimeTypes: map[string]string{
			"htm":  "text/html",
			"html": "text/html",
			"json": "application/json",
		},
	}
	m.normalize()
	return m
}

// SupportedMethod reports whether method has a manifest table.
func SupportedMethod(method string) bool {
	switch strings.ToUpper(method) {
	case MethodGET, MethodPOST, MethodPUT, MethodDELETE:
		return true
	}
	return false
}

func (m *Manifest) normalize() {
	if m.MimeTypes == nil {
		m.MimeTypes = make(map[string]string)
	}
	if m.Fixtures == nil {
		m.Fixtures = make(map[string]map[string][]Entry, len(Methods))
	}
	for key, urls := range m.Fixtures {
		upper := strings.ToUpper(key)
		if upper == key {
			continue
		}
		delete(m.Fixtures, key)
		if !SupportedMethod(upper) {
			continue
		}
		merged := m.Fixtures[upper]
		if merged == nil {
			merged = make(map[string][]Entry, len(urls))
		}
		for u, entries := range urls {
			merged[u] = append(merged[u], entries...)
		}
		m.Fixtures[upper] = merged
	}
	for key, urls := range m.Fixtures {
		if !SupportedMethod(key) {
			delete(m.Fixtures, key)
			continue
		}
		normalizeURLKeys(urls)
	}
	for _, method := range Methods {
		if m.Fixtures[method] == nil {
			m.Fixtures[method] = make(map[string][]Entry)
		}
	}
}

// normalizeURLKeys rekeys urls by NormalizeURL. Lists already under the normalized key keep their
// place; lists moved onto it follow in key order.
func normalizeURLKeys(urls map[string][]Entry) {
	var moved []string
	for u := range urls {
		if NormalizeURL(u) != u {
			moved = append(moved, u)
		}
	}
	sort.Strings(moved)
	for _, u := range moved {
		canonical := NormalizeURL(u)
		urls[canonical] = append(urls[canonical], urls[u]...)
		delete(urls, u)
	}
}

// Entries returns the ordered entries for method and url (oldest first).
func (m *Manifest) Entries(method, url string) []Entry {
	if m == nil {
		return nil
	}
	return m.Fixtures[strings.ToUpper(method)][NormalizeURL(url)]
}

// Summaries lists every non-empty fixture list sorted by method then URL.
func (m *Manifest) Summaries() []Summary {
	var out []Summary
	for _, method := range Methods {
		for url, entries := range m.Fixtures[method] {
			if len(entries) == 0 {
				continue
			}
			items := make([]Entry, len(entries))
			copy(items, entries)
			out = append(out, Summary{Method: method, URL: url, Count: len(entries), Items: items})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Method != out[j].Method {
			return out[i].Method < out[j].Method
		}
		return out[i].URL < out[j].URL
	})
	return out
}

func (m *Manifest) append(method, url string, entry Entry) {
	table := m.Fixtures[method]
	table[url] = append(table[url], entry)
}

// removeAt deletes the entry at index i of the list for method and url.
func (m *Manifest) removeAt(method, url string, i int) (Entry, bool) {
	entries := m.Fixtures[method][url]
	if i < 0 || i >= len(entries) {
		return Entry{}, false
	}
	removed := entries[i]
	rest := make([]Entry, 0, len(entries)-1)
	rest = append(rest, entries[:i]...)
	rest = append(rest, entries[i+1:]...)
	m.Fixtures[method][url] = rest
	return removed, true
}

type codec int

const (
	codecJSON codec = iota
	codecYAML
)

func codecFor(name string) codec {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return codecYAML
	default:
		return codecJSON
	}
}

func decodeManifest(data []byte, c codec) (*Manifest, error) {
	var raw rawManifest
	if len(bytes.TrimSpace(data)) > 0 {
		var err error
		switch c {
		case codecYAML:
			err = yaml.Unmarshal(data, &raw)
		default:
			err = json.Unmarshal(data, &raw)
		}
		if err != nil {
			return nil, err
		}
	}

	m := &Manifest{MimeTypes: raw.MimeTypes, Fixtures: raw.Mocks}
	if m.Fixtures == nil {
		m.Fixtures = raw.Fixtures
	} else {
		for method, urls := range raw.Fixtures {
			if m.Fixtures[method] == nil {
				m.Fixtures[method] = urls
				continue
			}
			for u, entries := range urls {
				m.Fixtures[method][u] = append(m.Fixtures[method][u], entries...)
			}
		}
	}
	m.normalize()
	return m, nil
}

func encodeManifest(m *Manifest, c codec) ([]byte, error) {
	switch c {
	case codecYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(m); err != nil {
			return nil, err
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		if err := enc.Encode(m); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
}
