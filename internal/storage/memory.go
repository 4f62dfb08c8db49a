package storage

import (
	"sync"
	"time"

	"github.com/funnyzak/mocktap/internal/config"
	"github.com/funnyzak/mocktap/pkg/exchange"
)

// memoryStore keeps recent exchanges in a bounded buffer.
type memoryStore struct {
	mu        sync.RWMutex
	max       int
	retention time.Duration
	items     []*exchange.Exchange
}

func newMemoryStore(cfg *config.StorageConfig) *memoryStore {
	max := cfg.MaxRecords
	if max < 1 {
		max = 1000
	}
	return &memoryStore{
		max:       max,
		retention: cfg.Retention,
		items:     make([]*exchange.Exchange, 0, max),
	}
}

func (s *memoryStore) Record(ex *exchange.Exchange) error {
	if ex == nil {
		return errNilExchange
	}
	if ex.Timestamp.IsZero() {
		ex.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.items) >= s.max {
		// Drop oldest
		s.items = append(s.items[1:], ex)
	} else {
		s.items = append(s.items, ex)
	}
	if s.retention > 0 {
		cutoff := time.Now().Add(-s.retention)
		drop := 0
		for drop < len(s.items) && s.items[drop].Timestamp.Before(cutoff) {
			drop++
		}
		s.items = s.items[drop:]
	}
	return nil
}

func (s *memoryStore) List(opts ListOptions) ([]*exchange.Exchange, int, error) {
	var filtered []*exchange.Exchange
	_ = s.Iterate(opts, func(ex *exchange.Exchange) bool {
		filtered = append(filtered, ex)
		return true
	})

	total := len(filtered)
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := total
	if opts.Limit > 0 && offset+opts.Limit < total {
		end = offset + opts.Limit
	}
	return filtered[offset:end], total, nil
}

func (s *memoryStore) Iterate(opts ListOptions, fn func(*exchange.Exchange) bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.items) - 1; i >= 0; i-- {
		if !matches(s.items[i], opts) {
			continue
		}
		if !fn(s.items[i]) {
			break
		}
	}
	return nil
}

func (s *memoryStore) Snapshot() ([]*exchange.Exchange, error) {
	items, _, err := s.List(ListOptions{})
	return items, err
}

func (s *memoryStore) Get(id string) (*exchange.Exchange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.items) - 1; i >= 0; i-- {
		if s.items[i].ID == id {
			return s.items[i], nil
		}
	}
	return nil, nil
}

func (s *memoryStore) Close() error { return nil }
