package storage

import (
	"errors"
	"strings"

	"github.com/funnyzak/mocktap/internal/config"
	"github.com/funnyzak/mocktap/internal/logger"
	"github.com/funnyzak/mocktap/pkg/exchange"
)

// ErrUnsupportedDriver indicates the configured driver is not available.
var ErrUnsupportedDriver = errors.New("unsupported storage driver")

// ListOptions controls filtering and pagination when fetching exchanges.
type ListOptions struct {
	Search  string
	Method  string
	Outcome string
	Limit   int
	Offset  int
}

// Store is the exchange journal. Listings are newest first.
type Store interface {
	Record(*exchange.Exchange) error
	List(ListOptions) ([]*exchange.Exchange, int, error)
	Iterate(ListOptions, func(*exchange.Exchange) bool) error
	Snapshot() ([]*exchange.Exchange, error)
	// Get returns nil, nil when id is unknown.
	Get(id string) (*exchange.Exchange, error)
	Close() error
}

// New instantiates a Store based on configuration.
func New(cfg *config.StorageConfig, log logger.Logger) (Store, error) {
	if cfg == nil {
		return nil, errors.New("storage config is nil")
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "sqlite", "sqlite3":
		return newSQLiteStore(cfg, log)
	case "memory":
		return newMemoryStore(cfg), nil
	default:
		return nil, ErrUnsupportedDriver
	}
}

// matches applies opts filters in memory; it mirrors buildFilters.
func matches(ex *exchange.Exchange, opts ListOptions) bool {
	if method := strings.TrimSpace(opts.Method); method != "" && !strings.EqualFold(ex.Method, method) {
		return false
	}
	if outcome := strings.TrimSpace(opts.Outcome); outcome != "" && !strings.EqualFold(string(ex.Outcome), outcome) {
		return false
	}
	search := strings.ToLower(strings.TrimSpace(opts.Search))
	if search == "" {
		return true
	}
	target := strings.ToLower(ex.URL + " " + ex.RemoteAddr + " " + ex.UserAgent)
	if strings.Contains(target, search) {
		return true
	}
	for key, values := range ex.RequestHeaders {
		if strings.Contains(strings.ToLower(key), search) {
			return true
		}
		for _, val := range values {
			if strings.Contains(strings.ToLower(val), search) {
				return true
			}
		}
	}
	return false
}
