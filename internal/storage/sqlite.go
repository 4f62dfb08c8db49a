package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/funnyzak/mocktap/internal/config"
	"github.com/funnyzak/mocktap/internal/logger"
	"github.com/funnyzak/mocktap/pkg/exchange"

	_ "modernc.org/sqlite"
)

const (
	sqliteDriverName = "sqlite"

	exchangeColumns = `id, timestamp_ns, mode, outcome, method, url, host, path, query,
    remote_addr, user_agent, request_headers_json, request_size, status_code,
    response_headers_json, content_type, response_size, is_binary,
    fixture_data, fixture_response, session_id, duration_ms, error`
)

var errNilExchange = errors.New("exchange is nil")

type sqliteStore struct {
	db  *sql.DB
	cfg *config.StorageConfig
	log logger.Logger
}

func newSQLiteStore(cfg *config.StorageConfig, log logger.Logger) (Store, error) {
	path := cfg.Path
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve sqlite path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("prepare sqlite directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(absPath))
	db, err := sql.Open(sqliteDriverName, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(8)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %s: %w", stmt, err)
		}
	}

	store := &sqliteStore{db: db, cfg: cfg, log: log}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	log.Debug("Exchange journal opened", "path", absPath)
	return store, nil
}

func (s *sqliteStore) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS exchanges (
    id TEXT PRIMARY KEY,
    timestamp_ns INTEGER NOT NULL,
    mode TEXT,
    outcome TEXT NOT NULL,
    method TEXT NOT NULL,
    url TEXT NOT NULL,
    host TEXT,
    path TEXT,
    query TEXT,
    remote_addr TEXT,
    user_agent TEXT,
    request_headers_json TEXT,
    request_size INTEGER,
    status_code INTEGER,
    response_headers_json TEXT,
    content_type TEXT,
    response_size INTEGER,
    is_binary INTEGER,
    fixture_data TEXT,
    fixture_response TEXT,
    session_id TEXT,
    duration_ms INTEGER,
    error TEXT
);
CREATE INDEX IF NOT EXISTS idx_exchanges_ts ON exchanges(timestamp_ns DESC);
CREATE INDEX IF NOT EXISTS idx_exchanges_method_ts ON exchanges(method, timestamp_ns DESC);
CREATE INDEX IF NOT EXISTS idx_exchanges_outcome_ts ON exchanges(outcome, timestamp_ns DESC);
`
	_, err := s.db.Exec(schema)
	return err
}

func (s *sqliteStore) Record(ex *exchange.Exchange) (err error) {
	if ex == nil {
		return errNilExchange
	}
	if ex.Timestamp.IsZero() {
		ex.Timestamp = time.Now()
	}
	requestHeaders, err := marshalHeader(ex.RequestHeaders)
	if err != nil {
		return err
	}
	responseHeaders, err := marshalHeader(ex.ResponseHeaders)
	if err != nil {
		return err
	}
	var fixtureData, fixtureResponse string
	if ex.Fixture != nil {
		fixtureData, fixtureResponse = ex.Fixture.Data, ex.Fixture.Response
	}

	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO exchanges ("+exchangeColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		ex.ID,
		ex.Timestamp.UTC().UnixNano(),
		ex.Mode,
		string(ex.Outcome),
		ex.Method,
		ex.URL,
		ex.Host,
		ex.Path,
		ex.Query,
		ex.RemoteAddr,
		ex.UserAgent,
		requestHeaders,
		ex.RequestSize,
		ex.StatusCode,
		responseHeaders,
		ex.ContentType,
		ex.ResponseSize,
		boolToInt(ex.IsBinary),
		fixtureData,
		fixtureResponse,
		ex.SessionID,
		ex.DurationMs,
		ex.Error,
	)
	if err != nil {
		return fmt.Errorf("insert exchange: %w", err)
	}

	if err = s.prune(ctx, tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) prune(ctx context.Context, tx *sql.Tx) error {
	if s.cfg.Retention > 0 {
		cutoff := time.Now().Add(-s.cfg.Retention).UTC().UnixNano()
		if _, err := tx.ExecContext(ctx, "DELETE FROM exchanges WHERE timestamp_ns < ?", cutoff); err != nil {
			return fmt.Errorf("prune by retention: %w", err)
		}
	}
	if s.cfg.MaxRecords > 0 {
		var count int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM exchanges").Scan(&count); err != nil {
			return fmt.Errorf("count records: %w", err)
		}
		if excess := count - s.cfg.MaxRecords; excess > 0 {
			if _, err := tx.ExecContext(ctx, "DELETE FROM exchanges WHERE id IN (SELECT id FROM exchanges ORDER BY timestamp_ns ASC LIMIT ?)", excess); err != nil {
				return fmt.Errorf("prune max records: %w", err)
			}
		}
	}
	return nil
}

func (s *sqliteStore) List(opts ListOptions) ([]*exchange.Exchange, int, error) {
	ctx := context.Background()
	where, args := buildFilters(opts)

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM exchanges "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := "SELECT " + exchangeColumns + " FROM exchanges " + where + " ORDER BY timestamp_ns DESC"
	if opts.Limit > 0 {
		offset := opts.Offset
		if offset < 0 {
			offset = 0
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, opts.Limit, offset)
	}

	var result []*exchange.Exchange
	err := s.query(ctx, query, args, func(ex *exchange.Exchange) bool {
		result = append(result, ex)
		return true
	})
	if err != nil {
		return nil, 0, err
	}
	return result, total, nil
}

func (s *sqliteStore) Iterate(opts ListOptions, fn func(*exchange.Exchange) bool) error {
	where, args := buildFilters(opts)
	query := "SELECT " + exchangeColumns + " FROM exchanges " + where + " ORDER BY timestamp_ns DESC"
	return s.query(context.Background(), query, args, fn)
}

func (s *sqliteStore) query(ctx context.Context, query string, args []interface{}, fn func(*exchange.Exchange) bool) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		ex, err := scanExchange(rows)
		if err != nil {
			return err
		}
		if !fn(ex) {
			break
		}
	}
	return rows.Err()
}

func (s *sqliteStore) Snapshot() ([]*exchange.Exchange, error) {
	var records []*exchange.Exchange
	err := s.Iterate(ListOptions{}, func(ex *exchange.Exchange) bool {
		records = append(records, ex)
		return true
	})
	return records, err
}

func (s *sqliteStore) Get(id string) (*exchange.Exchange, error) {
	row := s.db.QueryRowContext(context.Background(), "SELECT "+exchangeColumns+" FROM exchanges WHERE id = ?", id)
	ex, err := scanExchange(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ex, nil
}

func (s *sqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanExchange(scanner interface {
	Scan(dest ...interface{}) error
}) (*exchange.Exchange, error) {
	var (
		ex              exchange.Exchange
		ts              int64
		mode            sql.NullString
		outcome         string
		host            sql.NullString
		path            sql.NullString
		query           sql.NullString
		remote          sql.NullString
		userAgent       sql.NullString
		requestHeaders  sql.NullString
		requestSize     sql.NullInt64
		statusCode      sql.NullInt64
		responseHeaders sql.NullString
		contentType     sql.NullString
		responseSize    sql.NullInt64
		isBinary        int64
		fixtureData     sql.NullString
		fixtureResponse sql.NullString
		sessionID       sql.NullString
		durationMs      sql.NullInt64
		errorMsg        sql.NullString
	)

	if err := scanner.Scan(
		&ex.ID,
		&ts,
		&mode,
		&outcome,
		&ex.Method,
		&ex.URL,
		&host,
		&path,
		&query,
		&remote,
		&userAgent,
		&requestHeaders,
		&requestSize,
		&statusCode,
		&responseHeaders,
		&contentType,
		&responseSize,
		&isBinary,
		&fixtureData,
		&fixtureResponse,
		&sessionID,
		&durationMs,
		&errorMsg,
	); err != nil {
		return nil, err
	}

	ex.Timestamp = time.Unix(0, ts).UTC()
	ex.Mode = mode.String
	ex.Outcome = exchange.Outcome(outcome)
	ex.Host = host.String
	ex.Path = path.String
	ex.Query = query.String
	ex.RemoteAddr = remote.String
	ex.UserAgent = userAgent.String
	ex.RequestHeaders = unmarshalHeader(requestHeaders)
	ex.RequestSize = requestSize.Int64
	ex.StatusCode = int(statusCode.Int64)
	ex.ResponseHeaders = unmarshalHeader(responseHeaders)
	ex.ContentType = contentType.String
	ex.ResponseSize = responseSize.Int64
	ex.IsBinary = isBinary == 1
	if fixtureData.String != "" || fixtureResponse.String != "" {
		ex.Fixture = &exchange.Fixture{Data: fixtureData.String, Response: fixtureResponse.String}
	}
	ex.SessionID = sessionID.String
	ex.DurationMs = durationMs.Int64
	ex.Error = errorMsg.String
	return &ex, nil
}

func buildFilters(opts ListOptions) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	if method := strings.TrimSpace(opts.Method); method != "" {
		clauses = append(clauses, "UPPER(method) = UPPER(?)")
		args = append(args, method)
	}
	if outcome := strings.TrimSpace(opts.Outcome); outcome != "" {
		clauses = append(clauses, "LOWER(outcome) = LOWER(?)")
		args = append(args, outcome)
	}
	if search := strings.TrimSpace(strings.ToLower(opts.Search)); search != "" {
		like := fmt.Sprintf("%%%s%%", search)
		clauses = append(clauses, "(LOWER(url) LIKE ? OR LOWER(remote_addr) LIKE ? OR LOWER(user_agent) LIKE ? OR LOWER(request_headers_json) LIKE ?)")
		args = append(args, like, like, like, like)
	}

	if len(clauses) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func marshalHeader(h http.Header) (string, error) {
	if h == nil {
		h = http.Header{}
	}
	data, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("marshal headers: %w", err)
	}
	return string(data), nil
}

func unmarshalHeader(raw sql.NullString) http.Header {
	header := http.Header{}
	if raw.Valid && raw.String != "" {
		if err := json.Unmarshal([]byte(raw.String), &header); err != nil {
			return http.Header{}
		}
	}
	return header
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
