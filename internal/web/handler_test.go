package web

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/funnyzak/mocktap/internal/config"
	"github.com/funnyzak/mocktap/internal/logger"
	"github.com/funnyzak/mocktap/internal/storage"
	"github.com/funnyzak/mocktap/pkg/exchange"
	"github.com/funnyzak/mocktap/pkg/fixture"
)

type fakeCatalog struct {
	items        []fixture.Summary
	materialized int
	rewound      int
	err          error
}

func (f *fakeCatalog) Rewind() { f.rewound++ }

func (f *fakeCatalog) Fixtures() ([]fixture.Summary, error) { return f.items, f.err }

func (f *fakeCatalog) MaterializeWritableCopy() (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.materialized++
	return "/tmp/runtime/Mocks.json", nil
}

func webConfig(auth bool) *config.WebConfig {
	cfg := &config.WebConfig{
		Enable:    true,
		AdminPath: "/_mocktap",
		Export:    config.WebExportConfig{Enable: true, Formats: []string{"json", "csv", "txt"}},
	}
	if auth {
		cfg.Auth = config.WebAuthConfig{
			Enable:         true,
			SessionTimeout: time.Hour,
			Users: []config.WebUserConfig{
				{Username: "root", Password: "secret", Role: "admin"},
				{Username: "guest", Password: "guest", Role: "viewer"},
			},
		}
	}
	return cfg
}

func newTestService(t *testing.T, cfg *config.WebConfig, catalog *fakeCatalog) (*Service, http.Handler, storage.Store) {
	t.Helper()
	store, err := storage.New(&config.StorageConfig{Driver: "memory", MaxRecords: 10}, logger.Nop())
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	svc := NewService(cfg, store, catalog, logger.Nop())
	t.Cleanup(func() {
		svc.Close()
		store.Close()
	})
	router := mux.NewRouter()
	svc.RegisterRoutes(router)
	return svc, router, store
}

func do(t *testing.T, h http.Handler, method, path, token string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func login(t *testing.T, h http.Handler, user, password string) string {
	t.Helper()
	payload, _ := json.Marshal(map[string]string{"username": user, "password": password})
	rr := do(t, h, http.MethodPost, "/_mocktap/auth/login", "", payload)
	if rr.Code != http.StatusOK {
		t.Fatalf("login failed: %d %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	json.Unmarshal(rr.Body.Bytes(), &resp)
	return resp.Token
}

func TestService_ExchangesListAndGet(t *testing.T) {
	_, h, store := newTestService(t, webConfig(false), &fakeCatalog{})
	for i, outcome := range []exchange.Outcome{exchange.OutcomeReplayed, exchange.OutcomePassthrough} {
		store.Record(&exchange.Exchange{
			ID:        []string{"a", "b"}[i],
			Timestamp: time.Unix(int64(1700000000+i), 0),
			Outcome:   outcome,
			Method:    http.MethodGet,
			URL:       "http://api.example.com/x",
		})
	}

	rr := do(t, h, http.MethodGet, "/_mocktap/exchanges?outcome=replayed", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list failed: %d", rr.Code)
	}
	var list struct {
		Data  []exchange.Exchange `json:"data"`
		Total int                 `json:"total"`
	}
	json.Unmarshal(rr.Body.Bytes(), &list)
	if list.Total != 1 || list.Data[0].ID != "a" {
		t.Fatalf("unexpected list: %+v", list)
	}

	if rr := do(t, h, http.MethodGet, "/_mocktap/exchanges/b", "", nil); rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "passthrough") {
		t.Fatalf("get failed: %d %s", rr.Code, rr.Body.String())
	}
	if rr := do(t, h, http.MethodGet, "/_mocktap/exchanges/zzz", "", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestService_Fixtures(t *testing.T) {
	catalog := &fakeCatalog{items: []fixture.Summary{{Method: "GET", URL: "http://www.apple.com/", Count: 2}}}
	_, h, _ := newTestService(t, webConfig(false), catalog)

	rr := do(t, h, http.MethodGet, "/_mocktap/fixtures", "", nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "www.apple.com") {
		t.Fatalf("fixtures failed: %d %s", rr.Code, rr.Body.String())
	}

	rr = do(t, h, http.MethodPost, "/_mocktap/fixtures/materialize", "", nil)
	if rr.Code != http.StatusOK || catalog.materialized != 1 {
		t.Fatalf("materialize failed: %d %s", rr.Code, rr.Body.String())
	}

	catalog.err = fixture.ErrStoreClosed
	if rr := do(t, h, http.MethodGet, "/_mocktap/fixtures", "", nil); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for closed store, got %d", rr.Code)
	}
}

func TestService_AuthRoles(t *testing.T) {
	catalog := &fakeCatalog{}
	_, h, _ := newTestService(t, webConfig(true), catalog)

	if rr := do(t, h, http.MethodGet, "/_mocktap/fixtures", "", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}

	payload, _ := json.Marshal(map[string]string{"username": "root", "password": "nope"})
	if rr := do(t, h, http.MethodPost, "/_mocktap/auth/login", "", payload); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad password, got %d", rr.Code)
	}

	viewer := login(t, h, "guest", "guest")
	if rr := do(t, h, http.MethodGet, "/_mocktap/fixtures", viewer, nil); rr.Code != http.StatusOK {
		t.Fatalf("viewer should list fixtures, got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/_mocktap/fixtures/materialize", viewer, nil); rr.Code != http.StatusForbidden {
		t.Fatalf("viewer must not materialize, got %d", rr.Code)
	}

	if rr := do(t, h, http.MethodPost, "/_mocktap/fixtures/rewind", viewer, nil); rr.Code != http.StatusForbidden {
		t.Fatalf("viewer must not rewind, got %d", rr.Code)
	}

	admin := login(t, h, "ROOT", "secret")
	if rr := do(t, h, http.MethodPost, "/_mocktap/fixtures/materialize", admin, nil); rr.Code != http.StatusOK {
		t.Fatalf("admin should materialize, got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/_mocktap/fixtures/rewind", admin, nil); rr.Code != http.StatusOK || catalog.rewound != 1 {
		t.Fatalf("admin should rewind, got %d (rewound=%d)", rr.Code, catalog.rewound)
	}

	do(t, h, http.MethodPost, "/_mocktap/auth/logout", admin, nil)
	if rr := do(t, h, http.MethodGet, "/_mocktap/auth/me", admin, nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("token must be invalid after logout, got %d", rr.Code)
	}
}

func TestService_Export(t *testing.T) {
	cfg := webConfig(false)
	cfg.Export.Formats = []string{"csv"}
	_, h, store := newTestService(t, cfg, &fakeCatalog{})
	store.Record(&exchange.Exchange{ID: "a", Outcome: exchange.OutcomeCaptured, Method: "PUT", URL: "http://a/b"})

	rr := do(t, h, http.MethodGet, "/_mocktap/export?format=csv", "", nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "captured") {
		t.Fatalf("export failed: %d %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Header().Get("Content-Disposition"), ".csv") {
		t.Fatalf("unexpected disposition: %s", rr.Header().Get("Content-Disposition"))
	}
	if rr := do(t, h, http.MethodGet, "/_mocktap/export?format=json", "", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected disallowed format to fail, got %d", rr.Code)
	}

	cfg.Export.Enable = false
	if rr := do(t, h, http.MethodGet, "/_mocktap/export", "", nil); rr.Code != http.StatusForbidden {
		t.Fatalf("expected disabled export to fail, got %d", rr.Code)
	}
}

func TestService_WebsocketFeed(t *testing.T) {
	svc, h, _ := newTestService(t, webConfig(false), &fakeCatalog{})
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/_mocktap/ws", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for svc.hub.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	svc.Publish(&exchange.Exchange{ID: "live", Outcome: exchange.OutcomeReplayed})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event struct {
		Type string            `json:"type"`
		Data exchange.Exchange `json:"data"`
	}
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if event.Type != "exchange" || event.Data.ID != "live" {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestSession_HasRole(t *testing.T) {
	admin := &Session{Role: roleAdmin}
	viewer := &Session{Role: roleViewer}
	if !admin.HasRole(roleViewer) || !viewer.HasRole(roleViewer) || viewer.HasRole(roleAdmin) {
		t.Fatal("unexpected role resolution")
	}
	var none *Session
	if none.HasRole(roleViewer) {
		t.Fatal("nil session has no role")
	}
}
