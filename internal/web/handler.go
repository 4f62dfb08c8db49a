package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/funnyzak/mocktap/internal/config"
	"github.com/funnyzak/mocktap/internal/logger"
	"github.com/funnyzak/mocktap/internal/storage"
	"github.com/funnyzak/mocktap/pkg/exchange"
	"github.com/funnyzak/mocktap/pkg/fixture"
)

const (
	sessionCookieName = "mocktap_session"
	defaultListLimit  = 100
	maxListLimit      = 500
	contextSessionKey = contextKey("web_session")
	contentTypeJSON   = "application/json"
)

type contextKey string

// FixtureCatalog is the fixture surface exposed by the admin API.
type FixtureCatalog interface {
	Fixtures() ([]fixture.Summary, error)
	MaterializeWritableCopy() (string, error)
	// Rewind restarts replay cursors for retained fixtures.
	Rewind()
}

// Service serves the admin API and the live exchange feed.
type Service struct {
	cfg         *config.WebConfig
	logger      logger.Logger
	store       storage.Store
	fixtures    FixtureCatalog
	auth        *AuthManager
	hub         *WebsocketHub
	formats     []string
	cleanupStop chan struct{}
	cleanupWG   sync.WaitGroup
	closeOnce   sync.Once
}

// NewService builds a Service from configuration.
func NewService(cfg *config.WebConfig, store storage.Store, fixtures FixtureCatalog, log logger.Logger) *Service {
	svc := &Service{
		cfg:      cfg,
		logger:   log,
		store:    store,
		fixtures: fixtures,
		auth:     NewAuthManager(cfg.Auth),
		hub:      NewWebsocketHub(log),
		formats:  AllowedFormats(cfg.Export.Formats),
	}
	if svc.auth.Enabled() {
		svc.startSessionCleanup()
	}
	return svc
}

// RegisterRoutes wires the admin API under the configured admin path.
func (s *Service) RegisterRoutes(router *mux.Router) {
	if s == nil || !s.cfg.Enable {
		return
	}

	api := router.PathPrefix(normalizePath(s.cfg.AdminPath)).Subrouter()
	api.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/auth/logout", s.handleLogout).Methods(http.MethodPost)
	api.Handle("/auth/me", s.authMiddleware(http.HandlerFunc(s.handleMe))).Methods(http.MethodGet)
	api.Handle("/fixtures", s.authMiddleware(http.HandlerFunc(s.handleFixtures))).Methods(http.MethodGet)
	api.Handle("/fixtures/materialize", s.authMiddleware(s.requireRole(roleAdmin, s.handleMaterialize))).Methods(http.MethodPost)
	api.Handle("/fixtures/rewind", s.authMiddleware(s.requireRole(roleAdmin, s.handleRewind))).Methods(http.MethodPost)
	api.Handle("/exchanges", s.authMiddleware(http.HandlerFunc(s.handleExchanges))).Methods(http.MethodGet)
	api.Handle("/exchanges/{id}", s.authMiddleware(http.HandlerFunc(s.handleExchange))).Methods(http.MethodGet)
	api.Handle("/export", s.authMiddleware(http.HandlerFunc(s.handleExport))).Methods(http.MethodGet)
	api.Handle("/ws", s.authMiddleware(http.HandlerFunc(s.handleWebsocket))).Methods(http.MethodGet)
}

// Publish pushes a finished exchange to websocket clients.
func (s *Service) Publish(ex *exchange.Exchange) {
	if s == nil || !s.cfg.Enable {
		return
	}
	s.hub.Broadcast(map[string]interface{}{
		"type": "exchange",
		"data": ex,
	})
}

// Close stops session cleanup and disconnects websocket clients.
func (s *Service) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		if s.cleanupStop != nil {
			close(s.cleanupStop)
			s.cleanupWG.Wait()
		}
		s.hub.Close()
	})
}

func (s *Service) startSessionCleanup() {
	s.cleanupStop = make(chan struct{})
	s.cleanupWG.Add(1)
	go func() {
		defer s.cleanupWG.Done()
		ticker := time.NewTicker(s.sessionCleanupInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.auth.Cleanup()
			case <-s.cleanupStop:
				return
			}
		}
	}()
}

func (s *Service) sessionCleanupInterval() time.Duration {
	interval := s.cfg.Auth.SessionTimeout / 2
	if interval < time.Minute {
		interval = time.Minute
	}
	if interval > 10*time.Minute {
		interval = 10 * time.Minute
	}
	return interval
}

func (s *Service) handleFixtures(w http.ResponseWriter, r *http.Request) {
	items, err := s.fixtures.Fixtures()
	if err != nil {
		s.logger.Error("Failed to list fixtures", "error", err)
		s.respondError(w, fixtureStatus(err), err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"data":  items,
		"total": len(items),
	})
}

func (s *Service) handleMaterialize(w http.ResponseWriter, r *http.Request) {
	path, err := s.fixtures.MaterializeWritableCopy()
	if err != nil {
		s.logger.Error("Failed to materialize manifest", "error", err)
		s.respondError(w, fixtureStatus(err), err.Error())
		return
	}
	s.logger.Info("Writable manifest ready", "path", path)
	s.respondJSON(w, http.StatusOK, map[string]string{"path": path})
}

func (s *Service) handleRewind(w http.ResponseWriter, r *http.Request) {
	s.fixtures.Rewind()
	s.respondJSON(w, http.StatusOK, map[string]string{"message": "replay rewound"})
}

func fixtureStatus(err error) int {
	if errors.Is(err, fixture.ErrStoreClosed) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Service) handleExchanges(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit := parseIntDefault(query.Get("limit"), defaultListLimit)
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	offset := parseIntDefault(query.Get("offset"), 0)

	items, total, err := s.store.List(listOptions(r, limit, offset))
	if err != nil {
		s.logger.Error("Failed to list exchanges", "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list exchanges")
		return
	}
	if items == nil {
		items = []*exchange.Exchange{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"data":   items,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Service) handleExchange(w http.ResponseWriter, r *http.Request) {
	ex, err := s.store.Get(mux.Vars(r)["id"])
	if err != nil {
		s.logger.Error("Failed to load exchange", "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to load exchange")
		return
	}
	if ex == nil {
		s.respondError(w, http.StatusNotFound, "exchange not found")
		return
	}
	s.respondJSON(w, http.StatusOK, ex)
}

func (s *Service) handleExport(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Export.Enable {
		s.respondError(w, http.StatusForbidden, "export disabled")
		return
	}

	format := strings.ToLower(r.URL.Query().Get("format"))
	switch format {
	case "":
		format = "json"
	case "text":
		format = "txt"
	}
	if !containsFormat(s.formats, format) {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("unsupported export format: %s", format))
		return
	}
	contentType, ext, err := DescribeFormat(format)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	filename := fmt.Sprintf("mocktap_exchanges_%d.%s", time.Now().Unix(), ext)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
	w.WriteHeader(http.StatusOK)

	opts := listOptions(r, 0, 0)
	var iterErr error
	iter := func(yield func(*exchange.Exchange) bool) {
		iterErr = s.store.Iterate(opts, yield)
	}
	if _, _, err := StreamExport(w, iter, format); err != nil {
		s.logger.Error("Export failed", "error", err)
		return
	}
	if iterErr != nil {
		s.logger.Error("Export iteration failed", "error", iterErr)
	}
}

func listOptions(r *http.Request, limit, offset int) storage.ListOptions {
	query := r.URL.Query()
	return storage.ListOptions{
		Search:  query.Get("search"),
		Method:  query.Get("method"),
		Outcome: query.Get("outcome"),
		Limit:   limit,
		Offset:  offset,
	}
}

func (s *Service) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	session, err := s.auth.Login(creds.Username, creds.Password)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, err.Error())
		return
	}

	if s.auth.Enabled() {
		http.SetCookie(w, &http.Cookie{
			Name:     sessionCookieName,
			Value:    session.ID,
			Path:     normalizePath(s.cfg.AdminPath),
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
			Expires:  session.ExpiresAt,
			Secure:   r.TLS != nil,
		})
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"token":    session.ID,
		"username": session.Username,
		"role":     session.Role,
		"expires":  session.ExpiresAt,
	})
}

func (s *Service) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token := extractToken(r); token != "" {
		s.auth.Logout(token)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     normalizePath(s.cfg.AdminPath),
		HttpOnly: true,
		MaxAge:   -1,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
	})
	s.respondJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

func (s *Service) handleMe(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"username": session.Username,
		"role":     session.Role,
		"auth":     s.auth.Enabled(),
	})
}

func (s *Service) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if _, err := s.hub.Upgrade(w, r); err != nil {
		s.logger.Warn("Failed to upgrade websocket", "error", err)
	}
}

// authMiddleware resolves the caller's session; with auth disabled every caller is an anonymous admin.
func (s *Service) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, err := s.auth.Validate(extractToken(r))
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextSessionKey, session)))
	})
}

func (s *Service) requireRole(role string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !sessionFromContext(r.Context()).HasRole(role) {
			s.respondError(w, http.StatusForbidden, fmt.Sprintf("forbidden: requires %s role", role))
			return
		}
		next(w, r)
	})
}

func extractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		return cookie.Value
	}
	// Browsers cannot set headers on websocket upgrades.
	return r.URL.Query().Get("token")
}

func sessionFromContext(ctx context.Context) *Session {
	if session, ok := ctx.Value(contextSessionKey).(*Session); ok {
		return session
	}
	return &Session{}
}

func (s *Service) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}

func (s *Service) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	if parsed, err := strconv.Atoi(value); err == nil {
		return parsed
	}
	return def
}

func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	return p
}

func containsFormat(formats []string, target string) bool {
	for _, f := range formats {
		if f == target {
			return true
		}
	}
	return false
}
