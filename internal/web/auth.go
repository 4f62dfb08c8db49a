package web

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/funnyzak/mocktap/internal/config"
)

const (
	roleAdmin  = "admin"
	roleViewer = "viewer"
)

// Session describes an authenticated admin API session.
type Session struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HasRole reports whether the session may act as role. Admins may act as viewers.
func (s *Session) HasRole(role string) bool {
	if s == nil {
		return false
	}
	if strings.EqualFold(s.Role, roleAdmin) {
		return true
	}
	return strings.EqualFold(s.Role, role)
}

// AuthManager validates credentials and tracks bearer sessions in memory.
type AuthManager struct {
	enable   bool
	timeout  time.Duration
	users    map[string]config.WebUserConfig
	sessions map[string]*Session
	mu       sync.RWMutex
	now      func() time.Time
}

// ErrInvalidCredential indicates username/password mismatch or an unknown token.
var ErrInvalidCredential = errors.New("invalid username or password")

// NewAuthManager creates a new AuthManager from configuration.
func NewAuthManager(cfg config.WebAuthConfig) *AuthManager {
	users := make(map[string]config.WebUserConfig, len(cfg.Users))
	for _, user := range cfg.Users {
		username := strings.ToLower(strings.TrimSpace(user.Username))
		if username == "" {
			continue
		}
		user.Role = strings.ToLower(user.Role)
		users[username] = user
	}

	timeout := cfg.SessionTimeout
	if timeout <= 0 {
		timeout = 24 * time.Hour
	}
	return &AuthManager{
		enable:   cfg.Enable,
		timeout:  timeout,
		users:    users,
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Enabled indicates whether authentication is active.
func (a *AuthManager) Enabled() bool {
	return a != nil && a.enable
}

// anonymous is handed out when authentication is disabled; the admin API is then fully open.
func (a *AuthManager) anonymous() *Session {
	return &Session{
		ID:        "anonymous",
		Username:  "anonymous",
		Role:      roleAdmin,
		ExpiresAt: a.now().Add(a.timeout),
	}
}

// Login validates credentials and returns a new session.
func (a *AuthManager) Login(username, password string) (*Session, error) {
	if !a.Enabled() {
		return a.anonymous(), nil
	}

	user, ok := a.users[strings.ToLower(strings.TrimSpace(username))]
	if !ok || user.Password != password {
		return nil, ErrInvalidCredential
	}

	session := &Session{
		ID:        randomToken(),
		Username:  user.Username,
		Role:      user.Role,
		ExpiresAt: a.now().Add(a.timeout),
	}
	a.mu.Lock()
	a.sessions[session.ID] = session
	a.mu.Unlock()
	return session, nil
}

// Validate finds a live session by token. Expired sessions are dropped on sight.
func (a *AuthManager) Validate(token string) (*Session, error) {
	if !a.Enabled() {
		return a.anonymous(), nil
	}

	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidCredential
	}

	a.mu.RLock()
	session, ok := a.sessions[token]
	a.mu.RUnlock()
	if !ok {
		return nil, ErrInvalidCredential
	}
	if a.now().After(session.ExpiresAt) {
		a.Logout(token)
		return nil, ErrInvalidCredential
	}
	return session, nil
}

// Logout removes a session token.
func (a *AuthManager) Logout(token string) {
	if !a.Enabled() {
		return
	}
	a.mu.Lock()
	delete(a.sessions, strings.TrimSpace(token))
	a.mu.Unlock()
}

// Cleanup removes expired sessions.
func (a *AuthManager) Cleanup() {
	if !a.Enabled() {
		return
	}
	now := a.now()

	a.mu.Lock()
	defer a.mu.Unlock()
	for token, session := range a.sessions {
		if now.After(session.ExpiresAt) {
			delete(a.sessions, token)
		}
	}
}

func randomToken() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return hex.EncodeToString([]byte(time.Now().Format(time.RFC3339Nano)))
	}
	return hex.EncodeToString(buf)
}
