package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrUnknownSession indicates a token with no live session.
	ErrUnknownSession = errors.New("auth: unknown session")
	// ErrSessionExpired indicates a session that sat idle too long.
	ErrSessionExpired = errors.New("auth: session expired")
)

const sessionTokenBytes = 32

// Session is one authenticated connection. Sessions live only in memory
// and do not survive a server restart.
type Session struct {
	Token    string
	Username string
	Role     string
	ConnID   string
	LastSeen time.Time
}

// SessionManager issues and tracks session tokens.
type SessionManager struct {
	idleTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	byConn   map[string]string
}

// NewSessionManager builds a SessionManager with the given idle timeout.
func NewSessionManager(idleTimeout time.Duration) *SessionManager {
	return &SessionManager{
		idleTimeout: idleTimeout,
		sessions:    make(map[string]*Session),
		byConn:      make(map[string]string),
	}
}

// Create mints a fresh session for an authenticated user. A second login
// on the same connection replaces the previous session.
func (m *SessionManager) Create(username, role, connID string) (*Session, error) {
	raw := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate session token: %w", err)
	}
	token := hex.EncodeToString(raw)

	session := &Session{
		Token:    token,
		Username: username,
		Role:     role,
		ConnID:   connID,
		LastSeen: time.Now(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if previous, ok := m.byConn[connID]; ok {
		delete(m.sessions, previous)
	}
	m.sessions[token] = session
	m.byConn[connID] = token

	logrus.WithFields(logrus.Fields{
		"username": username,
		"conn_id":  connID,
	}).Info("session created")

	return session, nil
}

// Lookup resolves a token to its session and refreshes the idle clock.
// Expired sessions are removed as a side effect.
func (m *SessionManager) Lookup(token string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[token]
	if !ok {
		return nil, ErrUnknownSession
	}
	if time.Since(session.LastSeen) > m.idleTimeout {
		delete(m.sessions, token)
		delete(m.byConn, session.ConnID)
		return nil, ErrSessionExpired
	}
	session.LastSeen = time.Now()
	return session, nil
}

// Invalidate removes a session by token. Unknown tokens are a no-op.
func (m *SessionManager) Invalidate(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if session, ok := m.sessions[token]; ok {
		delete(m.byConn, session.ConnID)
		delete(m.sessions, token)
	}
}

// InvalidateConn removes whatever session the connection holds. Called
// on disconnect.
func (m *SessionManager) InvalidateConn(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if token, ok := m.byConn[connID]; ok {
		delete(m.sessions, token)
		delete(m.byConn, connID)
	}
}

// Prune drops every session past its idle timeout and returns how many
// were removed.
func (m *SessionManager) Prune() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	pruned := 0
	for token, session := range m.sessions {
		if time.Since(session.LastSeen) > m.idleTimeout {
			delete(m.sessions, token)
			delete(m.byConn, session.ConnID)
			pruned++
		}
	}
	return pruned
}

// ActiveCount returns the number of live sessions.
func (m *SessionManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
