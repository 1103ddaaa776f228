package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/NicolasHaas/roomspeak/pkg/auth"
	"github.com/NicolasHaas/roomspeak/pkg/errs"
	"github.com/NicolasHaas/roomspeak/pkg/model"
	"github.com/NicolasHaas/roomspeak/pkg/protocol"
)

// TokenVerifier validates auth tokens. *auth.Issuer implements it.
type TokenVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

type binding struct {
	conn    Conn
	session model.Session
}

// SessionRegistry maps authenticated users to their live connection.
// At most one connection is active per user.
type SessionRegistry struct {
	mu       sync.RWMutex
	verifier TokenVerifier
	now      func() time.Time
	byConn   map[string]*binding // connID -> binding
	byUser   map[string]string   // userID -> active connID
	evicted  map[string]string   // connID -> userID, until the evicted conn is released
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry(verifier TokenVerifier, now func() time.Time) *SessionRegistry {
	if now == nil {
		now = time.Now
	}
	return &SessionRegistry{
		verifier: verifier,
		now:      now,
		byConn:   make(map[string]*binding),
		byUser:   make(map[string]string),
		evicted:  make(map[string]string),
	}
}

// Resolve validates a session identifier and auth token together and
// returns the user they identify.
func (r *SessionRegistry) Resolve(token, sessionID string) (string, error) {
	if sessionID == "" {
		return "", errs.Unauthorized("resolve", errs.CodeSessionInvalid, "missing session id")
	}
	if token == "" {
		return "", errs.Unauthorized("resolve", errs.CodeTokenInvalid, "missing token")
	}
	claims, err := r.verifier.Verify(token)
	if err != nil {
		return "", errs.Unauthorized("resolve", errs.CodeTokenInvalid, "%v", err)
	}
	if claims.SessionID != sessionID {
		return "", errs.Unauthorized("resolve", errs.CodeSessionInvalid, "session does not match token")
	}
	if claims.Subject == "" {
		return "", errs.Unauthorized("resolve", errs.CodeTokenInvalid, "token has no subject")
	}
	return claims.Subject, nil
}

// Bind makes conn the active connection of userID. A prior connection is
// told about the new login and closed before the new binding is recorded.
// It reports whether a prior connection was evicted.
func (r *SessionRegistry) Bind(userID, sessionID string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := false
	if prevID, ok := r.byUser[userID]; ok && prevID != conn.ID() {
		if prev := r.byConn[prevID]; prev != nil {
			delete(r.byConn, prevID)
			r.evicted[prevID] = userID
			notifyEvicted(prev.conn)
			evicted = true
			slog.Info("evicted prior connection", "user", userID, "conn", prevID, "new_conn", conn.ID())
		}
	}

	r.byConn[conn.ID()] = &binding{
		conn: conn,
		session: model.Session{
			ConnID:      conn.ID(),
			UserID:      userID,
			SessionID:   sessionID,
			ConnectedAt: r.now(),
		},
	}
	r.byUser[userID] = conn.ID()
	return evicted
}

func notifyEvicted(c Conn) {
	frame, err := protocol.Encode(protocol.EventOpenPopup, protocol.OpenPopup{Type: protocol.PopupAnotherDeviceLogin})
	if err == nil {
		_ = c.Send(frame)
	}
	_ = c.Close()
}

// Lookup returns the active connection of a user.
func (r *SessionRegistry) Lookup(userID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byUser[userID]
	if !ok {
		return nil, false
	}
	b := r.byConn[id]
	if b == nil {
		return nil, false
	}
	return b.conn, true
}

// Conn returns a bound connection by ID.
func (r *SessionRegistry) Conn(connID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b := r.byConn[connID]
	if b == nil {
		return nil, false
	}
	return b.conn, true
}

// Owner returns the user a connection belongs to, including a connection
// that was evicted but not yet released.
func (r *SessionRegistry) Owner(connID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if b := r.byConn[connID]; b != nil {
		return b.session.UserID
	}
	return r.evicted[connID]
}

// Operator returns the user bound to a connection.
func (r *SessionRegistry) Operator(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b := r.byConn[connID]
	if b == nil {
		return "", false
	}
	return b.session.UserID, true
}

// Release removes the binding of conn. It reports the user the connection
// belonged to and whether it was still that user's active connection.
// An evicted connection reports its user with active false. Releasing an unknown or already released connection is a no-op.
func (r *SessionRegistry) Release(conn Conn) (userID string, active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.byConn[conn.ID()]
	if b == nil {
		userID = r.evicted[conn.ID()]
		delete(r.evicted, conn.ID())
		return userID, false
	}
	delete(r.byConn, conn.ID())
	userID = b.session.UserID
	if r.byUser[userID] == conn.ID() {
		delete(r.byUser, userID)
		active = true
	}
	return userID, active
}

// Count returns the number of bound connections.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

// All returns a snapshot of every bound session.
func (r *SessionRegistry) All() []model.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Session, 0, len(r.byConn))
	for _, b := range r.byConn {
		out = append(out, b.session)
	}
	return out
}

// CloseAll closes every bound connection. Used on shutdown.
func (r *SessionRegistry) CloseAll() {
	r.mu.RLock()
	conns := make([]Conn, 0, len(r.byConn))
	for _, b := range r.byConn {
		conns = append(conns, b.conn)
	}
	r.mu.RUnlock()
	for _, c := range conns {
		_ = c.Close()
	}
}
