package server

import (
	"errors"
	"log/slog"

	"github.com/NicolasHaas/roomspeak/pkg/errs"
	"github.com/NicolasHaas/roomspeak/pkg/protocol"
)

// BroadcastRouter turns committed state changes into scoped emissions: to a
// single connection, to a room, or to a user's active connection.
type BroadcastRouter struct {
	sessions *SessionRegistry
	rooms    *RoomManager
	metrics  *Metrics
	log      *slog.Logger
}

// NewBroadcastRouter creates a router over the given registry and rooms.
func NewBroadcastRouter(sessions *SessionRegistry, rooms *RoomManager, metrics *Metrics, log *slog.Logger) *BroadcastRouter {
	return &BroadcastRouter{sessions: sessions, rooms: rooms, metrics: metrics, log: log}
}

// ToConn sends one event to a connection. A nil conn is ignored.
func (b *BroadcastRouter) ToConn(c Conn, event string, data any) {
	if c == nil {
		return
	}
	frame, err := protocol.Encode(event, data)
	if err != nil {
		b.log.Error("encode event", "event", event, "err", err)
		return
	}
	if err := c.Send(frame); err != nil {
		b.log.Debug("send failed", "event", event, "conn", c.ID(), "err", err)
	}
}

// ToUser sends one event to a user's active connection. It reports whether
// the user was connected.
func (b *BroadcastRouter) ToUser(userID, event string, data any) bool {
	c, ok := b.sessions.Lookup(userID)
	if !ok {
		return false
	}
	b.ToConn(c, event, data)
	return true
}

// ToRoom sends one event to every connection in a room except the listed ones.
func (b *BroadcastRouter) ToRoom(room, event string, data any, except ...string) {
	members := b.rooms.Members(room)
	if len(members) == 0 {
		return
	}
	frame, err := protocol.Encode(event, data)
	if err != nil {
		b.log.Error("encode event", "event", event, "err", err)
		return
	}
	skip := make(map[string]bool, len(except))
	for _, id := range except {
		skip[id] = true
	}
	for _, id := range members {
		if skip[id] {
			continue
		}
		c, ok := b.sessions.Conn(id)
		if !ok {
			continue
		}
		if err := c.Send(frame); err != nil {
			b.log.Debug("room send failed", "room", room, "conn", id, "err", err)
		}
	}
}

// Error coerces err into the error taxonomy and emits it to the operator's
// connection only.
func (b *BroadcastRouter) Error(c Conn, err error, source string) {
	e := errs.Coerce(err, source)
	if b.metrics != nil {
		b.metrics.ErrorsEmitted.Add(1)
		if errors.Is(e, errs.ErrPermissionDenied) {
			b.metrics.PermissionDenials.Add(1)
		}
	}
	if e.Type == errs.TypeServer {
		b.log.Error("handler failed", "source", source, "err", err)
	} else {
		b.log.Debug("handler rejected", "source", source, "code", e.Code, "msg", e.Message)
	}
	b.ToConn(c, protocol.EventError, e)
}
