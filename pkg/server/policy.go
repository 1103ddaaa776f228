package server

import (
	"context"

	"github.com/NicolasHaas/roomspeak/pkg/model"
	"github.com/NicolasHaas/roomspeak/pkg/rbac"
	"github.com/NicolasHaas/roomspeak/pkg/store"
)

// Operator is the authenticated user behind an inbound event.
type Operator struct {
	UserID string
	Conn   Conn
}

// Policy resolves effective permission levels, including the platform-wide
// overrides granted to special accounts.
type Policy struct {
	Special map[string]model.Level // userID -> override level
}

// Override returns the platform override level of a user, or LevelNone.
func (p Policy) Override(userID string) model.Level {
	return p.Special[userID]
}

// Level returns a user's effective level in a server together with the
// membership record it was derived from (nil when the user is no member).
func (p Policy) Level(ctx context.Context, st store.DataStore, userID, serverID string) (model.Level, *model.Member, error) {
	m, err := st.GetMember(ctx, userID, serverID)
	if err != nil {
		return model.LevelNone, nil, err
	}
	lvl := model.LevelNone
	if m != nil {
		lvl = m.PermissionLevel
	}
	return rbac.Effective(lvl, p.Override(userID)), m, nil
}

func connID(c Conn) string {
	if c == nil {
		return ""
	}
	return c.ID()
}
