// Package model defines the core domain types for RoomSpeak.
package model

import "time"

// Level is a member's permission level within a server.
type Level int

const (
	LevelNone          Level = 0 // no membership record
	LevelGuest         Level = 1
	LevelMember        Level = 2
	LevelChannelAdmin  Level = 3
	LevelCategoryAdmin Level = 4
	LevelServerAdmin   Level = 5
	LevelOwner         Level = 6
	LevelOfficial      Level = 7 // platform special override
	LevelStaff         Level = 8 // platform special override
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelGuest:
		return "guest"
	case LevelMember:
		return "member"
	case LevelChannelAdmin:
		return "channel_admin"
	case LevelCategoryAdmin:
		return "category_admin"
	case LevelServerAdmin:
		return "server_admin"
	case LevelOwner:
		return "owner"
	case LevelOfficial:
		return "official"
	case LevelStaff:
		return "staff"
	default:
		return "unknown"
	}
}

// Valid reports whether l can be stored on a Member record (guest through owner).
func (l Level) Valid() bool {
	return l >= LevelGuest && l <= LevelOwner
}

// Session represents an authenticated connection (in-memory only).
type Session struct {
	ConnID      string
	UserID      string
	SessionID   string
	ConnectedAt time.Time
}
