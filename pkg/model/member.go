package model

import (
	"errors"
	"time"
	"unicode/utf8"
)

const MaxNicknameLength = 32

var ErrInvalidLevel = errors.New("invalid permission level: must be guest (1) through owner (6)")
var ErrNicknameTooLong = errors.New("nickname too long")

// Member is a user's membership in one server, keyed by (UserID, ServerID).
type Member struct {
	UserID              string    `json:"userId"`
	ServerID            string    `json:"serverId"`
	PermissionLevel     Level     `json:"permissionLevel"`
	Nickname            string    `json:"nickname"`
	Contribution        float64   `json:"contribution"`
	LastMessageTime     time.Time `json:"lastMessageTime"`
	LastJoinChannelTime time.Time `json:"lastJoinChannelTime"`
	IsBlocked           bool      `json:"isBlocked"`
	CreatedAt           time.Time `json:"createdAt"`
}

// Validate checks a member record before it is persisted.
func (m *Member) Validate() error {
	if !m.PermissionLevel.Valid() {
		return ErrInvalidLevel
	}
	if utf8.RuneCountInString(m.Nickname) > MaxNicknameLength {
		return ErrNicknameTooLong
	}
	return nil
}

// MemberUpdate carries the mutable member fields; nil means unchanged.
type MemberUpdate struct {
	PermissionLevel     *Level     `json:"permissionLevel,omitempty"`
	Nickname            *string    `json:"nickname,omitempty"`
	IsBlocked           *bool      `json:"isBlocked,omitempty"`
	LastJoinChannelTime *time.Time `json:"-"`
	LastMessageTime     *time.Time `json:"-"`
}

// Apply copies the set fields of u onto m.
func (u MemberUpdate) Apply(m *Member) {
	if u.PermissionLevel != nil {
		m.PermissionLevel = *u.PermissionLevel
	}
	if u.Nickname != nil {
		m.Nickname = *u.Nickname
	}
	if u.IsBlocked != nil {
		m.IsBlocked = *u.IsBlocked
	}
	if u.LastJoinChannelTime != nil {
		m.LastJoinChannelTime = *u.LastJoinChannelTime
	}
	if u.LastMessageTime != nil {
		m.LastMessageTime = *u.LastMessageTime
	}
}
