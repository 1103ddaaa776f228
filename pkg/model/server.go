package model

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

// ServerVisibility controls who may enter a server.
type ServerVisibility string

const (
	ServerPublic    ServerVisibility = "public"
	ServerPrivate   ServerVisibility = "private"
	ServerInvisible ServerVisibility = "invisible"
)

const (
	MaxServerNameLength = 30

	// Owned-server cap: BaseOwnedServers + level/OwnedServersLevelStep, never above MaxOwnedServers.
	BaseOwnedServers      = 3
	OwnedServersLevelStep = 5
	MaxOwnedServers       = 10
)

var ErrServerNameEmpty = errors.New("server name must not be empty")
var ErrServerNameTooLong = errors.New("server name too long")
var ErrServerVisibility = errors.New("unknown server visibility")

// Server is a top-level space owned by exactly one user.
type Server struct {
	ID             string           `json:"serverId"`
	Name           string           `json:"name"`
	Description    string           `json:"description"`
	OwnerID        string           `json:"ownerId"`
	Visibility     ServerVisibility `json:"visibility"`
	LobbyChannelID string           `json:"lobbyId"`
	Level          int              `json:"level"`
	Wealth         float64          `json:"wealth"`
	CreatedAt      time.Time        `json:"createdAt"`
}

// Validate checks a server before it is created.
func (s *Server) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return ErrServerNameEmpty
	}
	if utf8.RuneCountInString(s.Name) > MaxServerNameLength {
		return ErrServerNameTooLong
	}
	switch s.Visibility {
	case ServerPublic, ServerPrivate, ServerInvisible:
	default:
		return ErrServerVisibility
	}
	return nil
}

// OwnedServerLimit returns how many servers a user of the given level may own.
func OwnedServerLimit(userLevel int) int {
	limit := BaseOwnedServers + userLevel/OwnedServersLevelStep
	if limit > MaxOwnedServers {
		return MaxOwnedServers
	}
	return limit
}
