package model

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

// ChannelType distinguishes occupiable channels from grouping categories.
type ChannelType string

const (
	TypeChannel  ChannelType = "channel"
	TypeCategory ChannelType = "category"
)

// ChannelVisibility gates who may enter a channel.
type ChannelVisibility string

const (
	ChannelPublic   ChannelVisibility = "public"
	ChannelMember   ChannelVisibility = "member"
	ChannelPrivate  ChannelVisibility = "private"
	ChannelReadonly ChannelVisibility = "readonly"
)

// VoiceMode controls who may speak in a channel.
type VoiceMode string

const (
	VoiceFree      VoiceMode = "free"
	VoiceQueue     VoiceMode = "queue"
	VoiceForbidden VoiceMode = "forbidden"
)

const (
	ChannelDefaultName = "Lobby"

	MaxChannelNameLength = 32
	MaxChannelUsers      = 999
)

var ErrChannelNameEmpty = errors.New("channel name must not be empty")
var ErrChannelNameTooLong = errors.New("channel name too long")
var ErrChannelUserLimit = errors.New("channel user limit out of range")
var ErrChannelType = errors.New("unknown channel type")
var ErrChannelVisibility = errors.New("unknown channel visibility")
var ErrChannelVoiceMode = errors.New("unknown voice mode")

// Channel is a voice/text room inside a server, or a category grouping channels.
type Channel struct {
	ID              string            `json:"channelId"`
	ServerID        string            `json:"serverId"`
	Name            string            `json:"name"`
	Type            ChannelType       `json:"type"`
	Visibility      ChannelVisibility `json:"visibility"`
	VoiceMode       VoiceMode         `json:"voiceMode"`
	CategoryID      string            `json:"categoryId"` // "" = root
	IsLobby         bool              `json:"isLobby"`
	IsDefault       bool              `json:"isDefault"`
	PasswordHash    string            `json:"-"`
	UserLimit       int               `json:"userLimit"` // 0 = unlimited
	Order           int               `json:"order"`
	ForbidText      bool              `json:"forbidText"`
	ForbidGuestText bool              `json:"forbidGuestText"`
	ForbidGuestURL  bool              `json:"forbidGuestUrl"`
	SlowmodeSeconds int               `json:"slowmode"`
	GuestTextWait   int               `json:"guestTextWaitTime"`
	CreatedAt       time.Time         `json:"createdAt"`
}

// HasPassword reports whether entering the channel requires a password.
func (ch *Channel) HasPassword() bool {
	return ch.PasswordHash != ""
}

// NewLobby returns the default lobby channel for a newly created server.
func NewLobby(serverID string) *Channel {
	return &Channel{
		ServerID:   serverID,
		Name:       ChannelDefaultName,
		Type:       TypeChannel,
		Visibility: ChannelPublic,
		VoiceMode:  VoiceFree,
		IsLobby:    true,
		IsDefault:  true,
	}
}

// Validate checks a channel before it is persisted.
func (ch *Channel) Validate() error {
	if strings.TrimSpace(ch.Name) == "" {
		return ErrChannelNameEmpty
	} else if utf8.RuneCountInString(ch.Name) > MaxChannelNameLength {
		return ErrChannelNameTooLong
	}

	if ch.UserLimit < 0 || ch.UserLimit > MaxChannelUsers {
		return ErrChannelUserLimit
	}

	switch ch.Type {
	case TypeChannel, TypeCategory:
	default:
		return ErrChannelType
	}

	switch ch.Visibility {
	case ChannelPublic, ChannelMember, ChannelPrivate, ChannelReadonly:
	default:
		return ErrChannelVisibility
	}

	switch ch.VoiceMode {
	case VoiceFree, VoiceQueue, VoiceForbidden:
	default:
		return ErrChannelVoiceMode
	}
	return nil
}

// ChannelUpdate carries the mutable channel fields; nil means unchanged.
type ChannelUpdate struct {
	Name            *string            `json:"name,omitempty"`
	Visibility      *ChannelVisibility `json:"visibility,omitempty"`
	VoiceMode       *VoiceMode         `json:"voiceMode,omitempty"`
	CategoryID      *string            `json:"categoryId,omitempty"`
	Type            *ChannelType       `json:"type,omitempty"`
	PasswordHash    *string            `json:"-"`
	UserLimit       *int               `json:"userLimit,omitempty"`
	Order           *int               `json:"order,omitempty"`
	ForbidText      *bool              `json:"forbidText,omitempty"`
	ForbidGuestText *bool              `json:"forbidGuestText,omitempty"`
	ForbidGuestURL  *bool              `json:"forbidGuestUrl,omitempty"`
	SlowmodeSeconds *int               `json:"slowmode,omitempty"`
	GuestTextWait   *int               `json:"guestTextWaitTime,omitempty"`
}

// Apply copies the set fields of u onto ch.
func (u ChannelUpdate) Apply(ch *Channel) {
	if u.Name != nil {
		ch.Name = *u.Name
	}
	if u.Visibility != nil {
		ch.Visibility = *u.Visibility
	}
	if u.VoiceMode != nil {
		ch.VoiceMode = *u.VoiceMode
	}
	if u.CategoryID != nil {
		ch.CategoryID = *u.CategoryID
	}
	if u.Type != nil {
		ch.Type = *u.Type
	}
	if u.PasswordHash != nil {
		ch.PasswordHash = *u.PasswordHash
	}
	if u.UserLimit != nil {
		ch.UserLimit = *u.UserLimit
	}
	if u.Order != nil {
		ch.Order = *u.Order
	}
	if u.ForbidText != nil {
		ch.ForbidText = *u.ForbidText
	}
	if u.ForbidGuestText != nil {
		ch.ForbidGuestText = *u.ForbidGuestText
	}
	if u.ForbidGuestURL != nil {
		ch.ForbidGuestURL = *u.ForbidGuestURL
	}
	if u.SlowmodeSeconds != nil {
		ch.SlowmodeSeconds = *u.SlowmodeSeconds
	}
	if u.GuestTextWait != nil {
		ch.GuestTextWait = *u.GuestTextWait
	}
}
