package protocol

import (
	"encoding/json"

	"github.com/NicolasHaas/roomspeak/pkg/model"
)

// ---- Presence ----

type ConnectChannelRequest struct {
	UserID    string `json:"userId"`
	ChannelID string `json:"channelId"`
	ServerID  string `json:"serverId"`
	Password  string `json:"password,omitempty"`
}

type DisconnectChannelRequest struct {
	UserID    string `json:"userId"`
	ChannelID string `json:"channelId"`
	ServerID  string `json:"serverId"`
}

type ConnectServerRequest struct {
	UserID   string `json:"userId"`
	ServerID string `json:"serverId"`
}

type DisconnectServerRequest struct {
	UserID   string `json:"userId"`
	ServerID string `json:"serverId"`
}

// ---- Servers & members ----

type ServerDraft struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Visibility  model.ServerVisibility `json:"visibility"`
}

type CreateServerRequest struct {
	Server ServerDraft `json:"server"`
}

type MemberDraft struct {
	PermissionLevel model.Level `json:"permissionLevel"` // 0 = default for the actor
	Nickname        string      `json:"nickname"`
}

type CreateMemberRequest struct {
	Member   MemberDraft `json:"member"`
	UserID   string      `json:"userId"`
	ServerID string      `json:"serverId"`
}

type UpdateMemberRequest struct {
	Member   model.MemberUpdate `json:"member"`
	UserID   string             `json:"userId"`
	ServerID string             `json:"serverId"`
}

// ---- Channels ----

type ChannelDraft struct {
	Name       string                  `json:"name"`
	Type       model.ChannelType       `json:"type"`
	Visibility model.ChannelVisibility `json:"visibility"`
	VoiceMode  model.VoiceMode         `json:"voiceMode"`
	CategoryID string                  `json:"categoryId"`
	Password   string                  `json:"password,omitempty"`
	UserLimit  int                     `json:"userLimit"`
	Order      int                     `json:"order"`
}

type CreateChannelRequest struct {
	ServerID string       `json:"serverId"`
	Channel  ChannelDraft `json:"channel"`
}

type UpdateChannelRequest struct {
	ChannelID string              `json:"channelId"`
	ServerID  string              `json:"serverId"`
	Channel   model.ChannelUpdate `json:"channel"`
	Password  *string             `json:"password,omitempty"` // "" clears the password
}

type DeleteChannelRequest struct {
	ChannelID string `json:"channelId"`
	ServerID  string `json:"serverId"`
}

type ChannelDeleted struct {
	ChannelID string `json:"channelId"`
	ServerID  string `json:"serverId"`
}

// ---- Messages ----

type SendMessageRequest struct {
	ServerID  string `json:"serverId"`
	ChannelID string `json:"channelId"`
	Content   string `json:"content"`
}

// ---- RTC ----

// RTCSignal is an inbound offer, answer or ICE candidate addressed to a connection.
type RTCSignal struct {
	To      string          `json:"to"`
	Payload json.RawMessage `json:"payload"`
}

// RTCRelay is the relayed form of an RTCSignal.
type RTCRelay struct {
	From    string          `json:"from"`
	UserID  string          `json:"userId"`
	Payload json.RawMessage `json:"payload"`
}

type RTCRoomRequest struct {
	ChannelID string `json:"channelId"`
}

// RTCRoomEvent announces a connection joining or leaving a channel's RTC room.
type RTCRoomEvent struct {
	From      string `json:"from"`
	UserID    string `json:"userId"`
	ChannelID string `json:"channelId"`
}

// ---- Notifications ----

type PlaySound struct {
	Sound string `json:"sound"`
}

type OpenPopup struct {
	Type        string `json:"type"`
	InitialData any    `json:"initialData,omitempty"`
}

// ---- Snapshots ----

// ChannelView is a channel together with its current occupants.
type ChannelView struct {
	model.Channel
	Users []model.User `json:"users"`
}

// ServerView is a server together with its channel tree.
type ServerView struct {
	model.Server
	Channels []model.Channel `json:"channels"`
}
