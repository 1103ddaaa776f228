package server

import (
	"context"
	"log/slog"
	"regexp"
	"time"

	"github.com/NicolasHaas/roomspeak/pkg/errs"
	"github.com/NicolasHaas/roomspeak/pkg/model"
	"github.com/NicolasHaas/roomspeak/pkg/protocol"
	"github.com/NicolasHaas/roomspeak/pkg/store"
)

var urlPattern = regexp.MustCompile(`(?i)\b(?:https?://|www\.)\S+`)

// Messenger persists channel messages and delivers them to the channel room.
type Messenger struct {
	store   store.DataStore
	router  *BroadcastRouter
	policy  Policy
	metrics *Metrics
	now     func() time.Time
	log     *slog.Logger
}

// SendMessage stores a message and emits it to the channel room.
func (m *Messenger) SendMessage(ctx context.Context, serverID, channelID, senderID string, typ model.MessageType, body string) (*model.Message, error) {
	msg := &model.Message{
		ServerID:  serverID,
		ChannelID: channelID,
		SenderID:  senderID,
		Type:      typ,
		Body:      body,
		CreatedAt: m.now(),
	}
	if err := msg.Validate(); err != nil {
		return nil, errs.Validation(protocol.EventSendMessage, errs.CodeDataInvalid, "%v", err)
	}
	if err := m.store.CreateMessage(ctx, msg); err != nil {
		return nil, errs.Server(protocol.EventSendMessage, err)
	}
	m.metrics.MessagesSent.Add(1)
	m.router.ToRoom(ChannelRoom(channelID), protocol.EventOnMessage, msg)
	return msg, nil
}

// Notice sends an informational message describing a change made by actorID.
func (m *Messenger) Notice(ctx context.Context, ch *model.Channel, actorID, text string) {
	if _, err := m.SendMessage(ctx, ch.ServerID, ch.ID, actorID, model.MessageInfo, text); err != nil {
		m.log.Warn("send notice", "channel", ch.ID, "err", err)
	}
}

// Post handles a chat message from the operator, applying the channel's text
// gating to non-admins.
func (m *Messenger) Post(ctx context.Context, op Operator, req protocol.SendMessageRequest) (*model.Message, error) {
	const src = protocol.EventSendMessage
	if req.ServerID == "" || req.ChannelID == "" {
		return nil, errs.Validation(src, errs.CodeDataInvalid, "serverId and channelId are required")
	}

	user, err := m.store.GetUser(ctx, op.UserID)
	if err != nil {
		return nil, errs.Server(src, err)
	}
	if user == nil {
		return nil, errs.NotFound(src, errs.CodeUserNotFound, "user %s not found", op.UserID)
	}
	if user.CurrentChannelID != req.ChannelID {
		return nil, errs.Permission(src, "you are not in channel %s", req.ChannelID)
	}
	ch, err := m.store.GetChannel(ctx, req.ChannelID)
	if err != nil {
		return nil, errs.Server(src, err)
	}
	if ch == nil {
		return nil, errs.NotFound(src, errs.CodeChannelNotFound, "channel %s not found", req.ChannelID)
	}
	if ch.ServerID != req.ServerID {
		return nil, errs.Validation(src, errs.CodeDataInvalid, "channel %s does not belong to server %s", ch.ID, req.ServerID)
	}

	level, member, err := m.policy.Level(ctx, m.store, op.UserID, ch.ServerID)
	if err != nil {
		return nil, errs.Server(src, err)
	}
	now := m.now()
	if level < model.LevelChannelAdmin {
		guest := level <= model.LevelGuest
		switch {
		case ch.ForbidText:
			return nil, errs.Permission(src, "text chat is disabled in this channel")
		case guest && ch.ForbidGuestText:
			return nil, errs.Permission(src, "guests may not chat in this channel")
		case guest && ch.ForbidGuestURL && urlPattern.MatchString(req.Content):
			return nil, errs.Permission(src, "guests may not post links in this channel")
		}
		if member != nil {
			if wait := time.Duration(ch.GuestTextWait) * time.Second; guest && wait > 0 && now.Sub(member.LastJoinChannelTime) < wait {
				return nil, errs.Validation(src, errs.CodeDataInvalid, "guests must wait %ds after joining before chatting", ch.GuestTextWait)
			}
			if slow := time.Duration(ch.SlowmodeSeconds) * time.Second; slow > 0 && now.Sub(member.LastMessageTime) < slow {
				return nil, errs.Validation(src, errs.CodeDataInvalid, "slowmode: one message every %ds", ch.SlowmodeSeconds)
			}
		}
	}

	msg, err := m.SendMessage(ctx, ch.ServerID, ch.ID, op.UserID, model.MessageGeneral, req.Content)
	if err != nil {
		return nil, err
	}
	if member != nil {
		member.LastMessageTime = now
		if err := m.store.UpdateMember(ctx, member); err != nil {
			m.log.Warn("update last message time", "user", op.UserID, "err", err)
		}
	}
	return msg, nil
}
