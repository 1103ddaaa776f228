package server

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/NicolasHaas/roomspeak/pkg/auth"
	"github.com/NicolasHaas/roomspeak/pkg/errs"
	"github.com/NicolasHaas/roomspeak/pkg/model"
	"github.com/NicolasHaas/roomspeak/pkg/protocol"
	"github.com/NicolasHaas/roomspeak/pkg/rbac"
	"github.com/NicolasHaas/roomspeak/pkg/store"
)

// ChannelAdmin creates, updates and deletes channels of a server.
type ChannelAdmin struct {
	store     store.DataStore
	router    *BroadcastRouter
	presence  *PresenceCoordinator
	messenger *Messenger
	policy    Policy
	metrics   *Metrics
	now       func() time.Time
	log       *slog.Logger
}

func (a *ChannelAdmin) loadServer(ctx context.Context, src, serverID string) (*model.Server, error) {
	if serverID == "" {
		return nil, errs.Validation(src, errs.CodeDataInvalid, "serverId is required")
	}
	srv, err := a.store.GetServer(ctx, serverID)
	if err != nil {
		return nil, errs.Server(src, err)
	}
	if srv == nil {
		return nil, errs.NotFound(src, errs.CodeServerNotFound, "server %s not found", serverID)
	}
	return srv, nil
}

func (a *ChannelAdmin) loadChannel(ctx context.Context, src, serverID, channelID string) (*model.Channel, error) {
	if channelID == "" {
		return nil, errs.Validation(src, errs.CodeDataInvalid, "channelId is required")
	}
	ch, err := a.store.GetChannel(ctx, channelID)
	if err != nil {
		return nil, errs.Server(src, err)
	}
	if ch == nil {
		return nil, errs.NotFound(src, errs.CodeChannelNotFound, "channel %s not found", channelID)
	}
	if ch.ServerID != serverID {
		return nil, errs.Validation(src, errs.CodeDataInvalid, "channel %s does not belong to server %s", channelID, serverID)
	}
	return ch, nil
}

func (a *ChannelAdmin) requireManager(ctx context.Context, src string, op Operator, serverID string) error {
	level, _, err := a.policy.Level(ctx, a.store, op.UserID, serverID)
	if err != nil {
		return errs.Server(src, err)
	}
	if !rbac.HasPermission(level, rbac.PermManageChannels) {
		return errs.Permission(src, "%s", rbac.Describe(rbac.PermManageChannels))
	}
	return nil
}

// checkParent verifies that categoryID names a category of the server.
func (a *ChannelAdmin) checkParent(ctx context.Context, src, serverID, categoryID string) error {
	parent, err := a.store.GetChannel(ctx, categoryID)
	if err != nil {
		return errs.Server(src, err)
	}
	if parent == nil {
		return errs.NotFound(src, errs.CodeChannelNotFound, "category %s not found", categoryID)
	}
	if parent.ServerID != serverID || parent.Type != model.TypeCategory {
		return errs.Validation(src, errs.CodeDataInvalid, "%s is not a category of this server", categoryID)
	}
	return nil
}

// CreateChannel adds a channel or category to a server.
func (a *ChannelAdmin) CreateChannel(ctx context.Context, op Operator, req protocol.CreateChannelRequest) (*model.Channel, error) {
	const src = protocol.EventCreateChannel
	srv, err := a.loadServer(ctx, src, req.ServerID)
	if err != nil {
		return nil, err
	}
	if err := a.requireManager(ctx, src, op, srv.ID); err != nil {
		return nil, err
	}

	d := req.Channel
	ch := &model.Channel{
		ServerID:   srv.ID,
		Name:       strings.TrimSpace(d.Name),
		Type:       d.Type,
		Visibility: d.Visibility,
		VoiceMode:  d.VoiceMode,
		CategoryID: d.CategoryID,
		UserLimit:  d.UserLimit,
		Order:      d.Order,
		CreatedAt:  a.now(),
	}
	if ch.Type == "" {
		ch.Type = model.TypeChannel
	}
	if ch.Visibility == "" {
		ch.Visibility = model.ChannelPublic
	}
	if ch.VoiceMode == "" {
		ch.VoiceMode = model.VoiceFree
	}
	if err := ch.Validate(); err != nil {
		return nil, errs.Validation(src, errs.CodeDataInvalid, "%v", err)
	}
	if ch.CategoryID != "" {
		if ch.Type == model.TypeCategory {
			return nil, errs.Validation(src, errs.CodeDataInvalid, "categories cannot be nested")
		}
		if err := a.checkParent(ctx, src, srv.ID, ch.CategoryID); err != nil {
			return nil, err
		}
	}
	if d.Password != "" {
		if ch.Type == model.TypeCategory {
			return nil, errs.Validation(src, errs.CodeDataInvalid, "categories cannot have a password")
		}
		hash, err := auth.HashPassword(d.Password)
		if err != nil {
			return nil, errs.Server(src, err)
		}
		ch.PasswordHash = hash
	}

	if err := a.store.CreateChannel(ctx, ch); err != nil {
		return nil, errs.Server(src, err)
	}
	a.metrics.ChannelsCreated.Add(1)
	a.log.Info("channel created", "server", srv.ID, "channel", ch.ID, "type", ch.Type)
	a.announce(op, srv.ID, protocol.EventChannelUpdate, ch)
	return ch, nil
}

// UpdateChannel changes a channel's settings. Changes to voice mode and text
// gating are announced in the channel as informational messages.
func (a *ChannelAdmin) UpdateChannel(ctx context.Context, op Operator, req protocol.UpdateChannelRequest) (*model.Channel, error) {
	const src = protocol.EventUpdateChannel
	srv, err := a.loadServer(ctx, src, req.ServerID)
	if err != nil {
		return nil, err
	}
	ch, err := a.loadChannel(ctx, src, srv.ID, req.ChannelID)
	if err != nil {
		return nil, err
	}
	if err := a.requireManager(ctx, src, op, srv.ID); err != nil {
		return nil, err
	}

	before := *ch
	upd := req.Channel
	upd.PasswordHash = nil
	if req.Password != nil {
		hash := ""
		if *req.Password != "" {
			if hash, err = auth.HashPassword(*req.Password); err != nil {
				return nil, errs.Server(src, err)
			}
		}
		upd.PasswordHash = &hash
	}
	upd.Apply(ch)
	ch.Name = strings.TrimSpace(ch.Name)

	if err := ch.Validate(); err != nil {
		return nil, errs.Validation(src, errs.CodeDataInvalid, "%v", err)
	}
	if ch.IsLobby && ch.Type != model.TypeChannel {
		return nil, errs.Validation(src, errs.CodeDataInvalid, "the lobby must stay a channel")
	}
	if ch.Type != before.Type {
		if err := a.checkTypeChange(ctx, src, &before, ch); err != nil {
			return nil, err
		}
	}
	if ch.CategoryID != before.CategoryID && ch.CategoryID != "" {
		if ch.Type == model.TypeCategory {
			return nil, errs.Validation(src, errs.CodeDataInvalid, "categories cannot be nested")
		}
		if ch.CategoryID == ch.ID {
			return nil, errs.Validation(src, errs.CodeDataInvalid, "a channel cannot be its own category")
		}
		if err := a.checkParent(ctx, src, srv.ID, ch.CategoryID); err != nil {
			return nil, err
		}
	}

	if err := a.store.UpdateChannel(ctx, ch); err != nil {
		return nil, errs.Server(src, err)
	}
	a.announce(op, srv.ID, protocol.EventChannelUpdate, ch)

	if ch.VoiceMode != before.VoiceMode {
		a.messenger.Notice(ctx, ch, op.UserID, fmt.Sprintf("Voice mode changed to %s.", ch.VoiceMode))
	}
	if ch.ForbidText != before.ForbidText {
		a.messenger.Notice(ctx, ch, op.UserID, toggleNotice("Text chat", !ch.ForbidText))
	}
	if ch.ForbidGuestText != before.ForbidGuestText {
		a.messenger.Notice(ctx, ch, op.UserID, toggleNotice("Guest text chat", !ch.ForbidGuestText))
	}
	return ch, nil
}

func toggleNotice(what string, enabled bool) string {
	if enabled {
		return what + " has been enabled."
	}
	return what + " has been disabled."
}

// checkTypeChange rejects turning an occupied channel into a category and a
// category with children into a channel.
func (a *ChannelAdmin) checkTypeChange(ctx context.Context, src string, before, after *model.Channel) error {
	if before.Type == model.TypeChannel {
		if after.CategoryID != "" {
			return errs.Validation(src, errs.CodeDataInvalid, "categories cannot be nested")
		}
		users, err := a.store.ListChannelUsers(ctx, before.ID)
		if err != nil {
			return errs.Server(src, err)
		}
		if len(users) > 0 {
			return errs.Validation(src, errs.CodeDataInvalid, "channel %s is occupied", before.ID)
		}
		return nil
	}
	all, err := a.store.ListServerChannels(ctx, before.ServerID)
	if err != nil {
		return errs.Server(src, err)
	}
	for _, c := range all {
		if c.CategoryID == before.ID {
			return errs.Validation(src, errs.CodeDataInvalid, "category %s still has channels", before.ID)
		}
	}
	return nil
}

// DeleteChannel deletes a channel and, for a category, every channel under
// it. Occupants are moved to the lobby first. The lobby cannot be deleted.
func (a *ChannelAdmin) DeleteChannel(ctx context.Context, op Operator, req protocol.DeleteChannelRequest) ([]string, error) {
	const src = protocol.EventDeleteChannel
	srv, err := a.loadServer(ctx, src, req.ServerID)
	if err != nil {
		return nil, err
	}
	ch, err := a.loadChannel(ctx, src, srv.ID, req.ChannelID)
	if err != nil {
		return nil, err
	}
	if err := a.requireManager(ctx, src, op, srv.ID); err != nil {
		return nil, err
	}
	if ch.IsLobby || ch.ID == srv.LobbyChannelID {
		return nil, errs.Validation(src, errs.CodeDataInvalid, "cannot delete lobby channel")
	}

	all, err := a.store.ListServerChannels(ctx, srv.ID)
	if err != nil {
		return nil, errs.Server(src, err)
	}
	order := DeletionOrder(all, ch.ID)

	lobby, err := a.store.GetChannel(ctx, srv.LobbyChannelID)
	if err != nil {
		return nil, errs.Server(src, err)
	}

	deleted := make([]string, 0, len(order))
	for _, id := range order {
		users, err := a.store.ListChannelUsers(ctx, id)
		if err != nil {
			return deleted, errs.Server(src, err)
		}
		for _, u := range users {
			if err := a.presence.relocate(ctx, u.ID, id, srv, lobby); err != nil {
				return deleted, errs.Server(src, err)
			}
		}
		if err := a.store.DeleteChannel(ctx, id); err != nil {
			return deleted, errs.Server(src, err)
		}
		deleted = append(deleted, id)
		a.metrics.ChannelsDeleted.Add(1)
		a.announce(op, srv.ID, protocol.EventChannelDelete, protocol.ChannelDeleted{ChannelID: id, ServerID: srv.ID})
	}
	a.log.Info("channels deleted", "server", srv.ID, "root", ch.ID, "count", len(deleted))
	return deleted, nil
}

// DeletionOrder returns rootID and its descendants, children before their
// parents. The tree is walked breadth-first over a parent -> children index
// built from channels, so ordering follows the stored channel order.
func DeletionOrder(channels []model.Channel, rootID string) []string {
	children := make(map[string][]string, len(channels))
	for _, c := range channels {
		if c.CategoryID != "" {
			children[c.CategoryID] = append(children[c.CategoryID], c.ID)
		}
	}

	visited := map[string]bool{rootID: true}
	queue := []string{rootID}
	var bfs []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		bfs = append(bfs, id)
		for _, child := range children[id] {
			if !visited[child] {
				visited[child] = true
				queue = append(queue, child)
			}
		}
	}

	order := make([]string, len(bfs))
	for i, id := range bfs {
		order[len(bfs)-1-i] = id
	}
	return order
}

func (a *ChannelAdmin) announce(op Operator, serverID, event string, data any) {
	a.router.ToConn(op.Conn, event, data)
	a.router.ToRoom(ServerRoom(serverID), event, data, connID(op.Conn))
}
