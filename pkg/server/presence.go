package server

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/NicolasHaas/roomspeak/pkg/auth"
	"github.com/NicolasHaas/roomspeak/pkg/errs"
	"github.com/NicolasHaas/roomspeak/pkg/model"
	"github.com/NicolasHaas/roomspeak/pkg/presence"
	"github.com/NicolasHaas/roomspeak/pkg/protocol"
	"github.com/NicolasHaas/roomspeak/pkg/rbac"
	"github.com/NicolasHaas/roomspeak/pkg/store"
)

var errPasswordRequired = errors.New("channel password required")

// Transition records how far a channel move got. A move that left the old
// channel but failed to join the new one is reconciled into the lobby when
// possible; Reconciled names the channel the user ended up in.
type Transition struct {
	UserID     string
	From       string
	To         string
	Left       bool
	Joined     bool
	Reconciled string
}

// PresenceCoordinator orchestrates server and channel join/leave
// transitions. Transitions for one user are serialized.
type PresenceCoordinator struct {
	store    store.DataStore
	sessions *SessionRegistry
	rooms    *RoomManager
	router   *BroadcastRouter
	rtc      *RTCSignalRelay
	members  *MembershipManager
	mirror   presence.Mirror
	policy   Policy
	metrics  *Metrics
	now      func() time.Time
	log      *slog.Logger
	locks    *keyedMutex
}

// ConnectChannel moves a user into a channel. Operators may move themselves
// or, with enough authority, another connected user of the same server.
func (p *PresenceCoordinator) ConnectChannel(ctx context.Context, op Operator, req protocol.ConnectChannelRequest) (Transition, error) {
	const src = protocol.EventConnectChannel
	if req.UserID == "" || req.ChannelID == "" || req.ServerID == "" {
		return Transition{}, errs.Validation(src, errs.CodeDataInvalid, "userId, channelId and serverId are required")
	}

	unlock := p.locks.Lock(req.UserID)
	defer unlock()

	ch, err := p.store.GetChannel(ctx, req.ChannelID)
	if err != nil {
		return Transition{}, errs.Server(src, err)
	}
	if ch == nil {
		return Transition{}, errs.NotFound(src, errs.CodeChannelNotFound, "channel %s not found", req.ChannelID)
	}
	if ch.ServerID != req.ServerID {
		return Transition{}, errs.Validation(src, errs.CodeDataInvalid, "channel %s does not belong to server %s", ch.ID, req.ServerID)
	}
	srv, err := p.store.GetServer(ctx, req.ServerID)
	if err != nil {
		return Transition{}, errs.Server(src, err)
	}
	if srv == nil {
		return Transition{}, errs.NotFound(src, errs.CodeServerNotFound, "server %s not found", req.ServerID)
	}
	target, err := p.store.GetUser(ctx, req.UserID)
	if err != nil {
		return Transition{}, errs.Server(src, err)
	}
	if target == nil {
		return Transition{}, errs.NotFound(src, errs.CodeUserNotFound, "user %s not found", req.UserID)
	}

	opLevel, _, err := p.policy.Level(ctx, p.store, op.UserID, srv.ID)
	if err != nil {
		return Transition{}, errs.Server(src, err)
	}
	targetLevel, targetMember, err := p.policy.Level(ctx, p.store, target.ID, srv.ID)
	if err != nil {
		return Transition{}, errs.Server(src, err)
	}

	self := op.UserID == target.ID
	targetConn := op.Conn
	if !self {
		if !rbac.CanMoveOther(opLevel, targetLevel) {
			return Transition{}, errs.Permission(src, "%s and a level above the target", rbac.Describe(rbac.PermMoveOthers))
		}
		c, ok := p.sessions.Lookup(target.ID)
		if !ok {
			return Transition{}, errs.NotFound(src, errs.CodeConnectionNotFound, "user %s is not connected", target.ID)
		}
		targetConn = c
	}
	if target.CurrentServerID != srv.ID {
		return Transition{}, errs.Validation(src, errs.CodeDataInvalid, "user %s is not in server %s", target.ID, srv.ID)
	}
	if targetMember != nil && targetMember.IsBlocked {
		return Transition{}, errs.Permission(src, "user %s is blocked in this server", target.ID)
	}

	if err := p.gate(ctx, src, ch, target.ID, targetLevel, self, req.Password); err != nil {
		if errors.Is(err, errPasswordRequired) {
			p.router.ToConn(op.Conn, protocol.EventOpenPopup, protocol.OpenPopup{
				Type:        protocol.PopupChannelPassword,
				InitialData: map[string]string{"serverId": srv.ID, "channelId": ch.ID},
			})
			return Transition{UserID: target.ID, From: target.CurrentChannelID, To: ch.ID}, nil
		}
		return Transition{}, err
	}

	if target.CurrentChannelID == ch.ID {
		p.router.ToConn(targetConn, protocol.EventUserUpdate, target)
		p.router.ToConn(targetConn, protocol.EventChannelUpdate, p.channelView(ctx, ch))
		return Transition{UserID: target.ID, From: ch.ID, To: ch.ID, Joined: true}, nil
	}

	tr := p.move(ctx, target, targetConn, srv, ch)
	if !tr.Joined {
		return tr, errs.Server(src, errors.New("channel move did not complete"))
	}
	return tr, nil
}

// gate applies the channel entry rules to the target's effective level.
func (p *PresenceCoordinator) gate(ctx context.Context, src string, ch *model.Channel, userID string, level model.Level, self bool, password string) error {
	if ch.Type == model.TypeCategory {
		return errs.Validation(src, errs.CodeDataInvalid, "cannot join category %s", ch.ID)
	}
	if !rbac.CanJoinChannel(level, ch) {
		return errs.Permission(src, "%s channel %s is not open to %s", ch.Visibility, ch.ID, level)
	}

	bypass := rbac.HasPermission(level, rbac.PermBypassChannelLimits)
	if ch.UserLimit > 0 && !bypass {
		occupants, err := p.store.ListChannelUsers(ctx, ch.ID)
		if err != nil {
			return errs.Server(src, err)
		}
		n := 0
		for _, u := range occupants {
			if u.ID != userID {
				n++
			}
		}
		if n >= ch.UserLimit {
			return errs.Validation(src, errs.CodeChannelFull, "channel %s is full", ch.ID)
		}
	}
	if self && ch.HasPassword() && !bypass {
		if password == "" {
			return errPasswordRequired
		}
		if !auth.VerifyPassword(ch.PasswordHash, password) {
			return errs.Validation(src, errs.CodePasswordInvalid, "wrong channel password")
		}
	}
	return nil
}

// move leaves the current channel, then joins ch. A join failure after the
// leave is reconciled into the lobby.
func (p *PresenceCoordinator) move(ctx context.Context, user *model.User, c Conn, srv *model.Server, ch *model.Channel) Transition {
	tr := Transition{UserID: user.ID, From: user.CurrentChannelID, To: ch.ID}
	if tr.From != "" {
		if err := p.leaveChannel(ctx, user, c, tr.From); err != nil {
			p.log.Error("leave channel failed", "user", user.ID, "channel", tr.From, "err", err)
			return tr
		}
		tr.Left = true
	}
	if err := p.joinChannel(ctx, user, c, srv.ID, ch); err != nil {
		p.log.Error("join channel failed", "user", user.ID, "channel", ch.ID, "err", err)
		if tr.Left {
			tr.Reconciled = p.reconcile(ctx, user, c, srv, ch.ID)
		}
		return tr
	}
	tr.Joined = true
	return tr
}

func (p *PresenceCoordinator) reconcile(ctx context.Context, user *model.User, c Conn, srv *model.Server, failed string) string {
	if srv.LobbyChannelID == "" || srv.LobbyChannelID == failed {
		return ""
	}
	lobby, err := p.store.GetChannel(ctx, srv.LobbyChannelID)
	if err != nil || lobby == nil {
		p.log.Error("reconcile: lobby unavailable", "user", user.ID, "server", srv.ID, "err", err)
		return ""
	}
	if err := p.joinChannel(ctx, user, c, srv.ID, lobby); err != nil {
		p.log.Error("reconcile: join lobby failed", "user", user.ID, "err", err)
		return ""
	}
	p.metrics.Reconciled.Add(1)
	p.log.Warn("channel move reconciled into lobby", "user", user.ID, "failed", failed, "lobby", lobby.ID)
	return lobby.ID
}

func (p *PresenceCoordinator) joinChannel(ctx context.Context, user *model.User, c Conn, serverID string, ch *model.Channel) error {
	now := p.now()
	if err := p.store.SetUserChannel(ctx, user.ID, ch.ID, now); err != nil {
		return err
	}
	user.CurrentChannelID = ch.ID
	user.LastActiveAt = now

	if m, err := p.store.GetMember(ctx, user.ID, serverID); err != nil {
		p.log.Warn("load member for join time", "user", user.ID, "err", err)
	} else if m != nil {
		m.LastJoinChannelTime = now
		if err := p.store.UpdateMember(ctx, m); err != nil {
			p.log.Warn("update join time", "user", user.ID, "err", err)
		}
	}

	if c != nil {
		p.rooms.Join(c.ID(), ChannelRoom(ch.ID))
		p.rtc.Join(c, user.ID, ch.ID)
	}
	p.router.ToRoom(ChannelRoom(ch.ID), protocol.EventPlaySound, protocol.PlaySound{Sound: protocol.SoundJoin}, connID(c))
	p.router.ToConn(c, protocol.EventUserUpdate, user)
	p.router.ToConn(c, protocol.EventChannelUpdate, p.channelView(ctx, ch))
	p.router.ToRoom(ServerRoom(serverID), protocol.EventUserUpdate, user, connID(c))

	p.metrics.ChannelJoins.Add(1)
	p.mirrorOnline(ctx, user)
	return nil
}

func (p *PresenceCoordinator) leaveChannel(ctx context.Context, user *model.User, c Conn, channelID string) error {
	now := p.now()
	if err := p.store.SetUserChannel(ctx, user.ID, "", now); err != nil {
		return err
	}
	user.CurrentChannelID = ""
	user.LastActiveAt = now

	if c != nil {
		p.rooms.Leave(c.ID(), ChannelRoom(channelID))
		p.rtc.Leave(c, user.ID, channelID)
	}
	p.router.ToRoom(ChannelRoom(channelID), protocol.EventPlaySound, protocol.PlaySound{Sound: protocol.SoundLeave})
	if user.CurrentServerID != "" {
		p.router.ToRoom(ServerRoom(user.CurrentServerID), protocol.EventUserUpdate, user, connID(c))
	}
	p.router.ToConn(c, protocol.EventUserUpdate, user)

	p.metrics.ChannelLeaves.Add(1)
	p.mirrorOnline(ctx, user)
	return nil
}

// DisconnectChannel removes a user from a channel. Disconnecting a user who
// is not in that channel succeeds without changes.
func (p *PresenceCoordinator) DisconnectChannel(ctx context.Context, op Operator, req protocol.DisconnectChannelRequest) error {
	const src = protocol.EventDisconnectChannel
	if req.UserID == "" || req.ChannelID == "" || req.ServerID == "" {
		return errs.Validation(src, errs.CodeDataInvalid, "userId, channelId and serverId are required")
	}

	unlock := p.locks.Lock(req.UserID)
	defer unlock()

	target, err := p.store.GetUser(ctx, req.UserID)
	if err != nil {
		return errs.Server(src, err)
	}
	if target == nil {
		return errs.NotFound(src, errs.CodeUserNotFound, "user %s not found", req.UserID)
	}

	targetConn := op.Conn
	if op.UserID != target.ID {
		opLevel, _, err := p.policy.Level(ctx, p.store, op.UserID, req.ServerID)
		if err != nil {
			return errs.Server(src, err)
		}
		targetLevel, _, err := p.policy.Level(ctx, p.store, target.ID, req.ServerID)
		if err != nil {
			return errs.Server(src, err)
		}
		if !rbac.CanDisconnectOther(opLevel, targetLevel) {
			return errs.Permission(src, "%s and a level above the target", rbac.Describe(rbac.PermDisconnectOthers))
		}
		c, ok := p.sessions.Lookup(target.ID)
		if !ok {
			return errs.NotFound(src, errs.CodeConnectionNotFound, "user %s is not connected", target.ID)
		}
		targetConn = c
	}

	if target.CurrentChannelID != req.ChannelID {
		return nil
	}
	if err := p.leaveChannel(ctx, target, targetConn, req.ChannelID); err != nil {
		return errs.Server(src, err)
	}
	return nil
}

// ConnectServer enters a server and its lobby. Restricted servers open an
// apply-to-join prompt instead when the user lacks the level to enter.
func (p *PresenceCoordinator) ConnectServer(ctx context.Context, op Operator, req protocol.ConnectServerRequest) error {
	const src = protocol.EventConnectServer
	if req.UserID == "" || req.ServerID == "" {
		return errs.Validation(src, errs.CodeDataInvalid, "userId and serverId are required")
	}
	self := op.UserID == req.UserID
	if !self && !rbac.HasPermission(p.policy.Override(op.UserID), rbac.PermActForOthers) {
		return errs.Permission(src, "cannot connect another user to a server")
	}

	unlock := p.locks.Lock(req.UserID)
	defer unlock()

	srv, err := p.store.GetServer(ctx, req.ServerID)
	if err != nil {
		return errs.Server(src, err)
	}
	if srv == nil {
		return errs.NotFound(src, errs.CodeServerNotFound, "server %s not found", req.ServerID)
	}
	user, err := p.store.GetUser(ctx, req.UserID)
	if err != nil {
		return errs.Server(src, err)
	}
	if user == nil {
		return errs.NotFound(src, errs.CodeUserNotFound, "user %s not found", req.UserID)
	}
	targetConn := op.Conn
	if !self {
		c, ok := p.sessions.Lookup(user.ID)
		if !ok {
			return errs.NotFound(src, errs.CodeConnectionNotFound, "user %s is not connected", user.ID)
		}
		targetConn = c
	}

	level, member, err := p.policy.Level(ctx, p.store, user.ID, srv.ID)
	if err != nil {
		return errs.Server(src, err)
	}
	if member != nil && member.IsBlocked {
		return errs.Permission(src, "you are blocked from server %s", srv.ID)
	}
	if !p.mayEnter(srv, user.ID, level, member) {
		p.router.ToConn(op.Conn, protocol.EventOpenPopup, protocol.OpenPopup{
			Type:        protocol.PopupApplyMember,
			InitialData: map[string]string{"serverId": srv.ID},
		})
		return nil
	}

	if member == nil {
		if member, err = p.members.ensure(ctx, user.ID, srv); err != nil {
			return errs.Server(src, err)
		}
	}

	if user.CurrentServerID != "" && user.CurrentServerID != srv.ID {
		if err := p.leaveServer(ctx, user, targetConn, user.CurrentServerID); err != nil {
			return errs.Server(src, err)
		}
	}
	if user.CurrentServerID != srv.ID {
		now := p.now()
		if err := p.store.SetUserServer(ctx, user.ID, srv.ID, now); err != nil {
			return errs.Server(src, err)
		}
		user.CurrentServerID = srv.ID
		user.LastActiveAt = now
		p.metrics.ServerJoins.Add(1)
	}
	if targetConn != nil {
		p.rooms.Join(targetConn.ID(), ServerRoom(srv.ID))
	}
	p.router.ToConn(targetConn, protocol.EventServerUpdate, p.serverView(ctx, srv))
	p.router.ToConn(targetConn, protocol.EventMemberUpdate, member)

	if user.CurrentChannelID != "" {
		p.router.ToConn(targetConn, protocol.EventUserUpdate, user)
		p.mirrorOnline(ctx, user)
		return nil
	}
	lobby, err := p.store.GetChannel(ctx, srv.LobbyChannelID)
	if err != nil {
		return errs.Server(src, err)
	}
	if lobby == nil {
		return errs.NotFound(src, errs.CodeChannelNotFound, "server %s has no lobby", srv.ID)
	}
	if err := p.joinChannel(ctx, user, targetConn, srv.ID, lobby); err != nil {
		return errs.Server(src, err)
	}
	return nil
}

func (p *PresenceCoordinator) mayEnter(srv *model.Server, userID string, level model.Level, member *model.Member) bool {
	if srv.OwnerID == userID {
		return true
	}
	switch srv.Visibility {
	case model.ServerInvisible:
		return rbac.HasPermission(level, rbac.PermEnterInvisibleServer)
	case model.ServerPrivate:
		return member != nil || level >= model.LevelOfficial
	default:
		return true
	}
}

// DisconnectServer takes a user out of a server, leaving their channel first.
// Disconnecting a user who is not in that server succeeds without changes.
func (p *PresenceCoordinator) DisconnectServer(ctx context.Context, op Operator, req protocol.DisconnectServerRequest) error {
	const src = protocol.EventDisconnectServer
	if req.UserID == "" || req.ServerID == "" {
		return errs.Validation(src, errs.CodeDataInvalid, "userId and serverId are required")
	}

	unlock := p.locks.Lock(req.UserID)
	defer unlock()

	user, err := p.store.GetUser(ctx, req.UserID)
	if err != nil {
		return errs.Server(src, err)
	}
	if user == nil {
		return errs.NotFound(src, errs.CodeUserNotFound, "user %s not found", req.UserID)
	}

	targetConn := op.Conn
	if op.UserID != user.ID {
		opLevel, _, err := p.policy.Level(ctx, p.store, op.UserID, req.ServerID)
		if err != nil {
			return errs.Server(src, err)
		}
		targetLevel, _, err := p.policy.Level(ctx, p.store, user.ID, req.ServerID)
		if err != nil {
			return errs.Server(src, err)
		}
		if !rbac.CanDisconnectOther(opLevel, targetLevel) {
			return errs.Permission(src, "%s and a level above the target", rbac.Describe(rbac.PermDisconnectOthers))
		}
		targetConn, _ = p.sessions.Lookup(user.ID)
	}

	if user.CurrentServerID != req.ServerID {
		return nil
	}
	if err := p.leaveServer(ctx, user, targetConn, req.ServerID); err != nil {
		return errs.Server(src, err)
	}
	return nil
}

func (p *PresenceCoordinator) leaveServer(ctx context.Context, user *model.User, c Conn, serverID string) error {
	if user.CurrentChannelID != "" {
		if err := p.leaveChannel(ctx, user, c, user.CurrentChannelID); err != nil {
			return err
		}
	}
	now := p.now()
	if err := p.store.SetUserServer(ctx, user.ID, "", now); err != nil {
		return err
	}
	user.CurrentServerID = ""
	user.CurrentChannelID = ""
	user.LastActiveAt = now

	if c != nil {
		p.rooms.Leave(c.ID(), ServerRoom(serverID))
	}
	p.router.ToConn(c, protocol.EventUserUpdate, user)
	p.metrics.ServerLeaves.Add(1)
	p.mirrorOnline(ctx, user)
	return nil
}

// CreateServer creates a server owned by the operator together with the
// owner's membership and the lobby channel.
func (p *PresenceCoordinator) CreateServer(ctx context.Context, op Operator, req protocol.CreateServerRequest) (*model.Server, error) {
	const src = protocol.EventCreateServer
	d := req.Server
	srv := &model.Server{
		Name:        strings.TrimSpace(d.Name),
		Description: d.Description,
		OwnerID:     op.UserID,
		Visibility:  d.Visibility,
		CreatedAt:   p.now(),
	}
	if srv.Visibility == "" {
		srv.Visibility = model.ServerPublic
	}
	if err := srv.Validate(); err != nil {
		return nil, errs.Validation(src, errs.CodeDataInvalid, "%v", err)
	}

	unlock := p.locks.Lock(op.UserID)
	defer unlock()

	user, err := p.store.GetUser(ctx, op.UserID)
	if err != nil {
		return nil, errs.Server(src, err)
	}
	if user == nil {
		return nil, errs.NotFound(src, errs.CodeUserNotFound, "user %s not found", op.UserID)
	}
	owned, err := p.store.CountServersOwnedBy(ctx, user.ID)
	if err != nil {
		return nil, errs.Server(src, err)
	}
	if !rbac.CanOwnAnotherServer(owned, user.Level, p.policy.Override(user.ID)) {
		return nil, errs.Validation(src, errs.CodeServerLimit, "server limit reached: level %d may own %d servers",
			user.Level, model.OwnedServerLimit(user.Level))
	}

	err = p.store.WithTx(ctx, func(tx store.DataStore) error {
		if err := tx.CreateServer(ctx, srv); err != nil {
			return err
		}
		owner := &model.Member{
			UserID:          user.ID,
			ServerID:        srv.ID,
			PermissionLevel: model.LevelOwner,
			CreatedAt:       srv.CreatedAt,
		}
		if err := tx.CreateMember(ctx, owner); err != nil {
			return err
		}
		lobby := model.NewLobby(srv.ID)
		lobby.CreatedAt = srv.CreatedAt
		if err := tx.CreateChannel(ctx, lobby); err != nil {
			return err
		}
		if err := tx.SetServerLobby(ctx, srv.ID, lobby.ID); err != nil {
			return err
		}
		srv.LobbyChannelID = lobby.ID
		return nil
	})
	if err != nil {
		return nil, errs.Server(src, err)
	}

	p.metrics.ServersCreated.Add(1)
	p.log.Info("server created", "server", srv.ID, "owner", user.ID)
	p.router.ToConn(op.Conn, protocol.EventServerUpdate, p.serverView(ctx, srv))
	return srv, nil
}

// Resume restores a newly bound connection's rooms from the persisted
// location. When the user had no live connection before, the persisted
// location is stale and is cleared instead.
func (p *PresenceCoordinator) Resume(ctx context.Context, userID string, c Conn, replaced bool) error {
	unlock := p.locks.Lock(userID)
	defer unlock()

	user, err := p.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil || user.CurrentServerID == "" {
		return nil
	}
	if !replaced {
		return p.leaveServer(ctx, user, nil, user.CurrentServerID)
	}

	p.rooms.Join(c.ID(), ServerRoom(user.CurrentServerID))
	if user.CurrentChannelID != "" {
		p.rooms.Join(c.ID(), ChannelRoom(user.CurrentChannelID))
		p.rtc.Join(c, user.ID, user.CurrentChannelID)
	}
	p.router.ToConn(c, protocol.EventUserUpdate, user)
	p.mirrorOnline(ctx, user)
	return nil
}

// Teardown removes a disconnecting user from their server and channel and
// clears the presence mirror.
func (p *PresenceCoordinator) Teardown(ctx context.Context, userID string, c Conn) error {
	unlock := p.locks.Lock(userID)
	defer unlock()

	user, err := p.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user != nil && user.CurrentServerID != "" {
		if err := p.leaveServer(ctx, user, c, user.CurrentServerID); err != nil {
			return err
		}
	}
	if err := p.mirror.Offline(ctx, userID); err != nil {
		p.log.Warn("presence mirror offline", "user", userID, "err", err)
	}
	return nil
}

// relocate moves a user out of a channel that is being deleted into the lobby.
func (p *PresenceCoordinator) relocate(ctx context.Context, userID, from string, srv *model.Server, lobby *model.Channel) error {
	unlock := p.locks.Lock(userID)
	defer unlock()

	user, err := p.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil || user.CurrentChannelID != from {
		return nil
	}
	c, _ := p.sessions.Lookup(userID)
	if err := p.leaveChannel(ctx, user, c, from); err != nil {
		return err
	}
	if lobby == nil {
		return nil
	}
	return p.joinChannel(ctx, user, c, srv.ID, lobby)
}

func (p *PresenceCoordinator) channelView(ctx context.Context, ch *model.Channel) protocol.ChannelView {
	users, err := p.store.ListChannelUsers(ctx, ch.ID)
	if err != nil {
		p.log.Warn("list channel users", "channel", ch.ID, "err", err)
	}
	if users == nil {
		users = []model.User{}
	}
	return protocol.ChannelView{Channel: *ch, Users: users}
}

func (p *PresenceCoordinator) serverView(ctx context.Context, srv *model.Server) protocol.ServerView {
	chans, err := p.store.ListServerChannels(ctx, srv.ID)
	if err != nil {
		p.log.Warn("list server channels", "server", srv.ID, "err", err)
	}
	if chans == nil {
		chans = []model.Channel{}
	}
	return protocol.ServerView{Server: *srv, Channels: chans}
}

// RefreshMirror rewrites the mirror entry of every user in sessions who is
// still inside a server, renewing its TTL. It returns the number written.
func (p *PresenceCoordinator) RefreshMirror(ctx context.Context, sessions []model.Session) int {
	seen := make(map[string]bool, len(sessions))
	written := 0
	for _, sess := range sessions {
		if seen[sess.UserID] {
			continue
		}
		seen[sess.UserID] = true
		if p.refreshOne(ctx, sess.UserID) {
			written++
		}
	}
	return written
}

func (p *PresenceCoordinator) refreshOne(ctx context.Context, userID string) bool {
	unlock := p.locks.Lock(userID)
	defer unlock()

	user, err := p.store.GetUser(ctx, userID)
	if err != nil {
		p.log.Warn("presence mirror refresh", "user", userID, "err", err)
		return false
	}
	if user == nil || user.CurrentServerID == "" {
		return false
	}
	if err := p.mirror.Online(ctx, user.ID, user.CurrentServerID, user.CurrentChannelID); err != nil {
		p.log.Warn("presence mirror refresh", "user", userID, "err", err)
		return false
	}
	return true
}

func (p *PresenceCoordinator) mirrorOnline(ctx context.Context, user *model.User) {
	if err := p.mirror.Online(ctx, user.ID, user.CurrentServerID, user.CurrentChannelID); err != nil {
		p.log.Warn("presence mirror update", "user", user.ID, "err", err)
	}
}
