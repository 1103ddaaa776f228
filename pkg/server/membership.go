package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/NicolasHaas/roomspeak/pkg/errs"
	"github.com/NicolasHaas/roomspeak/pkg/model"
	"github.com/NicolasHaas/roomspeak/pkg/protocol"
	"github.com/NicolasHaas/roomspeak/pkg/rbac"
	"github.com/NicolasHaas/roomspeak/pkg/store"
)

// MembershipManager creates and updates membership records.
type MembershipManager struct {
	store   store.DataStore
	router  *BroadcastRouter
	policy  Policy
	metrics *Metrics
	now     func() time.Time
	log     *slog.Logger
}

// ensure creates the membership of a user entering a server for the first
// time: owner level for the server's owner, guest otherwise.
func (m *MembershipManager) ensure(ctx context.Context, userID string, srv *model.Server) (*model.Member, error) {
	level := model.LevelGuest
	if srv.OwnerID == userID {
		level = model.LevelOwner
	}
	mem := &model.Member{
		UserID:          userID,
		ServerID:        srv.ID,
		PermissionLevel: level,
		CreatedAt:       m.now(),
	}
	if err := m.store.CreateMember(ctx, mem); err != nil {
		return nil, err
	}
	m.metrics.MembersCreated.Add(1)
	m.log.Debug("member created on first entry", "user", userID, "server", srv.ID, "level", level)
	return mem, nil
}

// CreateMember adds a user to a server at the requested level.
func (m *MembershipManager) CreateMember(ctx context.Context, op Operator, req protocol.CreateMemberRequest) (*model.Member, error) {
	const src = protocol.EventCreateMember
	if req.UserID == "" || req.ServerID == "" {
		return nil, errs.Validation(src, errs.CodeDataInvalid, "userId and serverId are required")
	}

	srv, err := m.store.GetServer(ctx, req.ServerID)
	if err != nil {
		return nil, errs.Server(src, err)
	}
	if srv == nil {
		return nil, errs.NotFound(src, errs.CodeServerNotFound, "server %s not found", req.ServerID)
	}
	user, err := m.store.GetUser(ctx, req.UserID)
	if err != nil {
		return nil, errs.Server(src, err)
	}
	if user == nil {
		return nil, errs.NotFound(src, errs.CodeUserNotFound, "user %s not found", req.UserID)
	}
	existing, err := m.store.GetMember(ctx, req.UserID, req.ServerID)
	if err != nil {
		return nil, errs.Server(src, err)
	}
	if existing != nil {
		return nil, errs.Validation(src, errs.CodeMemberExists, "user %s is already a member", req.UserID)
	}

	self := op.UserID == req.UserID
	owns := srv.OwnerID == op.UserID
	level := req.Member.PermissionLevel
	if level == model.LevelNone {
		level = model.LevelGuest
		if self && owns {
			level = model.LevelOwner
		}
	}
	if !level.Valid() {
		return nil, errs.Validation(src, errs.CodeDataInvalid, "%v", model.ErrInvalidLevel)
	}

	opLevel, _, err := m.policy.Level(ctx, m.store, op.UserID, srv.ID)
	if err != nil {
		return nil, errs.Server(src, err)
	}
	if !rbac.CanCreateMember(opLevel, level, self, owns) {
		return nil, errs.Permission(src, "cannot grant %s", level)
	}

	mem := &model.Member{
		UserID:          req.UserID,
		ServerID:        srv.ID,
		PermissionLevel: level,
		Nickname:        req.Member.Nickname,
		CreatedAt:       m.now(),
	}
	if err := mem.Validate(); err != nil {
		return nil, errs.Validation(src, errs.CodeDataInvalid, "%v", err)
	}
	if err := m.store.CreateMember(ctx, mem); err != nil {
		return nil, errs.Server(src, err)
	}

	m.metrics.MembersCreated.Add(1)
	m.announce(op, mem)
	return mem, nil
}

// UpdateMember changes a membership. Editing another member requires a level
// above theirs, even for an empty patch. Nobody may raise their own level (the
// server owner reclaiming owner level excepted), assign a level at or above
// their own, or demote an established member to guest.
func (m *MembershipManager) UpdateMember(ctx context.Context, op Operator, req protocol.UpdateMemberRequest) (*model.Member, error) {
	const src = protocol.EventUpdateMember
	if req.UserID == "" || req.ServerID == "" {
		return nil, errs.Validation(src, errs.CodeDataInvalid, "userId and serverId are required")
	}

	srv, err := m.store.GetServer(ctx, req.ServerID)
	if err != nil {
		return nil, errs.Server(src, err)
	}
	if srv == nil {
		return nil, errs.NotFound(src, errs.CodeServerNotFound, "server %s not found", req.ServerID)
	}
	target, err := m.store.GetMember(ctx, req.UserID, req.ServerID)
	if err != nil {
		return nil, errs.Server(src, err)
	}
	if target == nil {
		return nil, errs.NotFound(src, errs.CodeMemberNotFound, "user %s is not a member of server %s", req.UserID, req.ServerID)
	}

	self := op.UserID == req.UserID
	owns := srv.OwnerID == op.UserID
	opLevel, _, err := m.policy.Level(ctx, m.store, op.UserID, srv.ID)
	if err != nil {
		return nil, errs.Server(src, err)
	}
	targetLevel := rbac.Effective(target.PermissionLevel, m.policy.Override(target.UserID))
	if !self && !rbac.CanEditMember(opLevel, targetLevel, false) {
		return nil, errs.Permission(src, "cannot edit member %s", target.UserID)
	}

	upd := req.Member
	upd.LastJoinChannelTime = nil
	upd.LastMessageTime = nil

	if upd.PermissionLevel != nil && (!self || *upd.PermissionLevel != target.PermissionLevel) {
		newLevel := *upd.PermissionLevel
		if !newLevel.Valid() {
			return nil, errs.Validation(src, errs.CodeDataInvalid, "%v", model.ErrInvalidLevel)
		}
		if !rbac.CanAssignLevel(opLevel, targetLevel, newLevel, self, owns) {
			return nil, errs.Permission(src, "cannot change level from %s to %s", target.PermissionLevel, newLevel)
		}
	}
	if upd.IsBlocked != nil && *upd.IsBlocked != target.IsBlocked && self {
		return nil, errs.Permission(src, "cannot change your own blocked state")
	}

	upd.Apply(target)
	if err := target.Validate(); err != nil {
		return nil, errs.Validation(src, errs.CodeDataInvalid, "%v", err)
	}
	if err := m.store.UpdateMember(ctx, target); err != nil {
		return nil, errs.Server(src, err)
	}

	m.metrics.MembersUpdated.Add(1)
	m.announce(op, target)
	return target, nil
}

func (m *MembershipManager) announce(op Operator, mem *model.Member) {
	m.router.ToConn(op.Conn, protocol.EventMemberUpdate, mem)
	if mem.UserID != op.UserID {
		m.router.ToUser(mem.UserID, protocol.EventMemberUpdate, mem)
	}
}
