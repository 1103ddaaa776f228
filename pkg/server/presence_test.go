package server

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/NicolasHaas/roomspeak/pkg/auth"
	"github.com/NicolasHaas/roomspeak/pkg/errs"
	"github.com/NicolasHaas/roomspeak/pkg/model"
	"github.com/NicolasHaas/roomspeak/pkg/protocol"
)

func TestConnectServerJoinsLobby(t *testing.T) {
	w := newWorld(t)
	owner := w.user("owner")
	srv := w.server(owner, model.ServerPublic)
	alice := w.user("alice")
	c := w.connect(alice)

	w.enter(c, alice, srv)

	if serverID, channelID := w.location(alice.ID); serverID != srv.ID || channelID != srv.LobbyChannelID {
		t.Fatalf("location: got (%s, %s), want (%s, %s)", serverID, channelID, srv.ID, srv.LobbyChannelID)
	}
	m, err := w.st.GetMember(w.ctx, alice.ID, srv.ID)
	if err != nil || m == nil {
		t.Fatalf("GetMember: %v %v", m, err)
	}
	if m.PermissionLevel != model.LevelGuest {
		t.Fatalf("first entry level: want=%s got=%s", model.LevelGuest, m.PermissionLevel)
	}
	for _, room := range []string{ServerRoom(srv.ID), ChannelRoom(srv.LobbyChannelID), RTCRoom(srv.LobbyChannelID)} {
		if !w.srv.Rooms().In(c.ID(), room) {
			t.Fatalf("connection not in room %s", room)
		}
	}
	if w.frames.index(c.ID(), protocol.EventServerUpdate, nil) < 0 {
		t.Fatalf("no serverUpdate snapshot")
	}
	w.assertConsistent(alice)
}

func TestConnectServerRestricted(t *testing.T) {
	w := newWorld(t)
	owner := w.user("owner")
	private := w.server(owner, model.ServerPrivate)
	hidden := w.server(owner, model.ServerInvisible)
	stranger := w.user("stranger")
	friend := w.user("friend")
	w.member(friend, private, model.LevelGuest)
	w.member(friend, hidden, model.LevelMember)

	sc := w.connect(stranger)
	for _, srv := range []*model.Server{private, hidden} {
		w.frames.reset()
		w.enter(sc, stranger, srv)
		if serverID, _ := w.location(stranger.ID); serverID != "" {
			t.Fatalf("stranger entered %s server", srv.Visibility)
		}
		if w.frames.index(sc.ID(), protocol.EventOpenPopup, isPopup(protocol.PopupApplyMember)) < 0 {
			t.Fatalf("no applyMember popup for %s server", srv.Visibility)
		}
	}

	fc := w.connect(friend)
	for _, srv := range []*model.Server{private, hidden} {
		w.enter(fc, friend, srv)
		if serverID, _ := w.location(friend.ID); serverID != srv.ID {
			t.Fatalf("member could not enter %s server", srv.Visibility)
		}
	}
	w.assertConsistent(stranger, friend)
}

func TestConnectServerBlocked(t *testing.T) {
	w := newWorld(t)
	owner := w.user("owner")
	srv := w.server(owner, model.ServerPublic)
	alice := w.user("alice")
	m := w.member(alice, srv, model.LevelMember)
	m.IsBlocked = true
	if err := w.st.UpdateMember(w.ctx, m); err != nil {
		t.Fatalf("UpdateMember: %v", err)
	}

	c := w.connect(alice)
	err := w.srv.Presence().ConnectServer(w.ctx, op(alice, c), protocol.ConnectServerRequest{UserID: alice.ID, ServerID: srv.ID})
	if !errors.Is(err, errs.ErrPermissionDenied) {
		t.Fatalf("ConnectServer: want PERMISSION_DENIED got %v", err)
	}
}

func TestConnectChannelPermissionDenied(t *testing.T) {
	w := newWorld(t)
	owner := w.user("owner")
	srv := w.server(owner, model.ServerPublic)
	members := w.channel(srv, "members", func(ch *model.Channel) { ch.Visibility = model.ChannelMember })
	guest := w.user("guest")
	c := w.connect(guest)
	w.enter(c, guest, srv)

	w.dispatch(c, protocol.EventConnectChannel, protocol.ConnectChannelRequest{
		UserID: guest.ID, ChannelID: members.ID, ServerID: srv.ID,
	})

	e := w.lastError(c.ID())
	if e == nil || e.Code != errs.CodePermissionDenied || e.Source != protocol.EventConnectChannel {
		t.Fatalf("error event: got %+v", e)
	}
	if _, channelID := w.location(guest.ID); channelID != srv.LobbyChannelID {
		t.Fatalf("denied move changed channel to %s", channelID)
	}
	if got := w.srv.Metrics().PermissionDenials.Load(); got != 1 {
		t.Fatalf("PermissionDenials: want=1 got=%d", got)
	}
}

func TestChannelMoveLeavesBeforeJoining(t *testing.T) {
	w := newWorld(t)
	owner := w.user("owner")
	srv := w.server(owner, model.ServerPublic)
	x := w.channel(srv, "x")
	y := w.channel(srv, "y")
	alice, bob, carol := w.user("alice"), w.user("bob"), w.user("carol")

	ac, bc, cc := w.connect(alice), w.connect(bob), w.connect(carol)
	w.enter(ac, alice, srv)
	w.enter(bc, bob, srv)
	w.enter(cc, carol, srv)
	w.mustJoin(ac, alice, x)
	w.mustJoin(bc, bob, x)
	w.mustJoin(cc, carol, y)
	w.frames.reset()

	tr, err := w.srv.Presence().ConnectChannel(w.ctx, op(alice, ac), protocol.ConnectChannelRequest{
		UserID: alice.ID, ChannelID: y.ID, ServerID: srv.ID,
	})
	if err != nil {
		t.Fatalf("ConnectChannel: %v", err)
	}
	if !tr.Left || !tr.Joined || tr.From != x.ID || tr.To != y.ID {
		t.Fatalf("transition: got %+v", tr)
	}

	leave := w.frames.index(bc.ID(), protocol.EventPlaySound, isSound(protocol.SoundLeave))
	join := w.frames.index(cc.ID(), protocol.EventPlaySound, isSound(protocol.SoundJoin))
	if leave < 0 || join < 0 {
		t.Fatalf("missing sounds: leave=%d join=%d frames=%+v", leave, join, w.frames.all())
	}
	if leave > join {
		t.Fatalf("join in y (%d) emitted before leave in x (%d)", join, leave)
	}
	if w.frames.index(ac.ID(), protocol.EventPlaySound, nil) >= 0 {
		t.Fatalf("mover heard their own sound")
	}

	if _, channelID := w.location(alice.ID); channelID != y.ID {
		t.Fatalf("final channel: want=%s got=%s", y.ID, channelID)
	}
	rooms := w.srv.Rooms()
	if rooms.In(ac.ID(), ChannelRoom(x.ID)) || rooms.In(ac.ID(), RTCRoom(x.ID)) {
		t.Fatalf("mover still in x rooms: %v", rooms.RoomsOf(ac.ID()))
	}
	if !rooms.In(ac.ID(), ChannelRoom(y.ID)) || !rooms.In(ac.ID(), RTCRoom(y.ID)) {
		t.Fatalf("mover missing y rooms: %v", rooms.RoomsOf(ac.ID()))
	}
	w.assertConsistent(alice, bob, carol)
}

func TestConnectChannelSameChannelResendsSnapshot(t *testing.T) {
	w := newWorld(t)
	owner := w.user("owner")
	srv := w.server(owner, model.ServerPublic)
	alice := w.user("alice")
	c := w.connect(alice)
	w.enter(c, alice, srv)
	joins := w.srv.Metrics().ChannelJoins.Load()
	w.frames.reset()

	lobby := &model.Channel{ID: srv.LobbyChannelID, ServerID: srv.ID}
	w.mustJoin(c, alice, lobby)

	if got := w.srv.Metrics().ChannelJoins.Load(); got != joins {
		t.Fatalf("rejoin counted as a join: %d -> %d", joins, got)
	}
	if w.frames.index(c.ID(), protocol.EventChannelUpdate, nil) < 0 {
		t.Fatalf("no channel snapshot on rejoin")
	}
}

func TestConnectChannelGates(t *testing.T) {
	w := newWorld(t)
	owner := w.user("owner")
	srv := w.server(owner, model.ServerPublic)
	hash, err := auth.HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	locked := w.channel(srv, "locked", func(ch *model.Channel) { ch.PasswordHash = hash })
	small := w.channel(srv, "small", func(ch *model.Channel) { ch.UserLimit = 1 })
	private := w.channel(srv, "private", func(ch *model.Channel) { ch.Visibility = model.ChannelPrivate })
	category := w.channel(srv, "category", func(ch *model.Channel) { ch.Type = model.TypeCategory })

	alice, bob, admin := w.user("alice"), w.user("bob"), w.user("admin")
	w.member(admin, srv, model.LevelServerAdmin)
	ac, bc, dc := w.connect(alice), w.connect(bob), w.connect(admin)
	w.enter(ac, alice, srv)
	w.enter(bc, bob, srv)
	w.enter(dc, admin, srv)
	w.mustJoin(bc, bob, small)

	t.Run("password prompt", func(t *testing.T) {
		w.frames.reset()
		if err := w.join(ac, alice, locked); err != nil {
			t.Fatalf("ConnectChannel without password: %v", err)
		}
		if w.frames.index(ac.ID(), protocol.EventOpenPopup, isPopup(protocol.PopupChannelPassword)) < 0 {
			t.Fatalf("no channelPassword popup")
		}
		if _, channelID := w.location(alice.ID); channelID != srv.LobbyChannelID {
			t.Fatalf("moved without password")
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		_, err := w.srv.Presence().ConnectChannel(w.ctx, op(alice, ac), protocol.ConnectChannelRequest{
			UserID: alice.ID, ChannelID: locked.ID, ServerID: srv.ID, Password: "letmein",
		})
		if got := errCode(err); got != errs.CodePasswordInvalid {
			t.Fatalf("want=%s got=%s", errs.CodePasswordInvalid, got)
		}
	})

	t.Run("right password", func(t *testing.T) {
		_, err := w.srv.Presence().ConnectChannel(w.ctx, op(alice, ac), protocol.ConnectChannelRequest{
			UserID: alice.ID, ChannelID: locked.ID, ServerID: srv.ID, Password: "hunter2",
		})
		if err != nil {
			t.Fatalf("ConnectChannel: %v", err)
		}
		if _, channelID := w.location(alice.ID); channelID != locked.ID {
			t.Fatalf("not moved with right password")
		}
	})

	t.Run("full", func(t *testing.T) {
		if got := errCode(w.join(ac, alice, small)); got != errs.CodeChannelFull {
			t.Fatalf("want=%s got=%s", errs.CodeChannelFull, got)
		}
	})

	t.Run("admin bypasses limits", func(t *testing.T) {
		w.mustJoin(dc, admin, small)
		w.mustJoin(dc, admin, locked)
	})

	t.Run("private", func(t *testing.T) {
		if err := w.join(ac, alice, private); !errors.Is(err, errs.ErrPermissionDenied) {
			t.Fatalf("want PERMISSION_DENIED got %v", err)
		}
		w.mustJoin(dc, admin, private)
	})

	t.Run("category", func(t *testing.T) {
		if got := errCode(w.join(dc, admin, category)); got != errs.CodeDataInvalid {
			t.Fatalf("want=%s got=%s", errs.CodeDataInvalid, got)
		}
	})

	t.Run("wrong server", func(t *testing.T) {
		other := w.server(w.user("other"), model.ServerPublic)
		_, err := w.srv.Presence().ConnectChannel(w.ctx, op(alice, ac), protocol.ConnectChannelRequest{
			UserID: alice.ID, ChannelID: small.ID, ServerID: other.ID,
		})
		if got := errCode(err); got != errs.CodeDataInvalid {
			t.Fatalf("want=%s got=%s", errs.CodeDataInvalid, got)
		}
	})

	t.Run("unknown channel", func(t *testing.T) {
		_, err := w.srv.Presence().ConnectChannel(w.ctx, op(alice, ac), protocol.ConnectChannelRequest{
			UserID: alice.ID, ChannelID: "nope", ServerID: srv.ID,
		})
		if !errors.Is(err, errs.ErrChannelNotFound) {
			t.Fatalf("want CHANNEL_NOT_FOUND got %v", err)
		}
	})

	w.assertConsistent(alice, bob, admin)
}

func TestMoveOtherUser(t *testing.T) {
	w := newWorld(t)
	owner := w.user("owner")
	srv := w.server(owner, model.ServerPublic)
	y := w.channel(srv, "y")
	guest, admin, away := w.user("guest"), w.user("admin"), w.user("away")
	w.member(admin, srv, model.LevelServerAdmin)
	w.member(away, srv, model.LevelGuest)
	gc, dc := w.connect(guest), w.connect(admin)
	w.enter(gc, guest, srv)
	w.enter(dc, admin, srv)
	w.frames.reset()

	moveGuest := protocol.ConnectChannelRequest{UserID: guest.ID, ChannelID: y.ID, ServerID: srv.ID}
	if _, err := w.srv.Presence().ConnectChannel(w.ctx, op(admin, dc), moveGuest); err != nil {
		t.Fatalf("admin moving guest: %v", err)
	}
	if _, channelID := w.location(guest.ID); channelID != y.ID {
		t.Fatalf("guest not moved: %s", channelID)
	}
	if !w.srv.Rooms().In(gc.ID(), ChannelRoom(y.ID)) {
		t.Fatalf("guest's connection not moved to y")
	}
	if w.srv.Rooms().In(dc.ID(), ChannelRoom(y.ID)) {
		t.Fatalf("operator's connection joined the target's room")
	}

	moveAdmin := protocol.ConnectChannelRequest{UserID: admin.ID, ChannelID: y.ID, ServerID: srv.ID}
	if _, err := w.srv.Presence().ConnectChannel(w.ctx, op(guest, gc), moveAdmin); !errors.Is(err, errs.ErrPermissionDenied) {
		t.Fatalf("guest moving admin: want PERMISSION_DENIED got %v", err)
	}

	moveAway := protocol.ConnectChannelRequest{UserID: away.ID, ChannelID: y.ID, ServerID: srv.ID}
	_, err := w.srv.Presence().ConnectChannel(w.ctx, op(admin, dc), moveAway)
	if got := errCode(err); got != errs.CodeConnectionNotFound {
		t.Fatalf("moving offline user: want=%s got=%s", errs.CodeConnectionNotFound, got)
	}
	w.assertConsistent(guest, admin, away)
}

func TestDisconnectChannelIdempotent(t *testing.T) {
	w := newWorld(t)
	owner := w.user("owner")
	srv := w.server(owner, model.ServerPublic)
	x := w.channel(srv, "x")
	alice := w.user("alice")
	c := w.connect(alice)
	w.enter(c, alice, srv)
	w.mustJoin(c, alice, x)

	req := protocol.DisconnectChannelRequest{UserID: alice.ID, ChannelID: x.ID, ServerID: srv.ID}
	if err := w.srv.Presence().DisconnectChannel(w.ctx, op(alice, c), req); err != nil {
		t.Fatalf("DisconnectChannel: %v", err)
	}
	serverID, channelID := w.location(alice.ID)
	if serverID != srv.ID || channelID != "" {
		t.Fatalf("location: got (%s, %s), want (%s, \"\")", serverID, channelID, srv.ID)
	}
	leaves := w.srv.Metrics().ChannelLeaves.Load()
	w.frames.reset()

	if err := w.srv.Presence().DisconnectChannel(w.ctx, op(alice, c), req); err != nil {
		t.Fatalf("second DisconnectChannel: %v", err)
	}
	if frames := w.frames.all(); len(frames) != 0 {
		t.Fatalf("second disconnect emitted %+v", frames)
	}
	if got := w.srv.Metrics().ChannelLeaves.Load(); got != leaves {
		t.Fatalf("ChannelLeaves changed: %d -> %d", leaves, got)
	}
	if w.srv.Rooms().In(c.ID(), ChannelRoom(x.ID)) {
		t.Fatalf("still in channel room")
	}
}

func TestDisconnectServer(t *testing.T) {
	w := newWorld(t)
	owner := w.user("owner")
	srv := w.server(owner, model.ServerPublic)
	x := w.channel(srv, "x")
	alice := w.user("alice")
	c := w.connect(alice)
	w.enter(c, alice, srv)
	w.mustJoin(c, alice, x)

	req := protocol.DisconnectServerRequest{UserID: alice.ID, ServerID: srv.ID}
	for i := 0; i < 2; i++ {
		if err := w.srv.Presence().DisconnectServer(w.ctx, op(alice, c), req); err != nil {
			t.Fatalf("DisconnectServer #%d: %v", i+1, err)
		}
		if serverID, channelID := w.location(alice.ID); serverID != "" || channelID != "" {
			t.Fatalf("location: got (%s, %s)", serverID, channelID)
		}
	}
	if rooms := w.srv.Rooms().RoomsOf(c.ID()); len(rooms) != 0 {
		t.Fatalf("connection still in rooms %v", rooms)
	}
	if got := w.srv.Metrics().ServerLeaves.Load(); got != 1 {
		t.Fatalf("ServerLeaves: want=1 got=%d", got)
	}
}

func TestSwitchServerLeavesPrevious(t *testing.T) {
	w := newWorld(t)
	owner := w.user("owner")
	first := w.server(owner, model.ServerPublic)
	second := w.server(owner, model.ServerPublic)
	alice := w.user("alice")
	c := w.connect(alice)
	w.enter(c, alice, first)
	w.enter(c, alice, second)

	if serverID, channelID := w.location(alice.ID); serverID != second.ID || channelID != second.LobbyChannelID {
		t.Fatalf("location: got (%s, %s)", serverID, channelID)
	}
	if w.srv.Rooms().In(c.ID(), ServerRoom(first.ID)) || w.srv.Rooms().In(c.ID(), ChannelRoom(first.LobbyChannelID)) {
		t.Fatalf("still in first server rooms: %v", w.srv.Rooms().RoomsOf(c.ID()))
	}
	w.assertConsistent(alice)
}

func TestCreateServer(t *testing.T) {
	w := newWorld(t, func(cfg *Config) {
		cfg.SpecialAccounts = map[string]model.Level{"staff-1": model.LevelStaff}
	})
	alice := w.user("alice")
	c := w.connect(alice)
	limit := model.OwnedServerLimit(alice.Level)

	var created []*model.Server
	for i := 0; i < limit; i++ {
		srv, err := w.srv.Presence().CreateServer(w.ctx, op(alice, c), protocol.CreateServerRequest{
			Server: protocol.ServerDraft{Name: "guild"},
		})
		if err != nil {
			t.Fatalf("CreateServer #%d: %v", i+1, err)
		}
		created = append(created, srv)
	}

	_, err := w.srv.Presence().CreateServer(w.ctx, op(alice, c), protocol.CreateServerRequest{
		Server: protocol.ServerDraft{Name: "one too many"},
	})
	if !errors.Is(err, errs.ErrServerLimit) {
		t.Fatalf("over the cap: want SERVER_LIMIT_REACHED got %v", err)
	}
	if n, _ := w.st.CountServersOwnedBy(w.ctx, alice.ID); n != limit {
		t.Fatalf("owned servers: want=%d got=%d", limit, n)
	}

	srv := created[0]
	if srv.Visibility != model.ServerPublic {
		t.Fatalf("default visibility: got %s", srv.Visibility)
	}
	m, err := w.st.GetMember(w.ctx, alice.ID, srv.ID)
	if err != nil || m == nil || m.PermissionLevel != model.LevelOwner {
		t.Fatalf("owner membership: %+v %v", m, err)
	}
	lobby, err := w.st.GetChannel(w.ctx, srv.LobbyChannelID)
	if err != nil || lobby == nil || !lobby.IsLobby {
		t.Fatalf("lobby: %+v %v", lobby, err)
	}
	var view protocol.ServerView
	frames := w.frames.to(c.ID())
	for _, f := range frames {
		if f.Event == protocol.EventServerUpdate {
			if err := json.Unmarshal(f.Data, &view); err != nil {
				t.Fatalf("decode serverUpdate: %v", err)
			}
			break
		}
	}
	if view.ID != srv.ID || len(view.Channels) != 1 {
		t.Fatalf("serverUpdate: got %+v", view)
	}

	t.Run("invalid", func(t *testing.T) {
		_, err := w.srv.Presence().CreateServer(w.ctx, op(alice, c), protocol.CreateServerRequest{
			Server: protocol.ServerDraft{Name: "   "},
		})
		if got := errCode(err); got != errs.CodeDataInvalid {
			t.Fatalf("want=%s got=%s", errs.CodeDataInvalid, got)
		}
	})

	t.Run("special account bypasses cap", func(t *testing.T) {
		staff := &model.User{ID: "staff-1", Name: "staff"}
		if err := w.st.CreateUser(w.ctx, staff); err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
		sc := w.connect(staff)
		for i := 0; i <= limit; i++ {
			if _, err := w.srv.Presence().CreateServer(w.ctx, op(staff, sc), protocol.CreateServerRequest{
				Server: protocol.ServerDraft{Name: "hq"},
			}); err != nil {
				t.Fatalf("CreateServer #%d: %v", i+1, err)
			}
		}
	})
}

func TestResumeRejoinsRooms(t *testing.T) {
	w := newWorld(t)
	owner := w.user("owner")
	srv := w.server(owner, model.ServerPublic)
	x := w.channel(srv, "x")
	alice, bob := w.user("alice"), w.user("bob")
	ac, bc := w.connect(alice), w.connect(bob)
	w.enter(ac, alice, srv)
	w.enter(bc, bob, srv)
	w.mustJoin(ac, alice, x)
	w.mustJoin(bc, bob, x)
	w.frames.reset()

	next := w.connect(alice)
	for _, room := range []string{ServerRoom(srv.ID), ChannelRoom(x.ID), RTCRoom(x.ID)} {
		if !w.srv.Rooms().In(next.ID(), room) {
			t.Fatalf("replacement not in %s", room)
		}
	}
	if w.frames.index(bc.ID(), protocol.EventRTCJoin, nil) < 0 {
		t.Fatalf("peer not told about the replacement RTC connection")
	}
	if _, channelID := w.location(alice.ID); channelID != x.ID {
		t.Fatalf("location lost across replacement: %s", channelID)
	}
}
