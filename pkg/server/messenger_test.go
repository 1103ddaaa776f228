package server

import (
	"errors"
	"testing"
	"time"

	"github.com/NicolasHaas/roomspeak/pkg/errs"
	"github.com/NicolasHaas/roomspeak/pkg/model"
	"github.com/NicolasHaas/roomspeak/pkg/protocol"
)

func TestPostGating(t *testing.T) {
	w := newWorld(t)
	owner := w.user("owner")
	srv := w.server(owner, model.ServerPublic)
	x := w.channel(srv, "x", func(ch *model.Channel) {
		ch.ForbidGuestURL = true
		ch.SlowmodeSeconds = 30
		ch.GuestTextWait = 10
	})
	guest, member := w.user("guest"), w.user("member")
	w.member(member, srv, model.LevelMember)
	gc, mc := w.connect(guest), w.connect(member)
	w.enter(gc, guest, srv)
	w.enter(mc, member, srv)
	w.mustJoin(gc, guest, x)
	w.mustJoin(mc, member, x)

	post := func(u *model.User, c Conn, content string) error {
		_, err := w.srv.Messenger().Post(w.ctx, op(u, c), protocol.SendMessageRequest{
			ServerID: srv.ID, ChannelID: x.ID, Content: content,
		})
		return err
	}

	if got := errCode(post(guest, gc, "hi")); got != errs.CodeDataInvalid {
		t.Fatalf("guest before wait: want=%s got=%s", errs.CodeDataInvalid, got)
	}
	w.clock.Advance(11 * time.Second)

	if err := post(guest, gc, "see www.example.com"); !errors.Is(err, errs.ErrPermissionDenied) {
		t.Fatalf("guest link: want PERMISSION_DENIED got %v", err)
	}
	if err := post(member, mc, "see https://example.com"); err != nil {
		t.Fatalf("member link: %v", err)
	}
	if got := errCode(post(member, mc, "again")); got != errs.CodeDataInvalid {
		t.Fatalf("slowmode: want=%s got=%s", errs.CodeDataInvalid, got)
	}
	w.clock.Advance(30 * time.Second)
	if err := post(member, mc, "again"); err != nil {
		t.Fatalf("after slowmode: %v", err)
	}
	if err := post(owner, nil, "owner is elsewhere"); !errors.Is(err, errs.ErrPermissionDenied) {
		t.Fatalf("not in channel: want PERMISSION_DENIED got %v", err)
	}

	msgs, err := w.st.ListChannelMessages(w.ctx, x.ID, 10)
	if err != nil {
		t.Fatalf("ListChannelMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("stored messages: want=2 got=%d", len(msgs))
	}
	for _, c := range []*fakeConn{gc, mc} {
		if w.frames.index(c.ID(), protocol.EventOnMessage, nil) < 0 {
			t.Fatalf("%s got no onMessage", c.ID())
		}
	}
}

func TestPostForbidText(t *testing.T) {
	w := newWorld(t)
	owner := w.user("owner")
	srv := w.server(owner, model.ServerPublic)
	x := w.channel(srv, "quiet", func(ch *model.Channel) { ch.ForbidText = true })
	member, admin := w.user("member"), w.user("admin")
	w.member(member, srv, model.LevelMember)
	w.member(admin, srv, model.LevelChannelAdmin)
	mc, ac := w.connect(member), w.connect(admin)
	w.enter(mc, member, srv)
	w.enter(ac, admin, srv)
	w.mustJoin(mc, member, x)
	w.mustJoin(ac, admin, x)

	req := protocol.SendMessageRequest{ServerID: srv.ID, ChannelID: x.ID, Content: "hello"}
	if _, err := w.srv.Messenger().Post(w.ctx, op(member, mc), req); !errors.Is(err, errs.ErrPermissionDenied) {
		t.Fatalf("member: want PERMISSION_DENIED got %v", err)
	}
	if _, err := w.srv.Messenger().Post(w.ctx, op(admin, ac), req); err != nil {
		t.Fatalf("channel admin: %v", err)
	}
	if got := w.srv.Metrics().MessagesSent.Load(); got != 1 {
		t.Fatalf("MessagesSent: want=1 got=%d", got)
	}
}
