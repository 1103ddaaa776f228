package server

import (
	"strings"
	"testing"

	"github.com/NicolasHaas/roomspeak/pkg/errs"
	"github.com/NicolasHaas/roomspeak/pkg/model"
	"github.com/NicolasHaas/roomspeak/pkg/protocol"
)

func TestUpdateMember(t *testing.T) {
	tcases := map[string]struct {
		actor    model.Level
		target   model.Level // ignored for self updates
		self     bool
		owner    bool // the actor owns the server
		update   model.MemberUpdate
		wantCode string
	}{
		"promote guest": {
			actor: model.LevelServerAdmin, target: model.LevelGuest,
			update: model.MemberUpdate{PermissionLevel: ptr(model.LevelMember)},
		},
		"grant own level": {
			actor: model.LevelServerAdmin, target: model.LevelGuest,
			update:   model.MemberUpdate{PermissionLevel: ptr(model.LevelServerAdmin)},
			wantCode: errs.CodePermissionDenied,
		},
		"edit peer": {
			actor: model.LevelServerAdmin, target: model.LevelServerAdmin,
			update:   model.MemberUpdate{Nickname: ptr("peer")},
			wantCode: errs.CodePermissionDenied,
		},
		"demote member to guest": {
			actor: model.LevelServerAdmin, target: model.LevelMember,
			update:   model.MemberUpdate{PermissionLevel: ptr(model.LevelGuest)},
			wantCode: errs.CodePermissionDenied,
		},
		"demote admin to member": {
			actor: model.LevelOwner, target: model.LevelChannelAdmin,
			update: model.MemberUpdate{PermissionLevel: ptr(model.LevelMember)},
		},
		"raise own level": {
			actor: model.LevelMember, self: true,
			update:   model.MemberUpdate{PermissionLevel: ptr(model.LevelChannelAdmin)},
			wantCode: errs.CodePermissionDenied,
		},
		"confirm own level": {
			actor: model.LevelMember, self: true,
			update: model.MemberUpdate{PermissionLevel: ptr(model.LevelMember), Nickname: ptr("me")},
		},
		"rename self": {
			actor: model.LevelGuest, self: true,
			update: model.MemberUpdate{Nickname: ptr("newbie")},
		},
		"block self": {
			actor: model.LevelMember, self: true,
			update:   model.MemberUpdate{IsBlocked: ptr(true)},
			wantCode: errs.CodePermissionDenied,
		},
		"owner reclaims owner level": {
			actor: model.LevelServerAdmin, self: true, owner: true,
			update: model.MemberUpdate{PermissionLevel: ptr(model.LevelOwner)},
		},
		"empty patch on peer": {
			actor: model.LevelMember, target: model.LevelMember,
			wantCode: errs.CodePermissionDenied,
		},
		"empty patch on senior": {
			actor: model.LevelGuest, target: model.LevelServerAdmin,
			wantCode: errs.CodePermissionDenied,
		},
		"block guest": {
			actor: model.LevelChannelAdmin, target: model.LevelGuest,
			update: model.MemberUpdate{IsBlocked: ptr(true)},
		},
		"invalid level": {
			actor: model.LevelOwner, target: model.LevelGuest,
			update:   model.MemberUpdate{PermissionLevel: ptr(model.LevelStaff)},
			wantCode: errs.CodeDataInvalid,
		},
		"nickname too long": {
			actor: model.LevelServerAdmin, target: model.LevelGuest,
			update:   model.MemberUpdate{Nickname: ptr(strings.Repeat("n", model.MaxNicknameLength+1))},
			wantCode: errs.CodeDataInvalid,
		},
	}

	for name, tc := range tcases {
		t.Run(name, func(t *testing.T) {
			w := newWorld(t)
			owner := w.user("owner")
			srv := w.server(owner, model.ServerPublic)

			actor := owner
			if tc.owner {
				m, _ := w.st.GetMember(w.ctx, owner.ID, srv.ID)
				m.PermissionLevel = tc.actor
				if err := w.st.UpdateMember(w.ctx, m); err != nil {
					t.Fatalf("UpdateMember: %v", err)
				}
			} else {
				actor = w.user("actor")
				w.member(actor, srv, tc.actor)
			}
			target := actor
			if !tc.self {
				target = w.user("target")
				w.member(target, srv, tc.target)
			}
			before, _ := w.st.GetMember(w.ctx, target.ID, srv.ID)

			got, err := w.srv.Members().UpdateMember(w.ctx, Operator{UserID: actor.ID}, protocol.UpdateMemberRequest{
				Member: tc.update, UserID: target.ID, ServerID: srv.ID,
			})
			if code := errCode(err); code != tc.wantCode {
				t.Fatalf("UpdateMember: want=%q got=%q", tc.wantCode, code)
			}

			stored, _ := w.st.GetMember(w.ctx, target.ID, srv.ID)
			if tc.wantCode != "" {
				if *stored != *before {
					t.Fatalf("rejected update was persisted: %+v -> %+v", before, stored)
				}
				return
			}
			want := *before
			tc.update.Apply(&want)
			if *stored != want || *got != want {
				t.Fatalf("member: want=%+v stored=%+v returned=%+v", want, stored, got)
			}
		})
	}
}

func TestUpdateMemberMissing(t *testing.T) {
	w := newWorld(t)
	owner := w.user("owner")
	srv := w.server(owner, model.ServerPublic)
	stranger := w.user("stranger")

	_, err := w.srv.Members().UpdateMember(w.ctx, Operator{UserID: owner.ID}, protocol.UpdateMemberRequest{
		Member: model.MemberUpdate{Nickname: ptr("x")}, UserID: stranger.ID, ServerID: srv.ID,
	})
	if got := errCode(err); got != errs.CodeMemberNotFound {
		t.Fatalf("want=%s got=%s", errs.CodeMemberNotFound, got)
	}
}

func TestUpdateMemberOutsider(t *testing.T) {
	w := newWorld(t)
	owner := w.user("owner")
	srv := w.server(owner, model.ServerPrivate)
	outsider := w.user("outsider")
	oc, ownc := w.connect(outsider), w.connect(owner)
	w.frames.reset()

	got, err := w.srv.Members().UpdateMember(w.ctx, op(outsider, oc), protocol.UpdateMemberRequest{
		UserID: owner.ID, ServerID: srv.ID,
	})
	if code := errCode(err); code != errs.CodePermissionDenied {
		t.Fatalf("want=%s got=%q", errs.CodePermissionDenied, code)
	}
	if got != nil {
		t.Fatalf("member leaked to outsider: %+v", got)
	}
	if w.frames.index(ownc.ID(), protocol.EventMemberUpdate, nil) >= 0 {
		t.Fatalf("owner was sent a memberUpdate")
	}
	if n := w.srv.Metrics().MembersUpdated.Load(); n != 0 {
		t.Fatalf("MembersUpdated: want=0 got=%d", n)
	}
}

func TestUpdateMemberNotifiesTarget(t *testing.T) {
	w := newWorld(t)
	owner := w.user("owner")
	srv := w.server(owner, model.ServerPublic)
	alice := w.user("alice")
	w.member(alice, srv, model.LevelGuest)
	oc, ac := w.connect(owner), w.connect(alice)

	_, err := w.srv.Members().UpdateMember(w.ctx, op(owner, oc), protocol.UpdateMemberRequest{
		Member: model.MemberUpdate{PermissionLevel: ptr(model.LevelMember)}, UserID: alice.ID, ServerID: srv.ID,
	})
	if err != nil {
		t.Fatalf("UpdateMember: %v", err)
	}
	for _, c := range []*fakeConn{oc, ac} {
		if w.frames.index(c.ID(), protocol.EventMemberUpdate, nil) < 0 {
			t.Fatalf("%s got no memberUpdate", c.ID())
		}
	}
}

func TestCreateMember(t *testing.T) {
	w := newWorld(t)
	owner := w.user("owner")
	srv := w.server(owner, model.ServerPublic)
	admin, alice, bob := w.user("admin"), w.user("alice"), w.user("bob")
	w.member(admin, srv, model.LevelServerAdmin)
	mgr := w.srv.Members()

	m, err := mgr.CreateMember(w.ctx, Operator{UserID: admin.ID}, protocol.CreateMemberRequest{
		Member: protocol.MemberDraft{PermissionLevel: model.LevelMember}, UserID: alice.ID, ServerID: srv.ID,
	})
	if err != nil {
		t.Fatalf("CreateMember: %v", err)
	}
	if m.PermissionLevel != model.LevelMember {
		t.Fatalf("level: want=%s got=%s", model.LevelMember, m.PermissionLevel)
	}

	_, err = mgr.CreateMember(w.ctx, Operator{UserID: admin.ID}, protocol.CreateMemberRequest{
		UserID: alice.ID, ServerID: srv.ID,
	})
	if got := errCode(err); got != errs.CodeMemberExists {
		t.Fatalf("duplicate: want=%s got=%s", errs.CodeMemberExists, got)
	}

	_, err = mgr.CreateMember(w.ctx, Operator{UserID: admin.ID}, protocol.CreateMemberRequest{
		Member: protocol.MemberDraft{PermissionLevel: model.LevelServerAdmin}, UserID: bob.ID, ServerID: srv.ID,
	})
	if got := errCode(err); got != errs.CodePermissionDenied {
		t.Fatalf("grant own level: want=%s got=%s", errs.CodePermissionDenied, got)
	}

	// Anyone may sign themselves up as a guest.
	m, err = mgr.CreateMember(w.ctx, Operator{UserID: bob.ID}, protocol.CreateMemberRequest{
		UserID: bob.ID, ServerID: srv.ID,
	})
	if err != nil {
		t.Fatalf("self signup: %v", err)
	}
	if m.PermissionLevel != model.LevelGuest {
		t.Fatalf("self signup level: want=%s got=%s", model.LevelGuest, m.PermissionLevel)
	}

	_, err = mgr.CreateMember(w.ctx, Operator{UserID: admin.ID}, protocol.CreateMemberRequest{
		UserID: "ghost", ServerID: srv.ID,
	})
	if got := errCode(err); got != errs.CodeUserNotFound {
		t.Fatalf("unknown user: want=%s got=%s", errs.CodeUserNotFound, got)
	}
}
