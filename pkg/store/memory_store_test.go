package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/NicolasHaas/roomspeak/pkg/model"
	"github.com/NicolasHaas/roomspeak/pkg/store"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// withStores runs fn against both the SQLite and in-memory implementations.
func withStores(t *testing.T, fn func(t *testing.T, st store.DataStore)) {
	t.Helper()

	t.Run("sqlite", func(t *testing.T) {
		st, err := NewTestSqlConn(t)
		if err != nil {
			t.Fatalf("failed to open test connection: %v", err)
		}
		fn(t, st)
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, store.NewMemory())
	})
}

func seedServer(t *testing.T, st store.DataStore) (*model.User, *model.Server) {
	t.Helper()
	ctx := context.Background()

	owner := &model.User{Name: "owner"}
	if err := st.CreateUser(ctx, owner); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	srv := &model.Server{Name: "guild", OwnerID: owner.ID, Visibility: model.ServerPublic}
	if err := st.CreateServer(ctx, srv); err != nil {
		t.Fatalf("CreateServer: %v", err)
	}
	return owner, srv
}

func TestStorePresenceFlow(t *testing.T) {
	withStores(t, func(t *testing.T, st store.DataStore) {
		ctx := context.Background()
		owner, srv := seedServer(t, st)

		lobby := model.NewLobby(srv.ID)
		if err := st.CreateChannel(ctx, lobby); err != nil {
			t.Fatalf("CreateChannel: %v", err)
		}
		if err := st.SetServerLobby(ctx, srv.ID, lobby.ID); err != nil {
			t.Fatalf("SetServerLobby: %v", err)
		}

		at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		if err := st.SetUserServer(ctx, owner.ID, srv.ID, at); err != nil {
			t.Fatalf("SetUserServer: %v", err)
		}
		if err := st.SetUserChannel(ctx, owner.ID, lobby.ID, at); err != nil {
			t.Fatalf("SetUserChannel: %v", err)
		}

		occupants, err := st.ListChannelUsers(ctx, lobby.ID)
		if err != nil {
			t.Fatalf("ListChannelUsers: %v", err)
		}
		if len(occupants) != 1 || occupants[0].ID != owner.ID {
			t.Fatalf("ListChannelUsers = %+v, want owner only", occupants)
		}

		// Leaving the server clears the channel too.
		if err := st.SetUserServer(ctx, owner.ID, "", at.Add(time.Minute)); err != nil {
			t.Fatalf("SetUserServer clear: %v", err)
		}
		got, err := st.GetUser(ctx, owner.ID)
		if err != nil {
			t.Fatalf("GetUser: %v", err)
		}
		if got.CurrentServerID != "" || got.CurrentChannelID != "" {
			t.Fatalf("presence not cleared: server=%q channel=%q", got.CurrentServerID, got.CurrentChannelID)
		}
		if !got.LastActiveAt.Equal(at.Add(time.Minute)) {
			t.Fatalf("LastActiveAt = %v, want %v", got.LastActiveAt, at.Add(time.Minute))
		}

		srvGot, err := st.GetServer(ctx, srv.ID)
		if err != nil {
			t.Fatalf("GetServer: %v", err)
		}
		if srvGot.LobbyChannelID != lobby.ID {
			t.Fatalf("LobbyChannelID = %q, want %q", srvGot.LobbyChannelID, lobby.ID)
		}
	})
}

func TestStoreUpdateMissingUser(t *testing.T) {
	withStores(t, func(t *testing.T, st store.DataStore) {
		err := st.SetUserChannel(context.Background(), "ghost", "c", time.Now())
		if !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestStoreChannels(t *testing.T) {
	withStores(t, func(t *testing.T, st store.DataStore) {
		ctx := context.Background()
		_, srv := seedServer(t, st)

		category := &model.Channel{ServerID: srv.ID, Name: "Games", Type: model.TypeCategory,
			Visibility: model.ChannelPublic, VoiceMode: model.VoiceFree, Order: 1}
		if err := st.CreateChannel(ctx, category); err != nil {
			t.Fatalf("CreateChannel category: %v", err)
		}
		child := &model.Channel{ServerID: srv.ID, Name: "Raid", Type: model.TypeChannel, CategoryID: category.ID,
			Visibility: model.ChannelMember, VoiceMode: model.VoiceQueue, UserLimit: 5, Order: 2, ForbidGuestURL: true}
		if err := st.CreateChannel(ctx, child); err != nil {
			t.Fatalf("CreateChannel child: %v", err)
		}

		child.Name = "Raid night"
		child.ForbidText = true
		if err := st.UpdateChannel(ctx, child); err != nil {
			t.Fatalf("UpdateChannel: %v", err)
		}

		channels, err := st.ListServerChannels(ctx, srv.ID)
		if err != nil {
			t.Fatalf("ListServerChannels: %v", err)
		}
		want := []model.Channel{*category, *child}
		if diff := cmp.Diff(want, channels, cmpopts.IgnoreFields(model.Channel{}, "CreatedAt")); diff != "" {
			t.Errorf("ListServerChannels mismatch (-want +got):\n%s", diff)
		}

		if err := st.DeleteChannel(ctx, child.ID); err != nil {
			t.Fatalf("DeleteChannel: %v", err)
		}
		gone, err := st.GetChannel(ctx, child.ID)
		if err != nil {
			t.Fatalf("GetChannel: %v", err)
		}
		if gone != nil {
			t.Fatalf("expected deleted channel to be nil")
		}
	})
}

func TestStoreMembers(t *testing.T) {
	withStores(t, func(t *testing.T, st store.DataStore) {
		ctx := context.Background()
		owner, srv := seedServer(t, st)

		m := &model.Member{UserID: owner.ID, ServerID: srv.ID, PermissionLevel: model.LevelOwner, Nickname: "boss"}
		if err := st.CreateMember(ctx, m); err != nil {
			t.Fatalf("CreateMember: %v", err)
		}
		if err := st.CreateMember(ctx, m); err == nil {
			t.Fatalf("expected duplicate member error")
		}

		joined := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
		m.LastJoinChannelTime = joined
		m.IsBlocked = true
		if err := st.UpdateMember(ctx, m); err != nil {
			t.Fatalf("UpdateMember: %v", err)
		}
		if err := st.AddContribution(ctx, owner.ID, srv.ID, 1.5); err != nil {
			t.Fatalf("AddContribution: %v", err)
		}

		got, err := st.GetMember(ctx, owner.ID, srv.ID)
		if err != nil {
			t.Fatalf("GetMember: %v", err)
		}
		want := &model.Member{UserID: owner.ID, ServerID: srv.ID, PermissionLevel: model.LevelOwner,
			Nickname: "boss", Contribution: 1.5, LastJoinChannelTime: joined, IsBlocked: true}
		if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(model.Member{}, "CreatedAt")); diff != "" {
			t.Errorf("GetMember mismatch (-want +got):\n%s", diff)
		}

		if err := st.DeleteMember(ctx, owner.ID, srv.ID); err != nil {
			t.Fatalf("DeleteMember: %v", err)
		}
		if got, _ := st.GetMember(ctx, owner.ID, srv.ID); got != nil {
			t.Fatalf("expected member removed")
		}
	})
}

func TestStoreEventsAndBadges(t *testing.T) {
	withStores(t, func(t *testing.T, st store.DataStore) {
		ctx := context.Background()
		owner, srv := seedServer(t, st)

		start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		active := &model.Event{Name: "spring", ServerID: srv.ID, StartAt: start, EndAt: start.Add(24 * time.Hour),
			XPMultiplier: 0.5, DurationThreshold: time.Hour, BadgeID: "spring-badge"}
		expired := &model.Event{Name: "winter", StartAt: start.Add(-48 * time.Hour), EndAt: start}
		for _, e := range []*model.Event{active, expired} {
			if err := st.CreateEvent(ctx, e); err != nil {
				t.Fatalf("CreateEvent: %v", err)
			}
		}

		events, err := st.ListActiveEvents(ctx, start.Add(time.Hour))
		if err != nil {
			t.Fatalf("ListActiveEvents: %v", err)
		}
		if diff := cmp.Diff([]model.Event{*active}, events); diff != "" {
			t.Errorf("ListActiveEvents mismatch (-want +got):\n%s", diff)
		}

		total, err := st.AddEventParticipation(ctx, active.ID, owner.ID, 40*time.Minute)
		if err != nil {
			t.Fatalf("AddEventParticipation: %v", err)
		}
		total, err = st.AddEventParticipation(ctx, active.ID, owner.ID, 30*time.Minute)
		if err != nil {
			t.Fatalf("AddEventParticipation: %v", err)
		}
		if total != 70*time.Minute {
			t.Fatalf("participation total = %v, want 70m", total)
		}

		for i := 0; i < 2; i++ {
			if err := st.AwardBadge(ctx, owner.ID, active.BadgeID, start); err != nil {
				t.Fatalf("AwardBadge: %v", err)
			}
		}
		has, err := st.HasBadge(ctx, owner.ID, active.BadgeID)
		if err != nil || !has {
			t.Fatalf("HasBadge = %v, %v; want true", has, err)
		}
	})
}

func TestStoreMessages(t *testing.T) {
	withStores(t, func(t *testing.T, st store.DataStore) {
		ctx := context.Background()
		_, srv := seedServer(t, st)

		base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
		for i, body := range []string{"one", "two", "three"} {
			msg := &model.Message{ServerID: srv.ID, ChannelID: "c1", Type: model.MessageInfo, Body: body,
				CreatedAt: base.Add(time.Duration(i) * time.Second)}
			if err := st.CreateMessage(ctx, msg); err != nil {
				t.Fatalf("CreateMessage: %v", err)
			}
		}
		if err := st.CreateMessage(ctx, &model.Message{ChannelID: "c1", Body: "   "}); !errors.Is(err, model.ErrMessageBodyEmpty) {
			t.Fatalf("expected ErrMessageBodyEmpty, got %v", err)
		}

		got, err := st.ListChannelMessages(ctx, "c1", 2)
		if err != nil {
			t.Fatalf("ListChannelMessages: %v", err)
		}
		bodies := make([]string, len(got))
		for i, m := range got {
			bodies[i] = m.Body
		}
		if diff := cmp.Diff([]string{"two", "three"}, bodies); diff != "" {
			t.Errorf("ListChannelMessages mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestStoreWithTxCommit(t *testing.T) {
	withStores(t, func(t *testing.T, st store.DataStore) {
		ctx := context.Background()
		owner, srv := seedServer(t, st)
		if err := st.CreateMember(ctx, &model.Member{UserID: owner.ID, ServerID: srv.ID, PermissionLevel: model.LevelOwner}); err != nil {
			t.Fatalf("CreateMember: %v", err)
		}

		err := st.WithTx(ctx, func(tx store.DataStore) error {
			if err := tx.AddContribution(ctx, owner.ID, srv.ID, 2); err != nil {
				return err
			}
			return tx.AddServerWealth(ctx, srv.ID, 2)
		})
		if err != nil {
			t.Fatalf("WithTx: %v", err)
		}

		m, _ := st.GetMember(ctx, owner.ID, srv.ID)
		s, _ := st.GetServer(ctx, srv.ID)
		if m.Contribution != 2 || s.Wealth != 2 {
			t.Fatalf("after commit contribution=%v wealth=%v, want 2/2", m.Contribution, s.Wealth)
		}
	})
}

func TestMemoryWithTxRollback(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	_, srv := seedServer(t, st)

	_ = st.WithTx(ctx, func(tx store.DataStore) error {
		_ = tx.AddServerWealth(ctx, srv.ID, 5)
		return errors.New("abort")
	})

	got, _ := st.GetServer(ctx, srv.ID)
	if got.Wealth != 0 {
		t.Fatalf("wealth after rollback = %v, want 0", got.Wealth)
	}
}
