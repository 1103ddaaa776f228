package model

import (
	"strings"
	"testing"
	"time"
)

func TestLevelValid(t *testing.T) {
	tests := []struct {
		name  string
		level Level
		want  bool
	}{
		{"none", LevelNone, false},
		{"guest", LevelGuest, true},
		{"member", LevelMember, true},
		{"owner", LevelOwner, true},
		{"official override", LevelOfficial, false},
		{"negative", Level(-1), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.level.Valid(); got != tt.want {
				t.Errorf("Level(%d).Valid() = %v, want %v", tt.level, got, tt.want)
			}
		})
	}
}

func TestLevelString(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelGuest, "guest"},
		{LevelServerAdmin, "server_admin"},
		{LevelOwner, "owner"},
		{LevelStaff, "staff"},
		{Level(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.level.String(); got != tt.want {
				t.Errorf("Level(%d).String() = %q, want %q", tt.level, got, tt.want)
			}
		})
	}
}

func TestOwnedServerLimit(t *testing.T) {
	tests := []struct {
		level int
		want  int
	}{
		{0, 3},
		{4, 3},
		{5, 4},
		{19, 6},
		{35, 10},
		{100, 10},
	}

	for _, tt := range tests {
		if got := OwnedServerLimit(tt.level); got != tt.want {
			t.Errorf("OwnedServerLimit(%d) = %d, want %d", tt.level, got, tt.want)
		}
	}
}

func TestChannelValidate(t *testing.T) {
	valid := func() *Channel { return NewLobby("srv") }

	tests := []struct {
		name    string
		mutate  func(*Channel)
		wantErr error
	}{
		{"lobby defaults", func(*Channel) {}, nil},
		{"empty name", func(c *Channel) { c.Name = "  " }, ErrChannelNameEmpty},
		{"long name", func(c *Channel) { c.Name = strings.Repeat("a", MaxChannelNameLength+1) }, ErrChannelNameTooLong},
		{"negative limit", func(c *Channel) { c.UserLimit = -1 }, ErrChannelUserLimit},
		{"bad type", func(c *Channel) { c.Type = "room" }, ErrChannelType},
		{"bad visibility", func(c *Channel) { c.Visibility = "secret" }, ErrChannelVisibility},
		{"bad voice mode", func(c *Channel) { c.VoiceMode = "loud" }, ErrChannelVoiceMode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := valid()
			tt.mutate(ch)
			if err := ch.Validate(); err != tt.wantErr {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestChannelUpdateApply(t *testing.T) {
	ch := NewLobby("srv")
	name := "Music"
	forbid := true
	limit := 12
	ChannelUpdate{Name: &name, ForbidText: &forbid, UserLimit: &limit}.Apply(ch)

	if ch.Name != name || !ch.ForbidText || ch.UserLimit != limit {
		t.Fatalf("Apply: got name=%q forbidText=%v limit=%d", ch.Name, ch.ForbidText, ch.UserLimit)
	}
	if ch.Visibility != ChannelPublic {
		t.Fatalf("Apply: unset field changed, visibility=%q", ch.Visibility)
	}
}

func TestEventScope(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name      string
		event     Event
		serverID  string
		channelID string
		want      bool
	}{
		{"global", Event{}, "s1", "c1", true},
		{"server match", Event{ServerID: "s1"}, "s1", "c9", true},
		{"server mismatch", Event{ServerID: "s2"}, "s1", "c1", false},
		{"channel match", Event{ServerID: "s1", ChannelID: "c1"}, "s1", "c1", true},
		{"channel mismatch", Event{ServerID: "s1", ChannelID: "c2"}, "s1", "c1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.event.Covers(tt.serverID, tt.channelID); got != tt.want {
				t.Errorf("Covers(%q, %q) = %v, want %v", tt.serverID, tt.channelID, got, tt.want)
			}
		})
	}

	ev := Event{StartAt: now.Add(-time.Hour), EndAt: now}
	if !ev.ActiveAt(now.Add(-time.Minute)) {
		t.Errorf("ActiveAt: expected active inside window")
	}
	if ev.ActiveAt(now) {
		t.Errorf("ActiveAt: end bound must be exclusive")
	}
}
