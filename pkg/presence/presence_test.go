package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"
)

func TestKey(t *testing.T) {
	m := NewRedisMirrorFromClient(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), 0, "")
	t.Cleanup(func() { _ = m.Close() })

	if got := m.Key("u1"); got != "roomspeak:presence:u1" {
		t.Fatalf("Key = %q", got)
	}
	if m.ttl != DefaultTTL {
		t.Fatalf("ttl = %v, want %v", m.ttl, DefaultTTL)
	}
}

func TestNewRedisMirrorUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Port 1 on loopback refuses connections.
	if _, err := NewRedisMirror(ctx, Options{Addr: "127.0.0.1:1"}); err == nil {
		t.Fatalf("expected ping error")
	}
}

func TestNop(t *testing.T) {
	var m Mirror = Nop{}
	if err := m.Online(context.Background(), "u", "s", "c"); err != nil {
		t.Fatalf("Online: %v", err)
	}
	if err := m.Offline(context.Background(), "u"); err != nil {
		t.Fatalf("Offline: %v", err)
	}
}

func newTestMirror(t *testing.T, ttl time.Duration) (*RedisMirror, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	m := NewRedisMirrorFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), ttl, "test")
	t.Cleanup(func() { _ = m.Close() })
	return m, mr
}

func TestRedisMirror(t *testing.T) {
	ctx := context.Background()
	m, mr := newTestMirror(t, time.Minute)
	at := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return at }

	if _, ok, err := m.Lookup(ctx, "u1"); err != nil || ok {
		t.Fatalf("Lookup before Online: ok=%t err=%v", ok, err)
	}
	if err := m.Online(ctx, "u1", "s1", "c1"); err != nil {
		t.Fatalf("Online: %v", err)
	}
	got, ok, err := m.Lookup(ctx, "u1")
	if err != nil || !ok {
		t.Fatalf("Lookup: ok=%t err=%v", ok, err)
	}
	want := Entry{ServerID: "s1", ChannelID: "c1", UpdatedAt: at}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("entry mismatch (-want +got):\n%s", diff)
	}
	if ttl := mr.TTL(m.Key("u1")); ttl != time.Minute {
		t.Fatalf("TTL = %v, want %v", ttl, time.Minute)
	}

	// Leaving the channel keeps the server.
	if err := m.Online(ctx, "u1", "s1", ""); err != nil {
		t.Fatalf("Online: %v", err)
	}
	got, _, _ = m.Lookup(ctx, "u1")
	if got.ChannelID != "" || got.ServerID != "s1" {
		t.Fatalf("after channel leave: %+v", got)
	}

	if err := m.Offline(ctx, "u1"); err != nil {
		t.Fatalf("Offline: %v", err)
	}
	if _, ok, _ := m.Lookup(ctx, "u1"); ok {
		t.Fatalf("entry survived Offline")
	}
	if err := m.Offline(ctx, "u1"); err != nil {
		t.Fatalf("second Offline: %v", err)
	}
}

func TestRedisMirrorExpiry(t *testing.T) {
	ctx := context.Background()
	m, mr := newTestMirror(t, 0)

	if err := m.Online(ctx, "u1", "s1", "c1"); err != nil {
		t.Fatalf("Online: %v", err)
	}
	// Rewriting before the TTL runs out keeps the entry alive.
	for i := 0; i < 5; i++ {
		mr.FastForward(RefreshInterval(0))
		if err := m.Online(ctx, "u1", "s1", "c1"); err != nil {
			t.Fatalf("Online: %v", err)
		}
	}
	if _, ok, _ := m.Lookup(ctx, "u1"); !ok {
		t.Fatalf("refreshed entry expired")
	}

	mr.FastForward(DefaultTTL + time.Second)
	if _, ok, _ := m.Lookup(ctx, "u1"); ok {
		t.Fatalf("stale entry outlived its TTL")
	}
}

func TestRefreshInterval(t *testing.T) {
	tcases := map[string]struct {
		ttl  time.Duration
		want time.Duration
	}{
		"default": {ttl: 0, want: 40 * time.Second},
		"custom":  {ttl: 90 * time.Second, want: 30 * time.Second},
	}
	for name, tc := range tcases {
		t.Run(name, func(t *testing.T) {
			if got := RefreshInterval(tc.ttl); got != tc.want {
				t.Fatalf("RefreshInterval(%v) = %v, want %v", tc.ttl, got, tc.want)
			}
		})
	}
}
