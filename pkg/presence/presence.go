// Package presence mirrors who-is-where into Redis so external readers can
// see occupancy without talking to the presence server.
//
// The in-process session registry stays authoritative; the mirror is written
// after each committed transition and expires on its own if the server dies.
package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultTTL = 2 * time.Minute

// RefreshInterval is how often live entries should be rewritten so they
// outlive a mirror TTL of ttl.
func RefreshInterval(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return ttl / 3
}

// Entry is the mirrored location of one user.
type Entry struct {
	ServerID  string
	ChannelID string
	UpdatedAt time.Time
}

// Mirror receives committed presence changes.
type Mirror interface {
	Online(ctx context.Context, userID, serverID, channelID string) error
	Offline(ctx context.Context, userID string) error
}

// Nop discards every update. It is used when no Redis address is configured.
type Nop struct{}

func (Nop) Online(context.Context, string, string, string) error { return nil }
func (Nop) Offline(context.Context, string) error                { return nil }

// Options configures a RedisMirror.
type Options struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
	Prefix   string // default "roomspeak"
}

// RedisMirror stores one hash per user at <prefix>:presence:<userID>.
type RedisMirror struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	prefix string
	now    func() time.Time
}

// NewRedisMirror connects to Redis and verifies the connection.
func NewRedisMirror(ctx context.Context, opts Options) (*RedisMirror, error) {
	rdb := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("presence: ping %s: %w", opts.Addr, err)
	}
	return NewRedisMirrorFromClient(rdb, opts.TTL, opts.Prefix), nil
}

// NewRedisMirrorFromClient wraps an existing client.
func NewRedisMirrorFromClient(rdb redis.UniversalClient, ttl time.Duration, prefix string) *RedisMirror {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if prefix == "" {
		prefix = "roomspeak"
	}
	return &RedisMirror{rdb: rdb, ttl: ttl, prefix: prefix, now: time.Now}
}

// Key returns the Redis key holding a user's presence.
func (m *RedisMirror) Key(userID string) string {
	return m.prefix + ":presence:" + userID
}

// Online records the user's current location and renews the TTL.
func (m *RedisMirror) Online(ctx context.Context, userID, serverID, channelID string) error {
	key := m.Key(userID)
	_, err := m.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key,
			"server", serverID,
			"channel", channelID,
			"updated", strconv.FormatInt(m.now().UnixMilli(), 10))
		p.Expire(ctx, key, m.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("presence: online %s: %w", userID, err)
	}
	return nil
}

// Offline removes the user's entry.
func (m *RedisMirror) Offline(ctx context.Context, userID string) error {
	if err := m.rdb.Del(ctx, m.Key(userID)).Err(); err != nil {
		return fmt.Errorf("presence: offline %s: %w", userID, err)
	}
	return nil
}

// Lookup reads a user's mirrored location.
func (m *RedisMirror) Lookup(ctx context.Context, userID string) (Entry, bool, error) {
	vals, err := m.rdb.HGetAll(ctx, m.Key(userID)).Result()
	if errors.Is(err, redis.Nil) || (err == nil && len(vals) == 0) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("presence: lookup %s: %w", userID, err)
	}
	e := Entry{ServerID: vals["server"], ChannelID: vals["channel"]}
	if ms, err := strconv.ParseInt(vals["updated"], 10, 64); err == nil {
		e.UpdatedAt = time.UnixMilli(ms)
	}
	return e, true, nil
}

// Close closes the Redis client.
func (m *RedisMirror) Close() error {
	return m.rdb.Close()
}
