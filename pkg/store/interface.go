package store

import (
	"context"
	"time"

	"github.com/NicolasHaas/roomspeak/pkg/model"
)

// DataStore defines the persistence interface used by the presence core.
// The default implementation is the SQLite store; MemoryStore backs tests.
//
// Getters return (nil, nil) when the entity does not exist.
type DataStore interface {
	// Close closes the underlying storage connection.
	Close() error

	// WithTx runs fn against a transactional view of the store. Writes made
	// through the view are committed together when fn returns nil and
	// discarded otherwise.
	WithTx(ctx context.Context, fn func(DataStore) error) error

	// ---- Users ----

	// CreateUser inserts a user, assigning an ID when u.ID is empty.
	CreateUser(ctx context.Context, u *model.User) error

	// GetUser retrieves a user by ID.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// SetUserServer sets the user's current server and lastActiveAt.
	// Clearing the server ("") also clears the current channel.
	SetUserServer(ctx context.Context, userID, serverID string, at time.Time) error

	// SetUserChannel sets the user's current channel and lastActiveAt.
	SetUserChannel(ctx context.Context, userID, channelID string, at time.Time) error

	// SetUserProgress writes back leveling state computed by the XP engine.
	SetUserProgress(ctx context.Context, userID string, p model.UserProgress) error

	// ListChannelUsers returns the users currently occupying a channel.
	ListChannelUsers(ctx context.Context, channelID string) ([]model.User, error)

	// ---- Servers ----

	// CreateServer inserts a server, assigning an ID when s.ID is empty.
	CreateServer(ctx context.Context, s *model.Server) error

	// GetServer retrieves a server by ID.
	GetServer(ctx context.Context, id string) (*model.Server, error)

	// SetServerLobby records the lobby channel of a server.
	SetServerLobby(ctx context.Context, serverID, channelID string) error

	// CountServersOwnedBy returns how many servers the user owns.
	CountServersOwnedBy(ctx context.Context, ownerID string) (int, error)

	// AddServerWealth increments a server's wealth.
	AddServerWealth(ctx context.Context, serverID string, amount float64) error

	// ---- Channels ----

	// CreateChannel inserts a channel, assigning an ID when ch.ID is empty.
	CreateChannel(ctx context.Context, ch *model.Channel) error

	// GetChannel retrieves a channel by ID.
	GetChannel(ctx context.Context, id string) (*model.Channel, error)

	// UpdateChannel overwrites the mutable fields of an existing channel.
	UpdateChannel(ctx context.Context, ch *model.Channel) error

	// DeleteChannel deletes a channel by ID.
	DeleteChannel(ctx context.Context, id string) error

	// ListServerChannels returns every channel of a server ordered by (order, created).
	ListServerChannels(ctx context.Context, serverID string) ([]model.Channel, error)

	// ---- Members ----

	// CreateMember inserts a membership record.
	CreateMember(ctx context.Context, m *model.Member) error

	// GetMember retrieves a membership record by its composite key.
	GetMember(ctx context.Context, userID, serverID string) (*model.Member, error)

	// UpdateMember overwrites the mutable fields of an existing membership.
	UpdateMember(ctx context.Context, m *model.Member) error

	// AddContribution increments a member's contribution.
	AddContribution(ctx context.Context, userID, serverID string, amount float64) error

	// DeleteMember removes a membership record.
	DeleteMember(ctx context.Context, userID, serverID string) error

	// ---- Events & badges ----

	// CreateEvent inserts an event, assigning an ID when e.ID is empty.
	CreateEvent(ctx context.Context, e *model.Event) error

	// ListActiveEvents returns the events whose window contains at.
	ListActiveEvents(ctx context.Context, at time.Time) ([]model.Event, error)

	// AddEventParticipation adds connected time to a user's participation in
	// an event and returns the new cumulative total.
	AddEventParticipation(ctx context.Context, eventID, userID string, d time.Duration) (time.Duration, error)

	// HasBadge reports whether the user already holds the badge.
	HasBadge(ctx context.Context, userID, badgeID string) (bool, error)

	// AwardBadge grants a badge. Awarding a held badge is a no-op.
	AwardBadge(ctx context.Context, userID, badgeID string, at time.Time) error

	// ---- Messages ----

	// CreateMessage inserts a chat message, assigning an ID when m.ID is empty.
	CreateMessage(ctx context.Context, m *model.Message) error

	// ListChannelMessages returns up to limit most recent messages, oldest first.
	ListChannelMessages(ctx context.Context, channelID string, limit int) ([]model.Message, error)
}

// Compile-time check: *Store and *MemoryStore implement DataStore.
var (
	_ DataStore = (*Store)(nil)
	_ DataStore = (*MemoryStore)(nil)
)
