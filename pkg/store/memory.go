package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/NicolasHaas/roomspeak/pkg/model"
)

// MemoryStore provides an in-memory DataStore implementation for tests.
// It mirrors SQLite behavior for validation and error handling.
type MemoryStore struct {
	mu   sync.RWMutex
	txMu *sync.Mutex

	now  func() time.Time
	st   *memoryState
	inTx bool
}

type memberKey struct {
	userID   string
	serverID string
}

type participationKey struct {
	eventID string
	userID  string
}

type memoryState struct {
	users         map[string]*model.User
	servers       map[string]*model.Server
	channels      map[string]*model.Channel
	members       map[memberKey]*model.Member
	events        map[string]*model.Event
	participation map[participationKey]time.Duration
	badges        map[participationKey]time.Time // keyed by (badgeID, userID)
	messages      []model.Message
}

func newMemoryState() *memoryState {
	return &memoryState{
		users:         make(map[string]*model.User),
		servers:       make(map[string]*model.Server),
		channels:      make(map[string]*model.Channel),
		members:       make(map[memberKey]*model.Member),
		events:        make(map[string]*model.Event),
		participation: make(map[participationKey]time.Duration),
		badges:        make(map[participationKey]time.Time),
	}
}

func (st *memoryState) clone() *memoryState {
	c := newMemoryState()
	for k, v := range st.users {
		cp := *v
		c.users[k] = &cp
	}
	for k, v := range st.servers {
		cp := *v
		c.servers[k] = &cp
	}
	for k, v := range st.channels {
		cp := *v
		c.channels[k] = &cp
	}
	for k, v := range st.members {
		cp := *v
		c.members[k] = &cp
	}
	for k, v := range st.events {
		cp := *v
		c.events[k] = &cp
	}
	for k, v := range st.participation {
		c.participation[k] = v
	}
	for k, v := range st.badges {
		c.badges[k] = v
	}
	c.messages = append([]model.Message(nil), st.messages...)
	return c
}

// NewMemory creates a MemoryStore using time.Now().UTC().
func NewMemory() *MemoryStore {
	return NewMemoryWithClock(func() time.Time { return time.Now().UTC() })
}

// NewMemoryWithClock creates a MemoryStore with a custom clock.
func NewMemoryWithClock(now func() time.Time) *MemoryStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryStore{
		txMu: &sync.Mutex{},
		now:  now,
		st:   newMemoryState(),
	}
}

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}

// WithTx runs fn against a copy of the state and swaps it in on success.
// Transactions are serialized with each other.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(DataStore) error) error {
	if s.inTx {
		return fn(s)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	snapshot := s.st.clone()
	s.mu.RUnlock()

	tx := &MemoryStore{txMu: s.txMu, now: s.now, st: snapshot, inTx: true}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}

	s.mu.Lock()
	s.st = snapshot
	s.mu.Unlock()
	return nil
}

// ---- Users ----

// CreateUser inserts a user, assigning an ID when u.ID is empty.
func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	if err := u.Validate(); err != nil {
		return fmt.Errorf("store: create user: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == "" {
		u.ID = newID()
	}
	if _, exists := s.st.users[u.ID]; exists {
		return fmt.Errorf("store: create user: constraint failed: UNIQUE constraint failed: users.id")
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now().UTC()
	}
	cp := *u
	s.st.users[u.ID] = &cp
	return nil
}

// GetUser retrieves a user by ID.
func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.st.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

// SetUserServer sets the user's current server. Clearing the server also clears the channel.
func (s *MemoryStore) SetUserServer(_ context.Context, userID, serverID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.st.users[userID]
	if !ok {
		return fmt.Errorf("store: set user server: %w", ErrNotFound)
	}
	u.CurrentServerID = serverID
	if serverID == "" {
		u.CurrentChannelID = ""
	}
	u.LastActiveAt = at
	return nil
}

// SetUserChannel sets the user's current channel.
func (s *MemoryStore) SetUserChannel(_ context.Context, userID, channelID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.st.users[userID]
	if !ok {
		return fmt.Errorf("store: set user channel: %w", ErrNotFound)
	}
	u.CurrentChannelID = channelID
	u.LastActiveAt = at
	return nil
}

// SetUserProgress writes back leveling state.
func (s *MemoryStore) SetUserProgress(_ context.Context, userID string, p model.UserProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.st.users[userID]
	if !ok {
		return fmt.Errorf("store: set user progress: %w", ErrNotFound)
	}
	u.Level = p.Level
	u.XP = p.XP
	u.RequiredXP = p.RequiredXP
	u.Progress = p.Progress
	return nil
}

// ListChannelUsers returns the users currently occupying a channel.
func (s *MemoryStore) ListChannelUsers(_ context.Context, channelID string) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var users []model.User
	for _, u := range s.st.users {
		if u.CurrentChannelID == channelID {
			users = append(users, *u)
		}
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].Name != users[j].Name {
			return users[i].Name < users[j].Name
		}
		return users[i].ID < users[j].ID
	})
	return users, nil
}

// ---- Servers ----

// CreateServer inserts a server, assigning an ID when srv.ID is empty.
func (s *MemoryStore) CreateServer(_ context.Context, srv *model.Server) error {
	if err := srv.Validate(); err != nil {
		return fmt.Errorf("store: create server: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.users[srv.OwnerID]; !ok {
		return fmt.Errorf("store: create server: constraint failed: FOREIGN KEY constraint failed")
	}
	if srv.ID == "" {
		srv.ID = newID()
	}
	if srv.CreatedAt.IsZero() {
		srv.CreatedAt = s.now().UTC()
	}
	cp := *srv
	s.st.servers[srv.ID] = &cp
	return nil
}

// GetServer retrieves a server by ID.
func (s *MemoryStore) GetServer(_ context.Context, id string) (*model.Server, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	srv, ok := s.st.servers[id]
	if !ok {
		return nil, nil
	}
	cp := *srv
	return &cp, nil
}

// SetServerLobby records the lobby channel of a server.
func (s *MemoryStore) SetServerLobby(_ context.Context, serverID, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	srv, ok := s.st.servers[serverID]
	if !ok {
		return fmt.Errorf("store: set server lobby: %w", ErrNotFound)
	}
	srv.LobbyChannelID = channelID
	return nil
}

// CountServersOwnedBy returns how many servers the user owns.
func (s *MemoryStore) CountServersOwnedBy(_ context.Context, ownerID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, srv := range s.st.servers {
		if srv.OwnerID == ownerID {
			count++
		}
	}
	return count, nil
}

// AddServerWealth increments a server's wealth.
func (s *MemoryStore) AddServerWealth(_ context.Context, serverID string, amount float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	srv, ok := s.st.servers[serverID]
	if !ok {
		return fmt.Errorf("store: add server wealth: %w", ErrNotFound)
	}
	srv.Wealth += amount
	return nil
}

// ---- Channels ----

// CreateChannel inserts a channel, assigning an ID when ch.ID is empty.
func (s *MemoryStore) CreateChannel(_ context.Context, ch *model.Channel) error {
	if err := ch.Validate(); err != nil {
		return fmt.Errorf("store: create channel: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.servers[ch.ServerID]; !ok {
		return fmt.Errorf("store: create channel: constraint failed: FOREIGN KEY constraint failed")
	}
	if ch.ID == "" {
		ch.ID = newID()
	}
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = s.now().UTC()
	}
	cp := *ch
	s.st.channels[ch.ID] = &cp
	return nil
}

// GetChannel retrieves a channel by ID.
func (s *MemoryStore) GetChannel(_ context.Context, id string) (*model.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.st.channels[id]
	if !ok {
		return nil, nil
	}
	cp := *ch
	return &cp, nil
}

// UpdateChannel overwrites the mutable fields of an existing channel.
func (s *MemoryStore) UpdateChannel(_ context.Context, ch *model.Channel) error {
	if err := ch.Validate(); err != nil {
		return fmt.Errorf("store: update channel: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.st.channels[ch.ID]
	if !ok {
		return fmt.Errorf("store: update channel: %w", ErrNotFound)
	}
	cp := *ch
	cp.ServerID = existing.ServerID
	cp.IsLobby = existing.IsLobby
	cp.IsDefault = existing.IsDefault
	cp.CreatedAt = existing.CreatedAt
	s.st.channels[ch.ID] = &cp
	return nil
}

// DeleteChannel deletes a channel by ID.
func (s *MemoryStore) DeleteChannel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.st.channels, id)
	return nil
}

// ListServerChannels returns every channel of a server.
func (s *MemoryStore) ListServerChannels(_ context.Context, serverID string) ([]model.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var channels []model.Channel
	for _, ch := range s.st.channels {
		if ch.ServerID == serverID {
			channels = append(channels, *ch)
		}
	}
	sort.Slice(channels, func(i, j int) bool {
		a, b := channels[i], channels[j]
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return channels, nil
}

// ---- Members ----

// CreateMember inserts a membership record.
func (s *MemoryStore) CreateMember(_ context.Context, m *model.Member) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("store: create member: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memberKey{m.UserID, m.ServerID}
	if _, exists := s.st.members[key]; exists {
		return fmt.Errorf("store: create member: constraint failed: UNIQUE constraint failed: members.user_id, members.server_id")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now().UTC()
	}
	cp := *m
	s.st.members[key] = &cp
	return nil
}

// GetMember retrieves a membership record.
func (s *MemoryStore) GetMember(_ context.Context, userID, serverID string) (*model.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.st.members[memberKey{userID, serverID}]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

// UpdateMember overwrites the mutable fields of an existing membership.
func (s *MemoryStore) UpdateMember(_ context.Context, m *model.Member) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("store: update member: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.st.members[memberKey{m.UserID, m.ServerID}]
	if !ok {
		return fmt.Errorf("store: update member: %w", ErrNotFound)
	}
	existing.PermissionLevel = m.PermissionLevel
	existing.Nickname = m.Nickname
	existing.LastMessageTime = m.LastMessageTime
	existing.LastJoinChannelTime = m.LastJoinChannelTime
	existing.IsBlocked = m.IsBlocked
	return nil
}

// AddContribution increments a member's contribution.
func (s *MemoryStore) AddContribution(_ context.Context, userID, serverID string, amount float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.st.members[memberKey{userID, serverID}]
	if !ok {
		return fmt.Errorf("store: add contribution: %w", ErrNotFound)
	}
	m.Contribution += amount
	return nil
}

// DeleteMember removes a membership record.
func (s *MemoryStore) DeleteMember(_ context.Context, userID, serverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.st.members, memberKey{userID, serverID})
	return nil
}

// ---- Events & badges ----

// CreateEvent inserts an event, assigning an ID when e.ID is empty.
func (s *MemoryStore) CreateEvent(_ context.Context, e *model.Event) error {
	if !e.EndAt.After(e.StartAt) {
		return fmt.Errorf("store: create event: end must be after start")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = newID()
	}
	cp := *e
	s.st.events[e.ID] = &cp
	return nil
}

// ListActiveEvents returns the events whose window contains at.
func (s *MemoryStore) ListActiveEvents(_ context.Context, at time.Time) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var events []model.Event
	for _, e := range s.st.events {
		if e.ActiveAt(at) {
			events = append(events, *e)
		}
	}
	sort.Slice(events, func(i, j int) bool {
		if !events[i].StartAt.Equal(events[j].StartAt) {
			return events[i].StartAt.Before(events[j].StartAt)
		}
		return events[i].ID < events[j].ID
	})
	return events, nil
}

// AddEventParticipation adds connected time and returns the cumulative total.
func (s *MemoryStore) AddEventParticipation(_ context.Context, eventID, userID string, d time.Duration) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.events[eventID]; !ok {
		return 0, fmt.Errorf("store: add event participation: constraint failed: FOREIGN KEY constraint failed")
	}
	key := participationKey{eventID, userID}
	s.st.participation[key] += d.Truncate(time.Millisecond)
	return s.st.participation[key], nil
}

// HasBadge reports whether the user holds the badge.
func (s *MemoryStore) HasBadge(_ context.Context, userID, badgeID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.st.badges[participationKey{badgeID, userID}]
	return ok, nil
}

// AwardBadge grants a badge once.
func (s *MemoryStore) AwardBadge(_ context.Context, userID, badgeID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := participationKey{badgeID, userID}
	if _, ok := s.st.badges[key]; !ok {
		s.st.badges[key] = at
	}
	return nil
}

// ---- Messages ----

// CreateMessage inserts a chat message.
func (s *MemoryStore) CreateMessage(_ context.Context, m *model.Message) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("store: create message: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = newID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now().UTC()
	}
	s.st.messages = append(s.st.messages, *m)
	return nil
}

// ListChannelMessages returns up to limit most recent messages, oldest first.
func (s *MemoryStore) ListChannelMessages(_ context.Context, channelID string, limit int) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Message
	for i := len(s.st.messages) - 1; i >= 0 && len(out) < limit; i-- {
		if s.st.messages[i].ChannelID == channelID {
			out = append(out, s.st.messages[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
