// Package store provides persistence for users, servers, channels, members,
// events and messages.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/NicolasHaas/roomspeak/pkg/model"
)

const dbTimeLayout = "2006-01-02 15:04:05.000"

// ErrNotFound is returned by update operations whose target row does not exist.
var ErrNotFound = errors.New("store: not found")

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// Store provides SQLite-backed database access.
type Store struct {
	db   *sql.DB
	q    querier
	inTx bool
}

// New opens (or creates) a SQLite database and runs migrations.
// Foreign keys and the busy timeout are set per connection through the DSN
// so every pooled connection carries them.
func New(dbPath string) (*Store, error) {
	dsn := "file:" + dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}

	ctx := context.Background()

	// Enable WAL mode for better concurrent read performance
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set WAL: %w", err)
	}

	s := &Store{db: db, q: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection. Closing a transactional view is a no-op.
func (s *Store) Close() error {
	if s.inTx {
		return nil
	}
	return s.db.Close()
}

// WithTx runs fn inside a database transaction. Nested calls reuse the
// outer transaction.
func (s *Store) WithTx(ctx context.Context, fn func(DataStore) error) error {
	if s.inTx {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&Store{db: s.db, q: tx, inTx: true}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS users (
		id                 TEXT    PRIMARY KEY,
		name               TEXT    NOT NULL CHECK(length(name) > 0),
		level              INTEGER NOT NULL DEFAULT 0,
		xp                 REAL    NOT NULL DEFAULT 0,
		required_xp        REAL    NOT NULL DEFAULT 0,
		progress           REAL    NOT NULL DEFAULT 0,
		vip                INTEGER NOT NULL DEFAULT 0,
		current_server_id  TEXT    NOT NULL DEFAULT '',
		current_channel_id TEXT    NOT NULL DEFAULT '',
		last_active_at     TEXT,
		created_at         TEXT    NOT NULL
	);

	CREATE TABLE IF NOT EXISTS servers (
		id               TEXT    PRIMARY KEY,
		name             TEXT    NOT NULL,
		description      TEXT    NOT NULL DEFAULT '',
		owner_id         TEXT    NOT NULL REFERENCES users(id),
		visibility       TEXT    NOT NULL DEFAULT 'public',
		lobby_channel_id TEXT    NOT NULL DEFAULT '',
		level            INTEGER NOT NULL DEFAULT 0,
		wealth           REAL    NOT NULL DEFAULT 0,
		created_at       TEXT    NOT NULL
	);

	CREATE TABLE IF NOT EXISTS channels (
		id                TEXT    PRIMARY KEY,
		server_id         TEXT    NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
		name              TEXT    NOT NULL,
		type              TEXT    NOT NULL DEFAULT 'channel',
		visibility        TEXT    NOT NULL DEFAULT 'public',
		voice_mode        TEXT    NOT NULL DEFAULT 'free',
		category_id       TEXT    NOT NULL DEFAULT '',
		is_lobby          INTEGER NOT NULL DEFAULT 0,
		is_default        INTEGER NOT NULL DEFAULT 0,
		password_hash     TEXT    NOT NULL DEFAULT '',
		user_limit        INTEGER NOT NULL DEFAULT 0,
		sort_order        INTEGER NOT NULL DEFAULT 0,
		forbid_text       INTEGER NOT NULL DEFAULT 0,
		forbid_guest_text INTEGER NOT NULL DEFAULT 0,
		forbid_guest_url  INTEGER NOT NULL DEFAULT 0,
		slowmode_seconds  INTEGER NOT NULL DEFAULT 0,
		guest_text_wait   INTEGER NOT NULL DEFAULT 0,
		created_at        TEXT    NOT NULL
	);

	CREATE TABLE IF NOT EXISTS members (
		user_id                TEXT    NOT NULL REFERENCES users(id),
		server_id              TEXT    NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
		permission_level       INTEGER NOT NULL CHECK(permission_level >= 1 AND permission_level <= 6),
		nickname               TEXT    NOT NULL DEFAULT '',
		contribution           REAL    NOT NULL DEFAULT 0,
		last_message_time      TEXT,
		last_join_channel_time TEXT,
		is_blocked             INTEGER NOT NULL DEFAULT 0,
		created_at             TEXT    NOT NULL,
		PRIMARY KEY (user_id, server_id)
	);

	CREATE TABLE IF NOT EXISTS events (
		id                    TEXT    PRIMARY KEY,
		name                  TEXT    NOT NULL,
		server_id             TEXT    NOT NULL DEFAULT '',
		channel_id            TEXT    NOT NULL DEFAULT '',
		start_at              TEXT    NOT NULL,
		end_at                TEXT    NOT NULL,
		xp_multiplier         REAL    NOT NULL DEFAULT 0,
		duration_threshold_ms INTEGER NOT NULL DEFAULT 0,
		badge_id              TEXT    NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS event_participation (
		event_id    TEXT    NOT NULL REFERENCES events(id) ON DELETE CASCADE,
		user_id     TEXT    NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (event_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS user_badges (
		user_id    TEXT NOT NULL,
		badge_id   TEXT NOT NULL,
		awarded_at TEXT NOT NULL,
		PRIMARY KEY (user_id, badge_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id         TEXT PRIMARY KEY,
		server_id  TEXT NOT NULL,
		channel_id TEXT NOT NULL,
		sender_id  TEXT NOT NULL DEFAULT '',
		type       TEXT NOT NULL DEFAULT 'general',
		content    TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	`
	if err := s.ensureSchemaMigrations(ctx); err != nil {
		return err
	}
	currentVersion, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	migrations := []struct {
		version      int
		statements   []string
		ignoreErrors bool
	}{
		{
			version:    1,
			statements: []string{schema},
		},
		{
			version: 2,
			statements: []string{
				"CREATE INDEX IF NOT EXISTS idx_servers_owner ON servers(owner_id)",
				"CREATE INDEX IF NOT EXISTS idx_channels_server ON channels(server_id)",
				"CREATE INDEX IF NOT EXISTS idx_users_channel ON users(current_channel_id)",
				"CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel_id, created_at)",
			},
			ignoreErrors: true,
		},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		for _, stmt := range m.statements {
			if err := s.execMigration(ctx, stmt, m.ignoreErrors); err != nil {
				return err
			}
		}
		if err := s.setSchemaVersion(ctx, m.version); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ensureSchemaMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("store: create schema_migrations: %w", err)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("store: check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("store: init schema_migrations: %w", err)
		}
	}
	return nil
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return 0, fmt.Errorf("store: read schema version: %w", err)
	}
	return version, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, version int) error {
	if _, err := s.db.ExecContext(ctx, "UPDATE schema_migrations SET version = ?", version); err != nil {
		return fmt.Errorf("store: update schema version: %w", err)
	}
	return nil
}

func (s *Store) execMigration(ctx context.Context, stmt string, ignoreErrors bool) error {
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		if ignoreErrors {
			return nil
		}
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

func formatDBTime(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

func parseDBTime(value string) (time.Time, error) {
	return time.ParseInLocation(dbTimeLayout, value, time.UTC)
}

func formatDBTimePtr(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	v := formatDBTime(t)
	return &v
}

func parseDBTimePtr(value sql.NullString) (time.Time, error) {
	if !value.Valid || value.String == "" {
		return time.Time{}, nil
	}
	return parseDBTime(value.String)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func checkAffected(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: %s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("store: %s: %w", op, ErrNotFound)
	}
	return nil
}

func newID() string {
	return uuid.NewString()
}

// ---- Users ----

const userColumns = "id, name, level, xp, required_xp, progress, vip, current_server_id, current_channel_id, last_active_at, created_at"

func scanUser(row scanner) (*model.User, error) {
	u := &model.User{}
	var lastActive sql.NullString
	var createdAt string
	if err := row.Scan(&u.ID, &u.Name, &u.Level, &u.XP, &u.RequiredXP, &u.Progress, &u.VIP,
		&u.CurrentServerID, &u.CurrentChannelID, &lastActive, &createdAt); err != nil {
		return nil, err
	}
	var err error
	if u.LastActiveAt, err = parseDBTimePtr(lastActive); err != nil {
		return nil, err
	}
	if u.CreatedAt, err = parseDBTime(createdAt); err != nil {
		return nil, err
	}
	return u, nil
}

// CreateUser inserts a user, assigning an ID when u.ID is empty.
func (s *Store) CreateUser(ctx context.Context, u *model.User) error {
	if err := u.Validate(); err != nil {
		return fmt.Errorf("store: create user: %w", err)
	}
	if u.ID == "" {
		u.ID = newID()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := s.q.ExecContext(ctx,
		"INSERT INTO users ("+userColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		u.ID, u.Name, u.Level, u.XP, u.RequiredXP, u.Progress, u.VIP,
		u.CurrentServerID, u.CurrentChannelID, formatDBTimePtr(u.LastActiveAt), formatDBTime(u.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: create user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID.
func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	u, err := scanUser(s.q.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user: %w", err)
	}
	return u, nil
}

// SetUserServer sets the user's current server. Clearing the server also clears the channel.
func (s *Store) SetUserServer(ctx context.Context, userID, serverID string, at time.Time) error {
	var (
		res sql.Result
		err error
	)
	if serverID == "" {
		res, err = s.q.ExecContext(ctx,
			"UPDATE users SET current_server_id = '', current_channel_id = '', last_active_at = ? WHERE id = ?",
			formatDBTime(at), userID)
	} else {
		res, err = s.q.ExecContext(ctx,
			"UPDATE users SET current_server_id = ?, last_active_at = ? WHERE id = ?",
			serverID, formatDBTime(at), userID)
	}
	if err != nil {
		return fmt.Errorf("store: set user server: %w", err)
	}
	return checkAffected(res, "set user server")
}

// SetUserChannel sets the user's current channel.
func (s *Store) SetUserChannel(ctx context.Context, userID, channelID string, at time.Time) error {
	res, err := s.q.ExecContext(ctx,
		"UPDATE users SET current_channel_id = ?, last_active_at = ? WHERE id = ?",
		channelID, formatDBTime(at), userID)
	if err != nil {
		return fmt.Errorf("store: set user channel: %w", err)
	}
	return checkAffected(res, "set user channel")
}

// SetUserProgress writes back leveling state.
func (s *Store) SetUserProgress(ctx context.Context, userID string, p model.UserProgress) error {
	res, err := s.q.ExecContext(ctx,
		"UPDATE users SET level = ?, xp = ?, required_xp = ?, progress = ? WHERE id = ?",
		p.Level, p.XP, p.RequiredXP, p.Progress, userID)
	if err != nil {
		return fmt.Errorf("store: set user progress: %w", err)
	}
	return checkAffected(res, "set user progress")
}

// ListChannelUsers returns the users currently occupying a channel.
func (s *Store) ListChannelUsers(ctx context.Context, channelID string) ([]model.User, error) {
	rows, err := s.q.QueryContext(ctx, "SELECT "+userColumns+" FROM users WHERE current_channel_id = ? ORDER BY name, id", channelID)
	if err != nil {
		return nil, fmt.Errorf("store: list channel users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan user: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// ---- Servers ----

const serverColumns = "id, name, description, owner_id, visibility, lobby_channel_id, level, wealth, created_at"

// CreateServer inserts a server, assigning an ID when s.ID is empty.
func (s *Store) CreateServer(ctx context.Context, srv *model.Server) error {
	if err := srv.Validate(); err != nil {
		return fmt.Errorf("store: create server: %w", err)
	}
	if srv.ID == "" {
		srv.ID = newID()
	}
	if srv.CreatedAt.IsZero() {
		srv.CreatedAt = time.Now().UTC()
	}
	_, err := s.q.ExecContext(ctx,
		"INSERT INTO servers ("+serverColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		srv.ID, srv.Name, srv.Description, srv.OwnerID, string(srv.Visibility), srv.LobbyChannelID,
		srv.Level, srv.Wealth, formatDBTime(srv.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: create server: %w", err)
	}
	return nil
}

// GetServer retrieves a server by ID.
func (s *Store) GetServer(ctx context.Context, id string) (*model.Server, error) {
	srv := &model.Server{}
	var visibility, createdAt string
	err := s.q.QueryRowContext(ctx, "SELECT "+serverColumns+" FROM servers WHERE id = ?", id).
		Scan(&srv.ID, &srv.Name, &srv.Description, &srv.OwnerID, &visibility, &srv.LobbyChannelID,
			&srv.Level, &srv.Wealth, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get server: %w", err)
	}
	srv.Visibility = model.ServerVisibility(visibility)
	if srv.CreatedAt, err = parseDBTime(createdAt); err != nil {
		return nil, fmt.Errorf("store: get server: %w", err)
	}
	return srv, nil
}

// SetServerLobby records the lobby channel of a server.
func (s *Store) SetServerLobby(ctx context.Context, serverID, channelID string) error {
	res, err := s.q.ExecContext(ctx, "UPDATE servers SET lobby_channel_id = ? WHERE id = ?", channelID, serverID)
	if err != nil {
		return fmt.Errorf("store: set server lobby: %w", err)
	}
	return checkAffected(res, "set server lobby")
}

// CountServersOwnedBy returns how many servers the user owns.
func (s *Store) CountServersOwnedBy(ctx context.Context, ownerID string) (int, error) {
	var count int
	if err := s.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM servers WHERE owner_id = ?", ownerID).Scan(&count); err != nil {
		return 0, fmt.Errorf("store: count owned servers: %w", err)
	}
	return count, nil
}

// AddServerWealth increments a server's wealth.
func (s *Store) AddServerWealth(ctx context.Context, serverID string, amount float64) error {
	res, err := s.q.ExecContext(ctx, "UPDATE servers SET wealth = wealth + ? WHERE id = ?", amount, serverID)
	if err != nil {
		return fmt.Errorf("store: add server wealth: %w", err)
	}
	return checkAffected(res, "add server wealth")
}

// ---- Channels ----

const channelColumns = "id, server_id, name, type, visibility, voice_mode, category_id, is_lobby, is_default, " +
	"password_hash, user_limit, sort_order, forbid_text, forbid_guest_text, forbid_guest_url, " +
	"slowmode_seconds, guest_text_wait, created_at"

func scanChannel(row scanner) (*model.Channel, error) {
	ch := &model.Channel{}
	var typ, visibility, voiceMode, createdAt string
	var isLobby, isDefault, forbidText, forbidGuestText, forbidGuestURL int
	if err := row.Scan(&ch.ID, &ch.ServerID, &ch.Name, &typ, &visibility, &voiceMode, &ch.CategoryID,
		&isLobby, &isDefault, &ch.PasswordHash, &ch.UserLimit, &ch.Order,
		&forbidText, &forbidGuestText, &forbidGuestURL, &ch.SlowmodeSeconds, &ch.GuestTextWait, &createdAt); err != nil {
		return nil, err
	}
	ch.Type = model.ChannelType(typ)
	ch.Visibility = model.ChannelVisibility(visibility)
	ch.VoiceMode = model.VoiceMode(voiceMode)
	ch.IsLobby = isLobby != 0
	ch.IsDefault = isDefault != 0
	ch.ForbidText = forbidText != 0
	ch.ForbidGuestText = forbidGuestText != 0
	ch.ForbidGuestURL = forbidGuestURL != 0
	var err error
	if ch.CreatedAt, err = parseDBTime(createdAt); err != nil {
		return nil, err
	}
	return ch, nil
}

// CreateChannel inserts a channel, assigning an ID when ch.ID is empty.
func (s *Store) CreateChannel(ctx context.Context, ch *model.Channel) error {
	if err := ch.Validate(); err != nil {
		return fmt.Errorf("store: create channel: %w", err)
	}
	if ch.ID == "" {
		ch.ID = newID()
	}
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = time.Now().UTC()
	}
	_, err := s.q.ExecContext(ctx,
		"INSERT INTO channels ("+channelColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		ch.ID, ch.ServerID, ch.Name, string(ch.Type), string(ch.Visibility), string(ch.VoiceMode), ch.CategoryID,
		boolToInt(ch.IsLobby), boolToInt(ch.IsDefault), ch.PasswordHash, ch.UserLimit, ch.Order,
		boolToInt(ch.ForbidText), boolToInt(ch.ForbidGuestText), boolToInt(ch.ForbidGuestURL),
		ch.SlowmodeSeconds, ch.GuestTextWait, formatDBTime(ch.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: create channel: %w", err)
	}
	return nil
}

// GetChannel retrieves a channel by ID.
func (s *Store) GetChannel(ctx context.Context, id string) (*model.Channel, error) {
	ch, err := scanChannel(s.q.QueryRowContext(ctx, "SELECT "+channelColumns+" FROM channels WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get channel: %w", err)
	}
	return ch, nil
}

// UpdateChannel overwrites the mutable fields of an existing channel.
func (s *Store) UpdateChannel(ctx context.Context, ch *model.Channel) error {
	if err := ch.Validate(); err != nil {
		return fmt.Errorf("store: update channel: %w", err)
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE channels SET name = ?, type = ?, visibility = ?, voice_mode = ?, category_id = ?,
		password_hash = ?, user_limit = ?, sort_order = ?, forbid_text = ?, forbid_guest_text = ?,
		forbid_guest_url = ?, slowmode_seconds = ?, guest_text_wait = ? WHERE id = ?`,
		ch.Name, string(ch.Type), string(ch.Visibility), string(ch.VoiceMode), ch.CategoryID,
		ch.PasswordHash, ch.UserLimit, ch.Order, boolToInt(ch.ForbidText), boolToInt(ch.ForbidGuestText),
		boolToInt(ch.ForbidGuestURL), ch.SlowmodeSeconds, ch.GuestTextWait, ch.ID)
	if err != nil {
		return fmt.Errorf("store: update channel: %w", err)
	}
	return checkAffected(res, "update channel")
}

// DeleteChannel deletes a channel by ID.
func (s *Store) DeleteChannel(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, "DELETE FROM channels WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("store: delete channel: %w", err)
	}
	return nil
}

// ListServerChannels returns every channel of a server.
func (s *Store) ListServerChannels(ctx context.Context, serverID string) ([]model.Channel, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT "+channelColumns+" FROM channels WHERE server_id = ? ORDER BY sort_order, created_at, id", serverID)
	if err != nil {
		return nil, fmt.Errorf("store: list channels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var channels []model.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan channel: %w", err)
		}
		channels = append(channels, *ch)
	}
	return channels, rows.Err()
}

// ---- Members ----

// CreateMember inserts a membership record.
func (s *Store) CreateMember(ctx context.Context, m *model.Member) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("store: create member: %w", err)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO members (user_id, server_id, permission_level, nickname, contribution,
		last_message_time, last_join_channel_time, is_blocked, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.UserID, m.ServerID, int(m.PermissionLevel), m.Nickname, m.Contribution,
		formatDBTimePtr(m.LastMessageTime), formatDBTimePtr(m.LastJoinChannelTime), boolToInt(m.IsBlocked),
		formatDBTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: create member: %w", err)
	}
	return nil
}

// GetMember retrieves a membership record.
func (s *Store) GetMember(ctx context.Context, userID, serverID string) (*model.Member, error) {
	m := &model.Member{}
	var level, blocked int
	var lastMessage, lastJoin sql.NullString
	var createdAt string
	err := s.q.QueryRowContext(ctx,
		`SELECT user_id, server_id, permission_level, nickname, contribution, last_message_time,
		last_join_channel_time, is_blocked, created_at FROM members WHERE user_id = ? AND server_id = ?`,
		userID, serverID).
		Scan(&m.UserID, &m.ServerID, &level, &m.Nickname, &m.Contribution, &lastMessage, &lastJoin, &blocked, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get member: %w", err)
	}
	m.PermissionLevel = model.Level(level)
	m.IsBlocked = blocked != 0
	if m.LastMessageTime, err = parseDBTimePtr(lastMessage); err != nil {
		return nil, fmt.Errorf("store: get member: %w", err)
	}
	if m.LastJoinChannelTime, err = parseDBTimePtr(lastJoin); err != nil {
		return nil, fmt.Errorf("store: get member: %w", err)
	}
	if m.CreatedAt, err = parseDBTime(createdAt); err != nil {
		return nil, fmt.Errorf("store: get member: %w", err)
	}
	return m, nil
}

// UpdateMember overwrites the mutable fields of an existing membership.
func (s *Store) UpdateMember(ctx context.Context, m *model.Member) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("store: update member: %w", err)
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE members SET permission_level = ?, nickname = ?, last_message_time = ?,
		last_join_channel_time = ?, is_blocked = ? WHERE user_id = ? AND server_id = ?`,
		int(m.PermissionLevel), m.Nickname, formatDBTimePtr(m.LastMessageTime),
		formatDBTimePtr(m.LastJoinChannelTime), boolToInt(m.IsBlocked), m.UserID, m.ServerID)
	if err != nil {
		return fmt.Errorf("store: update member: %w", err)
	}
	return checkAffected(res, "update member")
}

// AddContribution increments a member's contribution.
func (s *Store) AddContribution(ctx context.Context, userID, serverID string, amount float64) error {
	res, err := s.q.ExecContext(ctx,
		"UPDATE members SET contribution = contribution + ? WHERE user_id = ? AND server_id = ?",
		amount, userID, serverID)
	if err != nil {
		return fmt.Errorf("store: add contribution: %w", err)
	}
	return checkAffected(res, "add contribution")
}

// DeleteMember removes a membership record.
func (s *Store) DeleteMember(ctx context.Context, userID, serverID string) error {
	_, err := s.q.ExecContext(ctx, "DELETE FROM members WHERE user_id = ? AND server_id = ?", userID, serverID)
	if err != nil {
		return fmt.Errorf("store: delete member: %w", err)
	}
	return nil
}

// ---- Events & badges ----

// CreateEvent inserts an event, assigning an ID when e.ID is empty.
func (s *Store) CreateEvent(ctx context.Context, e *model.Event) error {
	if e.ID == "" {
		e.ID = newID()
	}
	if !e.EndAt.After(e.StartAt) {
		return fmt.Errorf("store: create event: end must be after start")
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO events (id, name, server_id, channel_id, start_at, end_at, xp_multiplier,
		duration_threshold_ms, badge_id) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Name, e.ServerID, e.ChannelID, formatDBTime(e.StartAt), formatDBTime(e.EndAt),
		e.XPMultiplier, e.DurationThreshold.Milliseconds(), e.BadgeID)
	if err != nil {
		return fmt.Errorf("store: create event: %w", err)
	}
	return nil
}

// ListActiveEvents returns the events whose window contains at.
func (s *Store) ListActiveEvents(ctx context.Context, at time.Time) ([]model.Event, error) {
	now := formatDBTime(at)
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, name, server_id, channel_id, start_at, end_at, xp_multiplier, duration_threshold_ms, badge_id
		FROM events WHERE start_at <= ? AND end_at > ? ORDER BY start_at, id`, now, now)
	if err != nil {
		return nil, fmt.Errorf("store: list active events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []model.Event
	for rows.Next() {
		var e model.Event
		var startAt, endAt string
		var thresholdMS int64
		if err := rows.Scan(&e.ID, &e.Name, &e.ServerID, &e.ChannelID, &startAt, &endAt,
			&e.XPMultiplier, &thresholdMS, &e.BadgeID); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		if e.StartAt, err = parseDBTime(startAt); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		if e.EndAt, err = parseDBTime(endAt); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		e.DurationThreshold = time.Duration(thresholdMS) * time.Millisecond
		events = append(events, e)
	}
	return events, rows.Err()
}

// AddEventParticipation adds connected time and returns the cumulative total.
func (s *Store) AddEventParticipation(ctx context.Context, eventID, userID string, d time.Duration) (time.Duration, error) {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO event_participation (event_id, user_id, duration_ms) VALUES (?, ?, ?)
		ON CONFLICT(event_id, user_id) DO UPDATE SET duration_ms = duration_ms + excluded.duration_ms`,
		eventID, userID, d.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("store: add event participation: %w", err)
	}
	var totalMS int64
	err = s.q.QueryRowContext(ctx,
		"SELECT duration_ms FROM event_participation WHERE event_id = ? AND user_id = ?", eventID, userID).
		Scan(&totalMS)
	if err != nil {
		return 0, fmt.Errorf("store: read event participation: %w", err)
	}
	return time.Duration(totalMS) * time.Millisecond, nil
}

// HasBadge reports whether the user holds the badge.
func (s *Store) HasBadge(ctx context.Context, userID, badgeID string) (bool, error) {
	var count int
	err := s.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM user_badges WHERE user_id = ? AND badge_id = ?", userID, badgeID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("store: check badge: %w", err)
	}
	return count > 0, nil
}

// AwardBadge grants a badge once.
func (s *Store) AwardBadge(ctx context.Context, userID, badgeID string, at time.Time) error {
	_, err := s.q.ExecContext(ctx,
		"INSERT OR IGNORE INTO user_badges (user_id, badge_id, awarded_at) VALUES (?, ?, ?)",
		userID, badgeID, formatDBTime(at))
	if err != nil {
		return fmt.Errorf("store: award badge: %w", err)
	}
	return nil
}

// ---- Messages ----

// CreateMessage inserts a chat message.
func (s *Store) CreateMessage(ctx context.Context, m *model.Message) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("store: create message: %w", err)
	}
	if m.ID == "" {
		m.ID = newID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.q.ExecContext(ctx,
		"INSERT INTO messages (id, server_id, channel_id, sender_id, type, content, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		m.ID, m.ServerID, m.ChannelID, m.SenderID, string(m.Type), m.Body, formatDBTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: create message: %w", err)
	}
	return nil
}

// ListChannelMessages returns up to limit most recent messages, oldest first.
func (s *Store) ListChannelMessages(ctx context.Context, channelID string, limit int) ([]model.Message, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, server_id, channel_id, sender_id, type, content, created_at FROM messages
		WHERE channel_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []model.Message
	for rows.Next() {
		var m model.Message
		var typ, createdAt string
		if err := rows.Scan(&m.ID, &m.ServerID, &m.ChannelID, &m.SenderID, &typ, &m.Body, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		m.Type = model.MessageType(typ)
		if m.CreatedAt, err = parseDBTime(createdAt); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}
