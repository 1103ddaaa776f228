package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/roomspeak/pkg/model"
	"github.com/NicolasHaas/roomspeak/pkg/presence"
	"github.com/NicolasHaas/roomspeak/pkg/store"
	"github.com/NicolasHaas/roomspeak/pkg/xp"
)

// Config holds server configuration.
type Config struct {
	ListenAddr     string        // websocket bind address (e.g. ":9700")
	MetricsAddr    string        // HTTP bind address for /metrics (empty = disabled)
	DBPath         string        // SQLite database path
	DataDir        string        // directory for generated certs
	TLS            bool          // serve wss:// with CertFile/KeyFile or a generated pair
	CertFile       string        // TLS certificate file path
	KeyFile        string        // TLS private key file path
	TokenSecret    string        // HMAC secret for auth tokens
	TokenTTL       time.Duration // lifetime of issued tokens
	AllowedOrigins []string      // websocket Origin allow-list (empty = any)
	MetricsLog     time.Duration // periodic metrics log interval (0 = disabled)

	Redis           presence.Options       // Redis.Addr empty disables the presence mirror
	XP              xp.Config              // accrual tuning
	SpecialAccounts map[string]model.Level // userID -> platform override level
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:  ":9700",
		MetricsAddr: ":9702",
		DBPath:      "roomspeak.db",
		DataDir:     ".",
		TokenTTL:    24 * time.Hour,
		MetricsLog:  60 * time.Second,
		XP:          xp.DefaultConfig(),
	}
}

// FileConfig is the YAML configuration file layout. Every field is optional.
type FileConfig struct {
	AllowedOrigins  []string         `yaml:"allowed_origins,omitempty"`
	SpecialAccounts map[string]int   `yaml:"special_accounts,omitempty"`
	XP              *xp.Config       `yaml:"xp,omitempty"`
	Redis           *RedisFileConfig `yaml:"redis,omitempty"`
}

// RedisFileConfig is the redis section of the configuration file.
type RedisFileConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password,omitempty"`
	DB       int           `yaml:"db,omitempty"`
	TTL      time.Duration `yaml:"ttl,omitempty"`
	Prefix   string        `yaml:"prefix,omitempty"`
}

// LoadConfigFile reads a YAML configuration file and merges it into cfg.
func LoadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI config
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	return ApplyConfigYAML(data, cfg)
}

// ApplyConfigYAML parses YAML configuration and merges it into cfg.
func ApplyConfigYAML(data []byte, cfg *Config) error {
	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	if len(fc.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = fc.AllowedOrigins
	}
	if len(fc.SpecialAccounts) > 0 {
		if cfg.SpecialAccounts == nil {
			cfg.SpecialAccounts = make(map[string]model.Level, len(fc.SpecialAccounts))
		}
		for userID, lvl := range fc.SpecialAccounts {
			level := model.Level(lvl)
			if level < model.LevelOfficial || level > model.LevelStaff {
				return fmt.Errorf("special account %s: level %d out of range (%d-%d)",
					userID, lvl, model.LevelOfficial, model.LevelStaff)
			}
			cfg.SpecialAccounts[userID] = level
		}
	}
	if fc.XP != nil {
		merged := cfg.XP
		if fc.XP.BaseXP > 0 {
			merged.BaseXP = fc.XP.BaseXP
		}
		if fc.XP.BaseRequireXP > 0 {
			merged.BaseRequireXP = fc.XP.BaseRequireXP
		}
		if fc.XP.GrowthRate > 0 {
			merged.GrowthRate = fc.XP.GrowthRate
		}
		if fc.XP.AccrualInterval > 0 {
			merged.AccrualInterval = fc.XP.AccrualInterval
		}
		if fc.XP.SweepInterval > 0 {
			merged.SweepInterval = fc.XP.SweepInterval
		}
		if fc.XP.VIPBoostPerTier > 0 {
			merged.VIPBoostPerTier = fc.XP.VIPBoostPerTier
		}
		cfg.XP = merged
	}
	if fc.Redis != nil && fc.Redis.Addr != "" {
		cfg.Redis = presence.Options{
			Addr:     fc.Redis.Addr,
			Password: fc.Redis.Password,
			DB:       fc.Redis.DB,
			TTL:      fc.Redis.TTL,
			Prefix:   fc.Redis.Prefix,
		}
	}
	return nil
}

// ---- Channel tree import/export ----

// ChannelYAML represents a channel or category in a channel tree file.
type ChannelYAML struct {
	Name       string        `yaml:"name"`
	Type       string        `yaml:"type,omitempty"` // "category" or "channel" (default)
	Visibility string        `yaml:"visibility,omitempty"`
	VoiceMode  string        `yaml:"voice_mode,omitempty"`
	UserLimit  int           `yaml:"user_limit,omitempty"`
	Lobby      bool          `yaml:"lobby,omitempty"`
	Channels   []ChannelYAML `yaml:"channels,omitempty"` // channels of a category
}

// ChannelsConfig is the top-level YAML layout of a server's channel tree.
type ChannelsConfig struct {
	ServerID string        `yaml:"server_id,omitempty"`
	Channels []ChannelYAML `yaml:"channels"`
}

// ExportChannelsYAML exports a server's channel tree as YAML.
func ExportChannelsYAML(ctx context.Context, st store.DataStore, serverID string) ([]byte, error) {
	channels, err := st.ListServerChannels(ctx, serverID)
	if err != nil {
		return nil, err
	}
	cfg := ChannelsConfig{ServerID: serverID, Channels: buildChannelTree(channels, "")}
	return yaml.Marshal(&cfg)
}

func buildChannelTree(channels []model.Channel, categoryID string) []ChannelYAML {
	var result []ChannelYAML
	for _, ch := range channels {
		if ch.CategoryID != categoryID {
			continue
		}
		entry := ChannelYAML{
			Name:      ch.Name,
			UserLimit: ch.UserLimit,
			Lobby:     ch.IsLobby,
		}
		if ch.Type != model.TypeChannel {
			entry.Type = string(ch.Type)
		}
		if ch.Visibility != model.ChannelPublic {
			entry.Visibility = string(ch.Visibility)
		}
		if ch.VoiceMode != model.VoiceFree {
			entry.VoiceMode = string(ch.VoiceMode)
		}
		if ch.Type == model.TypeCategory {
			entry.Channels = buildChannelTree(channels, ch.ID)
		}
		result = append(result, entry)
	}
	return result
}

// ImportChannelsYAML creates the channels of a tree file that a server does
// not have yet. Channels are matched by name within their category.
func ImportChannelsYAML(ctx context.Context, st store.DataStore, serverID string, data []byte) (int, error) {
	var cfg ChannelsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return 0, fmt.Errorf("parse channels config: %w", err)
	}
	srv, err := st.GetServer(ctx, serverID)
	if err != nil {
		return 0, err
	}
	if srv == nil {
		return 0, fmt.Errorf("server %s not found", serverID)
	}

	created := 0
	err = st.WithTx(ctx, func(tx store.DataStore) error {
		existing, err := tx.ListServerChannels(ctx, serverID)
		if err != nil {
			return err
		}
		for i, entry := range cfg.Channels {
			n, err := ensureChannel(ctx, tx, serverID, "", i, entry, &existing)
			if err != nil {
				return fmt.Errorf("channel %q: %w", entry.Name, err)
			}
			created += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	slog.Info("imported channels from YAML", "server", serverID, "created", created)
	return created, nil
}

func ensureChannel(ctx context.Context, st store.DataStore, serverID, categoryID string, order int, entry ChannelYAML, existing *[]model.Channel) (int, error) {
	if entry.Lobby {
		return 0, nil
	}
	typ := model.ChannelType(entry.Type)
	if typ == "" {
		typ = model.TypeChannel
	}
	if typ == model.TypeCategory && categoryID != "" {
		return 0, fmt.Errorf("categories cannot be nested")
	}

	var id string
	for _, ch := range *existing {
		if ch.Name == entry.Name && ch.CategoryID == categoryID && ch.Type == typ {
			id = ch.ID
			break
		}
	}

	created := 0
	if id == "" {
		ch := &model.Channel{
			ServerID:   serverID,
			Name:       entry.Name,
			Type:       typ,
			Visibility: model.ChannelVisibility(entry.Visibility),
			VoiceMode:  model.VoiceMode(entry.VoiceMode),
			CategoryID: categoryID,
			UserLimit:  entry.UserLimit,
			Order:      order,
		}
		if ch.Visibility == "" {
			ch.Visibility = model.ChannelPublic
		}
		if ch.VoiceMode == "" {
			ch.VoiceMode = model.VoiceFree
		}
		if err := st.CreateChannel(ctx, ch); err != nil {
			return 0, err
		}
		*existing = append(*existing, *ch)
		id = ch.ID
		created++
		slog.Debug("created channel from config", "name", ch.Name, "category", categoryID)
	}

	if typ != model.TypeCategory {
		if len(entry.Channels) > 0 {
			return created, fmt.Errorf("only categories may contain channels")
		}
		return created, nil
	}
	for i, sub := range entry.Channels {
		n, err := ensureChannel(ctx, st, serverID, id, i, sub, existing)
		if err != nil {
			return created, err
		}
		created += n
	}
	return created, nil
}
