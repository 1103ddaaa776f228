package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/NicolasHaas/roomspeak/pkg/auth"
	"github.com/NicolasHaas/roomspeak/pkg/logging"
	"github.com/NicolasHaas/roomspeak/pkg/model"
	"github.com/NicolasHaas/roomspeak/pkg/presence"
	"github.com/NicolasHaas/roomspeak/pkg/server"
	"github.com/NicolasHaas/roomspeak/pkg/store"
	"github.com/NicolasHaas/roomspeak/pkg/version"
)

type adminFlags struct {
	createUser     string
	issueToken     string
	exportChannels string
	importChannels string
	serverID       string
}

func main() {
	if err := run(); err != nil {
		slog.Error("roomspeak", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := server.DefaultConfig()
	var admin adminFlags
	var configFile, logLevel, logFormat string
	var showVersion bool

	fs := pflag.NewFlagSet("roomspeak", pflag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "addr", cfg.ListenAddr, "websocket bind address")
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "HTTP bind address for /metrics and /healthz (empty to disable)")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database file path")
	fs.StringVar(&cfg.DataDir, "data", cfg.DataDir, "data directory for generated files")
	fs.BoolVar(&cfg.TLS, "tls", false, "serve wss:// (certificate generated if --cert/--key are empty)")
	fs.StringVar(&cfg.CertFile, "cert", "", "TLS certificate file")
	fs.StringVar(&cfg.KeyFile, "key", "", "TLS private key file")
	fs.StringVar(&cfg.TokenSecret, "secret", os.Getenv("ROOMSPEAK_SECRET"), "HMAC secret for session tokens (env ROOMSPEAK_SECRET)")
	fs.DurationVar(&cfg.TokenTTL, "ttl", cfg.TokenTTL, "lifetime of issued session tokens")
	fs.StringSliceVar(&cfg.AllowedOrigins, "origins", nil, "allowed websocket origins (empty allows any)")
	fs.StringVar(&cfg.Redis.Addr, "redis", "", "Redis address for the presence mirror (empty to disable)")
	fs.StringVar(&configFile, "config", "", "YAML configuration file")
	fs.StringVar(&logLevel, "log-level", "info", "log level: "+logging.LevelNames())
	fs.StringVar(&logFormat, "log-format", "text", "log format: text or json")
	fs.BoolVar(&showVersion, "version", false, "print version and exit")

	fs.StringVar(&admin.createUser, "create-user", "", "create a user with this name, print its ID and exit")
	fs.StringVar(&admin.issueToken, "issue-token", "", "issue a session token for this user ID and exit")
	fs.StringVar(&admin.exportChannels, "export-channels", "", "export the channel tree of this server ID as YAML and exit")
	fs.StringVar(&admin.importChannels, "import-channels", "", "import a channel YAML file into --server and exit")
	fs.StringVar(&admin.serverID, "server", "", "target server ID for --import-channels")

	if err := fs.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Println(version.Full())
		return nil
	}

	if err := logging.Setup(logging.Options{
		Level:  logLevel,
		Format: logFormat,
		Output: os.Stdout,
	}); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}

	if configFile != "" {
		// Flags given explicitly win over the file.
		redisAddr := cfg.Redis.Addr
		if err := server.LoadConfigFile(configFile, &cfg); err != nil {
			return err
		}
		if fs.Changed("redis") {
			cfg.Redis.Addr = redisAddr
		}
	}

	if cfg.TokenSecret == "" {
		secret, err := auth.GenerateSecret()
		if err != nil {
			return fmt.Errorf("generate token secret: %w", err)
		}
		cfg.TokenSecret = secret
		slog.Warn("no token secret configured, using a random one; tokens will not survive a restart")
	}
	issuer := auth.NewIssuer([]byte(cfg.TokenSecret), cfg.TokenTTL)

	st, err := store.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if admin.any() {
		defer func() { _ = st.Close() }()
		return runAdmin(ctx, st, issuer, admin)
	}

	var mirror presence.Mirror
	if cfg.Redis.Addr != "" {
		m, err := presence.NewRedisMirror(ctx, cfg.Redis)
		if err != nil {
			_ = st.Close()
			return err
		}
		mirror = m
		slog.Info("presence mirror enabled", "redis", cfg.Redis.Addr)
	}

	srv := server.New(cfg, server.Dependencies{
		Store:    st,
		Verifier: issuer,
		Mirror:   mirror,
	})
	return srv.Run(ctx)
}

func (a adminFlags) any() bool {
	return a.createUser != "" || a.issueToken != "" || a.exportChannels != "" || a.importChannels != ""
}

func runAdmin(ctx context.Context, st store.DataStore, issuer *auth.Issuer, a adminFlags) error {
	switch {
	case a.createUser != "":
		u := &model.User{Name: a.createUser, Level: 1}
		if err := st.CreateUser(ctx, u); err != nil {
			return err
		}
		fmt.Println(u.ID)

	case a.issueToken != "":
		u, err := st.GetUser(ctx, a.issueToken)
		if err != nil {
			return err
		}
		if u == nil {
			return fmt.Errorf("user %q not found", a.issueToken)
		}
		token, sid, exp, err := issuer.Issue(u.ID, "")
		if err != nil {
			return err
		}
		fmt.Printf("token: %s\nsessionId: %s\nexpires: %s\n", token, sid, exp.Format("2006-01-02T15:04:05Z07:00"))

	case a.exportChannels != "":
		data, err := server.ExportChannelsYAML(ctx, st, a.exportChannels)
		if err != nil {
			return err
		}
		fmt.Print(string(data))

	case a.importChannels != "":
		if a.serverID == "" {
			return fmt.Errorf("--import-channels requires --server")
		}
		data, err := os.ReadFile(a.importChannels) //nolint:gosec // path from CLI flag
		if err != nil {
			return fmt.Errorf("read channels file: %w", err)
		}
		created, err := server.ImportChannelsYAML(ctx, st, a.serverID, data)
		if err != nil {
			return err
		}
		slog.Info("channels imported", "server", a.serverID, "created", created)
	}
	return nil
}
