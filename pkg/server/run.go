package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/NicolasHaas/roomspeak/pkg/presence"
	"github.com/NicolasHaas/roomspeak/pkg/version"
)

// Run starts the server and blocks until ctx is cancelled, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	if s.store == nil {
		return fmt.Errorf("server: missing store dependency")
	}
	if s.sessions.verifier == nil {
		return fmt.Errorf("server: missing token verifier dependency")
	}

	if err := s.StartListener(); err != nil {
		return err
	}
	xpCtx, stopXP := context.WithCancel(context.Background())
	s.stopXP = stopXP
	s.xpDone = make(chan struct{})
	go func() {
		defer close(s.xpDone)
		s.xp.Run(xpCtx)
	}()

	slog.Info("RoomSpeak server running",
		"addr", s.cfg.ListenAddr,
		"version", version.String(),
	)

	// Start Prometheus metrics HTTP endpoint
	s.StartMetricsHTTP()

	if s.cfg.MetricsLog > 0 {
		s.metrics.StartPeriodicLog(s.cfg.MetricsLog, s.ctx.Done())
	}
	if _, nop := s.mirror.(presence.Nop); !nop {
		go s.refreshMirror(presence.RefreshInterval(s.cfg.Redis.TTL))
	}

	select {
	case <-ctx.Done():
	case <-s.ctx.Done():
	}

	slog.Info("shutting down...")
	s.Shutdown()
	return nil
}

// refreshMirror keeps the presence mirror entries of connected users alive
// until the server stops.
func (s *Server) refreshMirror(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			n := s.presence.RefreshMirror(s.ctx, s.sessions.All())
			s.log.Debug("presence mirror refreshed", "users", n)
		}
	}
}

// Shutdown gracefully stops the server: connections are closed, pending XP
// is flushed, connected users are taken out of their servers, and the store
// and presence mirror are closed.
func (s *Server) Shutdown() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sessions := s.sessions.All()
	s.sessions.CloseAll()

	if s.stopXP != nil {
		s.stopXP()
		<-s.xpDone
	} else {
		s.xp.Shutdown(ctx)
	}
	for _, sess := range sessions {
		if err := s.presence.Teardown(ctx, sess.UserID, nil); err != nil {
			slog.Error("teardown on shutdown", "user", sess.UserID, "err", err)
		}
	}

	if c, ok := s.mirror.(interface{ Close() error }); ok {
		_ = c.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			slog.Error("close store", "err", err)
		}
	}
}
