package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/NicolasHaas/roomspeak/pkg/version"
)

// StartMetricsHTTP starts a lightweight HTTP server that exposes /metrics
// in Prometheus text exposition format. It runs in the background and
// shuts down when the server context is cancelled.
//
// Bind address is :9702 by default, configurable via Config.MetricsAddr.
func (s *Server) StartMetricsHTTP() {
	addr := s.cfg.MetricsAddr
	if addr == "" {
		return // metrics endpoint disabled
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.metricsMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("metrics HTTP listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics HTTP error", "err", err)
		}
	}()

	go func() {
		<-s.ctx.Done()
		_ = srv.Close()
	}()
}

func (s *Server) metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Status string `json:"status"`
		version.Info
	}{Status: "ok", Info: version.Current()})
}

// handleMetrics writes all metrics in Prometheus text exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	m := s.metrics
	uptime := time.Since(m.startTime).Seconds()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// Write errors to http.ResponseWriter are non-actionable; suppress errcheck.
	write := func(name, help, mtype string, value int64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}
	writeFloat := func(name, help, mtype string, value float64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %f\n", name, value)
	}

	writeFloat("roomspeak_uptime_seconds", "Server uptime in seconds.", "gauge", uptime)

	write("roomspeak_connections_active", "Current bound websocket connections.", "gauge",
		m.ActiveConnections.Load())
	write("roomspeak_connections_total", "Lifetime websocket connections accepted.", "counter",
		m.TotalConnections.Load())
	write("roomspeak_disconnects_total", "Total client disconnects.", "counter",
		m.TotalDisconnects.Load())
	write("roomspeak_evictions_total", "Connections replaced by a newer login.", "counter",
		m.Evictions.Load())

	write("roomspeak_auth_success_total", "Accepted session/token pairs.", "counter",
		m.SuccessfulAuths.Load())
	write("roomspeak_auth_failed_total", "Rejected session/token pairs.", "counter",
		m.FailedAuths.Load())

	write("roomspeak_channel_joins_total", "Channel joins.", "counter", m.ChannelJoins.Load())
	write("roomspeak_channel_leaves_total", "Channel leaves.", "counter", m.ChannelLeaves.Load())
	write("roomspeak_server_joins_total", "Server joins.", "counter", m.ServerJoins.Load())
	write("roomspeak_server_leaves_total", "Server leaves.", "counter", m.ServerLeaves.Load())
	write("roomspeak_reconciled_total", "Channel moves reconciled after a failed join.", "counter",
		m.Reconciled.Load())

	write("roomspeak_permission_denials_total", "PERMISSION_DENIED errors emitted.", "counter",
		m.PermissionDenials.Load())
	write("roomspeak_errors_total", "Error events emitted to operators.", "counter",
		m.ErrorsEmitted.Load())

	write("roomspeak_rtc_relayed_total", "RTC signaling payloads forwarded.", "counter",
		m.RTCRelayed.Load())
	write("roomspeak_rtc_rejected_total", "RTC signaling payloads refused.", "counter",
		m.RTCRejected.Load())

	write("roomspeak_messages_total", "Chat messages sent.", "counter", m.MessagesSent.Load())
	write("roomspeak_servers_created_total", "Servers created.", "counter", m.ServersCreated.Load())
	write("roomspeak_channels_created_total", "Channels created.", "counter", m.ChannelsCreated.Load())
	write("roomspeak_channels_deleted_total", "Channels deleted.", "counter", m.ChannelsDeleted.Load())
	write("roomspeak_members_created_total", "Members created.", "counter", m.MembersCreated.Load())
	write("roomspeak_members_updated_total", "Members updated.", "counter", m.MembersUpdated.Load())

	if s.xp != nil {
		write("roomspeak_xp_units_total", "XP accrual units awarded.", "counter", s.xp.UnitsAwarded())
		write("roomspeak_xp_sweeps_total", "XP sweeps completed.", "counter", s.xp.Sweeps())
		write("roomspeak_xp_failures_total", "Per-user XP flush failures.", "counter", s.xp.Failures())
	}
	write("roomspeak_rooms_active", "Non-empty broadcast rooms.", "gauge", int64(s.rooms.Rooms()))
}
