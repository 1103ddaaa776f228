package server

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"
)

// Metrics tracks server runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// Connection counters
	TotalConnections  atomic.Int64 // lifetime websocket connections accepted
	ActiveConnections atomic.Int64 // current bound connections
	FailedAuths       atomic.Int64 // rejected session/token pairs
	SuccessfulAuths   atomic.Int64 // accepted session/token pairs
	TotalDisconnects  atomic.Int64 // total client disconnects (clean + unclean)
	Evictions         atomic.Int64 // connections replaced by a newer login

	// Presence counters
	ChannelJoins  atomic.Int64
	ChannelLeaves atomic.Int64
	ServerJoins   atomic.Int64
	ServerLeaves  atomic.Int64
	Reconciled    atomic.Int64 // channel moves that failed after leaving and were reconciled

	// Error counters
	PermissionDenials atomic.Int64 // PERMISSION_DENIED errors emitted
	ErrorsEmitted     atomic.Int64 // error events emitted to operators

	// RTC counters
	RTCRelayed  atomic.Int64 // signaling payloads forwarded
	RTCRejected atomic.Int64 // signaling payloads refused

	// Chat and admin counters
	MessagesSent    atomic.Int64
	ServersCreated  atomic.Int64
	ChannelsCreated atomic.Int64
	ChannelsDeleted atomic.Int64
	MembersCreated  atomic.Int64
	MembersUpdated  atomic.Int64
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// MetricsSnapshot is a point-in-time view of all metrics as a serializable struct.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	SuccessfulAuths   int64 `json:"successful_auths"`
	FailedAuths       int64 `json:"failed_auths"`
	TotalDisconnects  int64 `json:"total_disconnects"`
	Evictions         int64 `json:"evictions"`

	ChannelJoins  int64 `json:"channel_joins"`
	ChannelLeaves int64 `json:"channel_leaves"`
	ServerJoins   int64 `json:"server_joins"`
	ServerLeaves  int64 `json:"server_leaves"`
	Reconciled    int64 `json:"reconciled"`

	PermissionDenials int64 `json:"permission_denials"`
	ErrorsEmitted     int64 `json:"errors_emitted"`

	RTCRelayed  int64 `json:"rtc_relayed"`
	RTCRejected int64 `json:"rtc_rejected"`

	MessagesSent    int64 `json:"messages_sent"`
	ServersCreated  int64 `json:"servers_created"`
	ChannelsCreated int64 `json:"channels_created"`
	ChannelsDeleted int64 `json:"channels_deleted"`
	MembersCreated  int64 `json:"members_created"`
	MembersUpdated  int64 `json:"members_updated"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:            uptime.Truncate(time.Second).String(),
		UptimeSeconds:     int64(uptime.Seconds()),
		ActiveConnections: m.ActiveConnections.Load(),
		TotalConnections:  m.TotalConnections.Load(),
		SuccessfulAuths:   m.SuccessfulAuths.Load(),
		FailedAuths:       m.FailedAuths.Load(),
		TotalDisconnects:  m.TotalDisconnects.Load(),
		Evictions:         m.Evictions.Load(),
		ChannelJoins:      m.ChannelJoins.Load(),
		ChannelLeaves:     m.ChannelLeaves.Load(),
		ServerJoins:       m.ServerJoins.Load(),
		ServerLeaves:      m.ServerLeaves.Load(),
		Reconciled:        m.Reconciled.Load(),
		PermissionDenials: m.PermissionDenials.Load(),
		ErrorsEmitted:     m.ErrorsEmitted.Load(),
		RTCRelayed:        m.RTCRelayed.Load(),
		RTCRejected:       m.RTCRejected.Load(),
		MessagesSent:      m.MessagesSent.Load(),
		ServersCreated:    m.ServersCreated.Load(),
		ChannelsCreated:   m.ChannelsCreated.Load(),
		ChannelsDeleted:   m.ChannelsDeleted.Load(),
		MembersCreated:    m.MembersCreated.Load(),
		MembersUpdated:    m.MembersUpdated.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a periodic metrics summary to the logger.
func (m *Metrics) LogSummary() {
	s := m.Snapshot()
	slog.Info("metrics",
		"uptime", s.Uptime,
		"connections", s.ActiveConnections,
		"total_connections", s.TotalConnections,
		"evictions", s.Evictions,
		"channel_joins", s.ChannelJoins,
		"channel_leaves", s.ChannelLeaves,
		"permission_denials", s.PermissionDenials,
		"errors", s.ErrorsEmitted,
		"rtc_relayed", s.RTCRelayed,
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(interval time.Duration, done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary()
			}
		}
	}()
}
