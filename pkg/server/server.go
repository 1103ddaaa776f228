// Package server implements the RoomSpeak presence server: websocket
// sessions, channel and server presence, membership administration, RTC
// signaling relay and XP accrual wiring.
package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/NicolasHaas/roomspeak/pkg/logging"
	"github.com/NicolasHaas/roomspeak/pkg/presence"
	"github.com/NicolasHaas/roomspeak/pkg/store"
	"github.com/NicolasHaas/roomspeak/pkg/xp"
)

// Dependencies holds external dependencies for the server.
// Server assumes ownership of Store and Mirror and closes them on shutdown.
type Dependencies struct {
	Store    store.DataStore
	Verifier TokenVerifier
	Mirror   presence.Mirror  // nil disables the presence mirror
	Clock    func() time.Time // nil means time.Now
	Logger   *slog.Logger     // nil means logging.For("server")
}

// loadOrGenerateTLS loads TLS cert/key from disk or generates a self-signed pair.
func loadOrGenerateTLS(cfg Config) (tls.Certificate, error) {
	certPath := cfg.CertFile
	keyPath := cfg.KeyFile

	if certPath == "" {
		certPath = filepath.Join(cfg.DataDir, "server.crt")
	}
	if keyPath == "" {
		keyPath = filepath.Join(cfg.DataDir, "server.key")
	}

	// Try loading existing cert
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err == nil {
		slog.Info("loaded TLS certificate", "cert", certPath)
		return cert, nil
	}

	// Generate self-signed certificate
	slog.Info("generating self-signed TLS certificate")
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate key: %w", err)
	}

	serialNumber, _ := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      pkix.Name{Organization: []string{"RoomSpeak Server"}},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create cert: %w", err)
	}

	// Write cert
	certOut, err := os.Create(certPath) //nolint:gosec // path from server config
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("write cert: %w", err)
	}
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: certDER}); err != nil {
		_ = certOut.Close()
		return tls.Certificate{}, fmt.Errorf("encode cert: %w", err)
	}
	if err := certOut.Close(); err != nil {
		return tls.Certificate{}, fmt.Errorf("close cert file: %w", err)
	}

	// Write key
	privBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("marshal key: %w", err)
	}
	keyOut, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600) //nolint:gosec // path from server config
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("write key: %w", err)
	}
	if err := pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: privBytes}); err != nil {
		_ = keyOut.Close()
		return tls.Certificate{}, fmt.Errorf("encode key: %w", err)
	}
	if err := keyOut.Close(); err != nil {
		return tls.Certificate{}, fmt.Errorf("close key file: %w", err)
	}

	slog.Info("TLS certificate generated", "cert", certPath, "key", keyPath)

	return tls.LoadX509KeyPair(certPath, keyPath)
}

// Server is the main RoomSpeak server.
type Server struct {
	cfg      Config
	store    store.DataStore
	mirror   presence.Mirror
	sessions *SessionRegistry
	rooms    *RoomManager
	router   *BroadcastRouter
	rtc      *RTCSignalRelay
	presence *PresenceCoordinator
	members  *MembershipManager
	channels *ChannelAdmin
	messages *Messenger
	xp       *xp.Engine
	metrics  *Metrics
	now      func() time.Time
	log      *slog.Logger

	lifecycle *keyedMutex // serializes Attach and Detach per user

	listener net.Listener
	stopXP   context.CancelFunc
	xpDone   chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
}

// New creates a new Server instance and wires its components.
func New(cfg Config, deps Dependencies) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	log := deps.Logger
	if log == nil {
		log = logging.For("server")
	}
	mirror := deps.Mirror
	if mirror == nil {
		mirror = presence.Nop{}
	}
	policy := Policy{Special: cfg.SpecialAccounts}

	s := &Server{
		cfg:      cfg,
		store:    deps.Store,
		mirror:   mirror,
		sessions: NewSessionRegistry(deps.Verifier, now),
		rooms:    NewRoomManager(),
		metrics:  NewMetrics(),
		now:      now,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
	}
	s.lifecycle = newKeyedMutex()
	s.router = NewBroadcastRouter(s.sessions, s.rooms, s.metrics, log)
	s.rtc = NewRTCSignalRelay(s.sessions, s.rooms, s.router, s.metrics)
	s.members = &MembershipManager{
		store: s.store, router: s.router, policy: policy, metrics: s.metrics, now: now, log: log,
	}
	s.presence = &PresenceCoordinator{
		store:    s.store,
		sessions: s.sessions,
		rooms:    s.rooms,
		router:   s.router,
		rtc:      s.rtc,
		members:  s.members,
		mirror:   mirror,
		policy:   policy,
		metrics:  s.metrics,
		now:      now,
		log:      log,
		locks:    newKeyedMutex(),
	}
	s.messages = &Messenger{
		store: s.store, router: s.router, policy: policy, metrics: s.metrics, now: now, log: log,
	}
	s.channels = &ChannelAdmin{
		store:     s.store,
		router:    s.router,
		presence:  s.presence,
		messenger: s.messages,
		policy:    policy,
		metrics:   s.metrics,
		now:       now,
		log:       log,
	}
	s.xp = xp.New(s.store, cfg.XP, now, logging.For("xp"))
	return s
}

// Sessions returns the session registry.
func (s *Server) Sessions() *SessionRegistry {
	return s.sessions
}

// Rooms returns the room manager.
func (s *Server) Rooms() *RoomManager {
	return s.rooms
}

// Presence returns the presence coordinator.
func (s *Server) Presence() *PresenceCoordinator {
	return s.presence
}

// Members returns the membership manager.
func (s *Server) Members() *MembershipManager {
	return s.members
}

// Channels returns the channel administration component.
func (s *Server) Channels() *ChannelAdmin {
	return s.channels
}

// Messenger returns the messaging collaborator.
func (s *Server) Messenger() *Messenger {
	return s.messages
}

// XP returns the XP accrual engine.
func (s *Server) XP() *xp.Engine {
	return s.xp
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}
