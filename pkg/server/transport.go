package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/NicolasHaas/roomspeak/pkg/errs"
	"github.com/NicolasHaas/roomspeak/pkg/protocol"
)

// StartListener starts the websocket listener on Config.ListenAddr.
func (s *Server) StartListener() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	if s.cfg.TLS {
		cert, err := loadOrGenerateTLS(s.cfg)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("server: tls: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS13,
		})
	}
	s.listener = ln

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}
	go func() {
		slog.Info("websocket listening", "addr", ln.Addr().String(), "tls", s.cfg.TLS)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			select {
			case <-s.ctx.Done():
			default:
				slog.Error("websocket server error", "err", err)
			}
		}
	}()
	go func() {
		<-s.ctx.Done()
		_ = srv.Close()
	}()
	return nil
}

// Handler returns the HTTP handler serving the websocket endpoint.
func (s *Server) Handler() http.Handler {
	upgrader := newUpgrader(s.cfg.AllowedOrigins)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
			return
		}
		c := newWSConn(ws)
		go c.writePump()
		s.serveConn(r.Context(), c, r.URL.Query().Get("token"), r.URL.Query().Get("sessionId"))
	})
	return mux
}

// serveConn authenticates a websocket connection, binds it and runs its read
// loop until the socket closes.
func (s *Server) serveConn(ctx context.Context, c *wsConn, token, sessionID string) {
	s.metrics.TotalConnections.Add(1)
	if err := s.Attach(ctx, c, token, sessionID); err != nil {
		_ = c.Close()
		return
	}
	defer func() { _ = c.Close() }()
	defer s.Detach(context.WithoutCancel(ctx), c)

	c.readLoop(
		func(env *protocol.Envelope) { s.Dispatch(ctx, c, env) },
		func(err error) {
			s.router.Error(c, errs.Validation("decode", errs.CodeDataInvalid, "%v", err), "decode")
		},
	)
}

// Attach authenticates a new connection and makes it the user's active one.
// A previous connection of the same user is evicted.
func (s *Server) Attach(ctx context.Context, c Conn, token, sessionID string) error {
	userID, err := s.sessions.Resolve(token, sessionID)
	if err != nil {
		s.metrics.FailedAuths.Add(1)
		s.router.Error(c, err, "connect")
		return err
	}
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		s.router.Error(c, err, "connect")
		return err
	}
	if user == nil {
		s.metrics.FailedAuths.Add(1)
		err := errs.NotFound("connect", errs.CodeUserNotFound, "user %s not found", userID)
		s.router.Error(c, err, "connect")
		return err
	}
	s.metrics.SuccessfulAuths.Add(1)

	unlock := s.lifecycle.Lock(userID)
	defer unlock()

	replaced := s.sessions.Bind(userID, sessionID, c)
	if replaced {
		s.metrics.Evictions.Add(1)
	}
	s.metrics.ActiveConnections.Store(int64(s.sessions.Count()))
	s.xp.Create(userID)

	if err := s.presence.Resume(ctx, userID, c, replaced); err != nil {
		s.log.Warn("resume presence", "user", userID, "err", err)
	}
	s.log.Info("client connected", "user", userID, "conn", c.ID(), "replaced", replaced)
	return nil
}

// Detach cleans up after a closed connection. Only the user's active
// connection tears down presence; an evicted one just leaves its rooms.
// It holds the user's lifecycle lock so a reconnect waits for the final
// XP flush and teardown instead of being undone by them.
func (s *Server) Detach(ctx context.Context, c Conn) {
	if owner := s.sessions.Owner(c.ID()); owner != "" {
		unlock := s.lifecycle.Lock(owner)
		defer unlock()
	}
	userID, active := s.sessions.Release(c)
	for _, room := range s.rooms.RoomsOf(c.ID()) {
		if channelID, ok := strings.CutPrefix(room, rtcRoomPrefix); ok {
			s.rtc.Leave(c, userID, channelID)
		}
	}
	s.rooms.LeaveAll(c.ID())
	s.metrics.TotalDisconnects.Add(1)
	s.metrics.ActiveConnections.Store(int64(s.sessions.Count()))
	if userID == "" || !active {
		return
	}

	if err := s.xp.Delete(ctx, userID); err != nil {
		s.log.Error("xp flush on disconnect", "user", userID, "err", err)
	}
	if err := s.presence.Teardown(ctx, userID, c); err != nil {
		s.log.Error("presence teardown", "user", userID, "err", err)
	}
	s.log.Info("client disconnected", "user", userID, "conn", c.ID())
}

// Dispatch handles one inbound event. Every failure is emitted to the
// operator's own connection as an error event.
func (s *Server) Dispatch(ctx context.Context, c Conn, env *protocol.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			s.router.Error(c, fmt.Errorf("panic: %v", r), env.Event)
		}
	}()

	userID, ok := s.sessions.Operator(c.ID())
	if !ok {
		s.router.Error(c, errs.Unauthorized(env.Event, errs.CodeSessionInvalid, "connection has no active session"), env.Event)
		return
	}
	op := Operator{UserID: userID, Conn: c}
	if err := s.handle(ctx, op, env); err != nil {
		s.router.Error(c, err, env.Event)
	}
}

func (s *Server) handle(ctx context.Context, op Operator, env *protocol.Envelope) error {
	switch env.Event {
	case protocol.EventConnectChannel:
		req, err := decode[protocol.ConnectChannelRequest](env)
		if err != nil {
			return err
		}
		_, err = s.presence.ConnectChannel(ctx, op, req)
		return err

	case protocol.EventDisconnectChannel:
		req, err := decode[protocol.DisconnectChannelRequest](env)
		if err != nil {
			return err
		}
		return s.presence.DisconnectChannel(ctx, op, req)

	case protocol.EventConnectServer:
		req, err := decode[protocol.ConnectServerRequest](env)
		if err != nil {
			return err
		}
		return s.presence.ConnectServer(ctx, op, req)

	case protocol.EventDisconnectServer:
		req, err := decode[protocol.DisconnectServerRequest](env)
		if err != nil {
			return err
		}
		return s.presence.DisconnectServer(ctx, op, req)

	case protocol.EventCreateServer:
		req, err := decode[protocol.CreateServerRequest](env)
		if err != nil {
			return err
		}
		_, err = s.presence.CreateServer(ctx, op, req)
		return err

	case protocol.EventCreateMember:
		req, err := decode[protocol.CreateMemberRequest](env)
		if err != nil {
			return err
		}
		_, err = s.members.CreateMember(ctx, op, req)
		return err

	case protocol.EventUpdateMember:
		req, err := decode[protocol.UpdateMemberRequest](env)
		if err != nil {
			return err
		}
		_, err = s.members.UpdateMember(ctx, op, req)
		return err

	case protocol.EventCreateChannel:
		req, err := decode[protocol.CreateChannelRequest](env)
		if err != nil {
			return err
		}
		_, err = s.channels.CreateChannel(ctx, op, req)
		return err

	case protocol.EventUpdateChannel:
		req, err := decode[protocol.UpdateChannelRequest](env)
		if err != nil {
			return err
		}
		_, err = s.channels.UpdateChannel(ctx, op, req)
		return err

	case protocol.EventDeleteChannel:
		req, err := decode[protocol.DeleteChannelRequest](env)
		if err != nil {
			return err
		}
		_, err = s.channels.DeleteChannel(ctx, op, req)
		return err

	case protocol.EventSendMessage:
		req, err := decode[protocol.SendMessageRequest](env)
		if err != nil {
			return err
		}
		_, err = s.messages.Post(ctx, op, req)
		return err

	case protocol.EventRTCOffer, protocol.EventRTCAnswer, protocol.EventRTCIceCandidate:
		req, err := decode[protocol.RTCSignal](env)
		if err != nil {
			return err
		}
		return s.rtc.Relay(op, env.Event, req)

	case protocol.EventRTCJoin:
		req, err := decode[protocol.RTCRoomRequest](env)
		if err != nil {
			return err
		}
		return s.rtcJoin(ctx, op, req)

	case protocol.EventRTCLeave:
		req, err := decode[protocol.RTCRoomRequest](env)
		if err != nil {
			return err
		}
		s.rtc.Leave(op.Conn, op.UserID, req.ChannelID)
		return nil

	default:
		return errs.Validation(env.Event, errs.CodeDataInvalid, "unknown event %q", env.Event)
	}
}

// rtcJoin lets a user rejoin the RTC room of the channel they occupy.
func (s *Server) rtcJoin(ctx context.Context, op Operator, req protocol.RTCRoomRequest) error {
	const src = protocol.EventRTCJoin
	if req.ChannelID == "" {
		return errs.Validation(src, errs.CodeDataInvalid, "channelId is required")
	}
	user, err := s.store.GetUser(ctx, op.UserID)
	if err != nil {
		return errs.Server(src, err)
	}
	if user == nil || user.CurrentChannelID != req.ChannelID {
		return errs.Permission(src, "you are not in channel %s", req.ChannelID)
	}
	s.rtc.Join(op.Conn, op.UserID, req.ChannelID)
	return nil
}

func decode[T any](env *protocol.Envelope) (T, error) {
	v, err := protocol.DecodeData[T](env)
	if err != nil {
		return v, errs.Validation(env.Event, errs.CodeDataInvalid, "%v", err)
	}
	return v, nil
}
