package server

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pion/ice/v4"
	"github.com/pion/webrtc/v4"

	"github.com/NicolasHaas/roomspeak/pkg/errs"
	"github.com/NicolasHaas/roomspeak/pkg/protocol"
)

// RTCSignalRelay forwards WebRTC signaling between connections that share a
// channel's RTC room. It holds no media state.
type RTCSignalRelay struct {
	sessions *SessionRegistry
	rooms    *RoomManager
	router   *BroadcastRouter
	metrics  *Metrics
}

// NewRTCSignalRelay creates a relay.
func NewRTCSignalRelay(sessions *SessionRegistry, rooms *RoomManager, router *BroadcastRouter, metrics *Metrics) *RTCSignalRelay {
	return &RTCSignalRelay{sessions: sessions, rooms: rooms, router: router, metrics: metrics}
}

// Join adds conn to a channel's RTC room and announces it to the peers
// already there.
func (r *RTCSignalRelay) Join(c Conn, userID, channelID string) {
	if c == nil || channelID == "" {
		return
	}
	room := RTCRoom(channelID)
	if !r.rooms.Join(c.ID(), room) {
		return
	}
	r.router.ToRoom(room, protocol.EventRTCJoin, protocol.RTCRoomEvent{
		From: c.ID(), UserID: userID, ChannelID: channelID,
	}, c.ID())
}

// Leave removes conn from a channel's RTC room and tells the remaining peers.
func (r *RTCSignalRelay) Leave(c Conn, userID, channelID string) {
	if c == nil || channelID == "" {
		return
	}
	room := RTCRoom(channelID)
	if !r.rooms.Leave(c.ID(), room) {
		return
	}
	r.router.ToRoom(room, protocol.EventRTCLeave, protocol.RTCRoomEvent{
		From: c.ID(), UserID: userID, ChannelID: channelID,
	})
}

// Relay validates an offer, answer or ICE candidate and forwards it to the
// addressed connection, tagged with the sender's connection and user.
func (r *RTCSignalRelay) Relay(op Operator, event string, sig protocol.RTCSignal) error {
	if sig.To == "" || len(sig.Payload) == 0 {
		r.metrics.RTCRejected.Add(1)
		return errs.Validation(event, errs.CodeDataInvalid, "missing to or payload")
	}
	if err := ValidateSignal(event, sig.Payload); err != nil {
		r.metrics.RTCRejected.Add(1)
		return errs.Validation(event, errs.CodeDataInvalid, "%v", err)
	}
	target, ok := r.sessions.Conn(sig.To)
	if !ok {
		r.metrics.RTCRejected.Add(1)
		return errs.NotFound(event, errs.CodeConnectionNotFound, "connection %s not found", sig.To)
	}
	if !r.shareRoom(op.Conn.ID(), target.ID()) {
		r.metrics.RTCRejected.Add(1)
		return errs.Permission(event, "connection %s is not in your RTC room", sig.To)
	}

	r.router.ToConn(target, event, protocol.RTCRelay{
		From:    op.Conn.ID(),
		UserID:  op.UserID,
		Payload: sig.Payload,
	})
	r.metrics.RTCRelayed.Add(1)
	return nil
}

func (r *RTCSignalRelay) shareRoom(a, b string) bool {
	for _, room := range r.rooms.RoomsOf(a) {
		if strings.HasPrefix(room, rtcRoomPrefix) && r.rooms.In(b, room) {
			return true
		}
	}
	return false
}

// ValidateSignal checks the shape of a signaling payload for the given event.
// Offers and answers must carry a parseable SDP of the matching type; ICE
// payloads must carry a parseable candidate or the empty end-of-candidates
// marker.
func ValidateSignal(event string, payload json.RawMessage) error {
	switch event {
	case protocol.EventRTCOffer, protocol.EventRTCAnswer:
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(payload, &desc); err != nil {
			return fmt.Errorf("session description: %w", err)
		}
		want := webrtc.SDPTypeOffer
		if event == protocol.EventRTCAnswer {
			want = webrtc.SDPTypeAnswer
		}
		if desc.Type != want {
			return fmt.Errorf("session description type %s, want %s", desc.Type, want)
		}
		if _, err := desc.Unmarshal(); err != nil {
			return fmt.Errorf("sdp: %w", err)
		}
		return nil
	case protocol.EventRTCIceCandidate:
		var init webrtc.ICECandidateInit
		if err := json.Unmarshal(payload, &init); err != nil {
			return fmt.Errorf("ice candidate: %w", err)
		}
		if init.Candidate == "" {
			return nil
		}
		if _, err := ice.UnmarshalCandidate(strings.TrimPrefix(init.Candidate, "candidate:")); err != nil {
			return fmt.Errorf("ice candidate: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported signal %q", event)
	}
}
