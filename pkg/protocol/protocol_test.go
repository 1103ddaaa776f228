package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEncodeDecode(t *testing.T) {
	frame, err := Encode(EventConnectChannel, ConnectChannelRequest{UserID: "u1", ChannelID: "c1", ServerID: "s1"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(string(frame), `"event":"connectChannel"`) {
		t.Fatalf("unexpected frame %s", frame)
	}

	env, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got, err := DecodeData[ConnectChannelRequest](env)
	if err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	want := ConnectChannelRequest{UserID: "u1", ChannelID: "c1", ServerID: "s1"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"not json", "hello"},
		{"missing event", `{"data":{}}`},
		{"too large", `{"event":"x","data":"` + strings.Repeat("a", MaxMessageSize) + `"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode([]byte(tt.frame)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestDecodeDataMissing(t *testing.T) {
	_, err := DecodeData[ConnectServerRequest](&Envelope{Event: EventConnectServer})
	if err == nil {
		t.Fatalf("expected missing data error")
	}
	_, err = DecodeData[ConnectServerRequest](&Envelope{Event: EventConnectServer, Data: json.RawMessage(`[1]`)})
	if err == nil {
		t.Fatalf("expected type error")
	}
}

func TestEncodeWithoutData(t *testing.T) {
	frame, err := Encode(EventRTCLeave, nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if string(frame) != `{"event":"RTCLeave"}` {
		t.Fatalf("frame = %s", frame)
	}
	if _, err := Encode("", nil); !errors.Is(err, ErrEmptyEvent) {
		t.Fatalf("expected ErrEmptyEvent, got %v", err)
	}
}
