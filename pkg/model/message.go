package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const MessageMaxBodyLength = 2000

var ErrMessageBodyTooLong = fmt.Errorf("message body exceeds %d characters", MessageMaxBodyLength)
var ErrMessageBodyEmpty = errors.New("message body cannot be empty")

// MessageType distinguishes user chat from informational notices.
type MessageType string

const (
	MessageGeneral MessageType = "general"
	MessageInfo    MessageType = "info"
)

type Message struct {
	ID        string      `json:"messageId"`
	ServerID  string      `json:"serverId"`
	ChannelID string      `json:"channelId"`
	SenderID  string      `json:"senderId"`
	Type      MessageType `json:"type"`
	Body      string      `json:"content"`
	CreatedAt time.Time   `json:"timestamp"`
}

func (m *Message) Validate() error {
	if strings.TrimSpace(m.Body) == "" {
		return ErrMessageBodyEmpty
	} else if utf8.RuneCountInString(m.Body) > MessageMaxBodyLength {
		return ErrMessageBodyTooLong
	}

	return nil
}
