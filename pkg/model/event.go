package model

import "time"

// Event is a time-boxed promotion granting an XP multiplier, scoped globally,
// to one server, or to one channel of a server.
type Event struct {
	ID                string        `json:"eventId"`
	Name              string        `json:"name"`
	ServerID          string        `json:"serverId"`  // "" = global
	ChannelID         string        `json:"channelId"` // "" = whole server
	StartAt           time.Time     `json:"startAt"`
	EndAt             time.Time     `json:"endAt"`
	XPMultiplier      float64       `json:"xpMultiplier"`
	DurationThreshold time.Duration `json:"durationThreshold"` // 0 = no badge
	BadgeID           string        `json:"badgeId"`
}

// ActiveAt reports whether the event window contains t.
func (e *Event) ActiveAt(t time.Time) bool {
	return !t.Before(e.StartAt) && t.Before(e.EndAt)
}

// Covers reports whether a user located in serverID/channelID is within the event scope.
func (e *Event) Covers(serverID, channelID string) bool {
	if e.ServerID == "" {
		return true
	}
	if e.ServerID != serverID {
		return false
	}
	return e.ChannelID == "" || e.ChannelID == channelID
}

// UserBadge records a badge held by a user.
type UserBadge struct {
	UserID    string    `json:"userId"`
	BadgeID   string    `json:"badgeId"`
	AwardedAt time.Time `json:"awardedAt"`
}
