package model

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

const MaxUserNameLength = 32

var ErrUserNameEmpty = errors.New("user name must not be empty")
var ErrUserNameTooLong = fmt.Errorf("user name must not exceed %d characters", MaxUserNameLength)

// User is the presence-relevant projection of a registered account.
type User struct {
	ID               string    `json:"userId"`
	Name             string    `json:"name"`
	Level            int       `json:"level"`
	XP               float64   `json:"xp"`
	RequiredXP       float64   `json:"requiredXp"`
	Progress         float64   `json:"progress"`
	VIP              int       `json:"vip"`
	CurrentServerID  string    `json:"currentServerId"`  // "" = not in a server
	CurrentChannelID string    `json:"currentChannelId"` // "" = not in a channel
	LastActiveAt     time.Time `json:"lastActiveAt"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Validate checks the fields a store requires before inserting a user.
func (u *User) Validate() error {
	if u.Name == "" {
		return ErrUserNameEmpty
	}
	if utf8.RuneCountInString(u.Name) > MaxUserNameLength {
		return ErrUserNameTooLong
	}
	return nil
}

// UserProgress is the leveling state written back by the XP engine.
type UserProgress struct {
	Level      int
	XP         float64
	RequiredXP float64
	Progress   float64
}
