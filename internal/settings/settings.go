// Package settings holds the global tuning knobs (assignment mode, chat
// capacity, reassignment thresholds) as durable rows with a shared cached
// snapshot, so every worker reads the same values without a database round
// trip per event.
package settings

import (
	"errors"
	"fmt"
)

// Setting keys. The set is closed; writes to any other key are rejected.
const (
	KeyLoginType           = "login_type"
	KeyAllowClaimingChat   = "allow_claiming_chat"
	KeyMaxStaffsInChat     = "max_staffs_in_chat"
	KeyAutoAssign          = "auto_assign"
	KeyAutoReassign        = "auto_reassign"
	KeyHoursToAutoReassign = "hours_to_auto_reassign"
)

// ErrUnknownKey is returned for writes outside the closed key set.
var ErrUnknownKey = errors.New("unknown setting key")

// Settings is the snapshot of every setting row.
type Settings struct {
	LoginType           int `json:"login_type"`
	AllowClaimingChat   int `json:"allow_claiming_chat"`
	MaxStaffsInChat     int `json:"max_staffs_in_chat"`
	AutoAssign          int `json:"auto_assign"`
	AutoReassign        int `json:"auto_reassign"`
	HoursToAutoReassign int `json:"hours_to_auto_reassign"`
}

// Defaults returns the settings seeded on first run.
func Defaults() Settings {
	return Settings{
		LoginType:           0,
		AllowClaimingChat:   1,
		MaxStaffsInChat:     1,
		AutoAssign:          1,
		AutoReassign:        1,
		HoursToAutoReassign: 24,
	}
}

// Map returns the snapshot keyed by setting name.
func (s Settings) Map() map[string]int {
	return map[string]int{
		KeyLoginType:           s.LoginType,
		KeyAllowClaimingChat:   s.AllowClaimingChat,
		KeyMaxStaffsInChat:     s.MaxStaffsInChat,
		KeyAutoAssign:          s.AutoAssign,
		KeyAutoReassign:        s.AutoReassign,
		KeyHoursToAutoReassign: s.HoursToAutoReassign,
	}
}

// apply sets a single key on the snapshot.
func (s *Settings) apply(key string, value int) error {
	switch key {
	case KeyLoginType:
		s.LoginType = value
	case KeyAllowClaimingChat:
		s.AllowClaimingChat = value
	case KeyMaxStaffsInChat:
		s.MaxStaffsInChat = value
	case KeyAutoAssign:
		s.AutoAssign = value
	case KeyAutoReassign:
		s.AutoReassign = value
	case KeyHoursToAutoReassign:
		s.HoursToAutoReassign = value
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	return nil
}

// Validate checks a single key/value pair against its allowed range.
func Validate(key string, value int) error {
	switch key {
	case KeyLoginType:
		if value < 0 || value > 2 {
			return fmt.Errorf("login_type must be 0, 1, or 2")
		}
	case KeyAllowClaimingChat, KeyAutoAssign, KeyAutoReassign:
		if value != 0 && value != 1 {
			return fmt.Errorf("%s must be 0 or 1", key)
		}
	case KeyMaxStaffsInChat:
		if value < 1 {
			return fmt.Errorf("max_staffs_in_chat must be at least 1")
		}
	case KeyHoursToAutoReassign:
		if value < 1 {
			return fmt.Errorf("hours_to_auto_reassign must be at least 1")
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	return nil
}
