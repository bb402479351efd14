package model

import (
	"time"

	"github.com/google/uuid"
)

type Platform string

const (
	PlatformAPNS Platform = "apns"
	PlatformFCM  Platform = "fcm"
	PlatformExpo Platform = "expo"
	PlatformWeb  Platform = "web"
)

func (p Platform) Valid() bool {
	switch p {
	case PlatformAPNS, PlatformFCM, PlatformExpo, PlatformWeb:
		return true
	}
	return false
}

// DeviceToken is one installed app instance on one device. Uniqueness is
// enforced per (user_id, token); re-registering the same token refreshes
// LastUsedAt instead of creating a duplicate row.
type DeviceToken struct {
	ID           uuid.UUID `db:"id"`
	UserID       uuid.UUID `db:"user_id"`
	Platform     Platform  `db:"platform"`
	Token        string    `db:"token"`
	RegisteredAt time.Time `db:"registered_at"`
	LastUsedAt   time.Time `db:"last_used_at"`
}
