package users

import (
	"strings"
	"time"
)

// Identity maps a provider-specific login to the canonical collaborator id.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	AvatarURL   string    `gorm:"column:user_avatar_url;size:512"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

// Profile is the resolved identity carried by a session and published in presence.
type Profile struct {
	UserID      string
	DisplayName string
	AvatarURL   string
}

func (identity Identity) profile() Profile {
	name := identity.DisplayName
	if name == "" {
		name = identity.UserID
	}
	return Profile{
		UserID:      identity.UserID,
		DisplayName: name,
		AvatarURL:   identity.AvatarURL,
	}
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
