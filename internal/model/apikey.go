package model

import (
	"time"
)

// Permission levels for API keys.
const (
	PermRead   = "read"
	PermWrite  = "write"
	PermAdmin  = "admin"
	PermDelete = "delete"
)

// KeyPrefix is prepended to every generated plaintext API key.
const KeyPrefix = "dpn_"

// ApiKey is a stored API credential. Only the bcrypt hash exists at rest;
// the plaintext is returned exactly once at creation time.
type ApiKey struct {
	ID                 int64      `json:"id"`
	KeyHash            string     `json:"-"`
	KeyPreview         string     `json:"key_prefix"`
	Name               string     `json:"name"`
	Description        string     `json:"description,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	LastUsedAt         *time.Time `json:"last_used_at,omitempty"`
	IsActive           bool       `json:"is_active"`
	RateLimitPerMinute int        `json:"rate_limit_per_minute"`
	Permissions        []string   `json:"permissions"`
}

// HasPermission reports whether the key carries the given permission.
func (k *ApiKey) HasPermission(perm string) bool {
	for _, p := range k.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// Expired reports whether the key has an expiration in the past.
func (k *ApiKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}
