package model

import "time"

const (
	// PermissionAll grants every capability, including administration.
	PermissionAll = "*"

	// PermissionAdmin grants access to the key management API.
	PermissionAdmin = "admin"
)

// APIKey represents a bearer credential issued by keygate. The raw key is
// never stored; only a SHA-256 digest and a short display prefix are
// persisted.
type APIKey struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Prefix      string     `json:"prefix"`
	KeyHash     string     `json:"-"` // SHA-256 hex digest, never expose
	Permissions []string   `json:"permissions"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Revoked     bool       `json:"revoked"`
}

// IsExpired reports whether the key has an expiry at or before now.
func (k *APIKey) IsExpired(now time.Time) bool {
	return k.ExpiresAt != nil && !k.ExpiresAt.After(now)
}

// HasPermission reports whether the key grants scope, either directly or
// through the "*" wildcard.
func (k *APIKey) HasPermission(scope string) bool {
	return HasPermission(k.Permissions, scope)
}

// IsAdmin reports whether the key may use the key management API.
func (k *APIKey) IsAdmin() bool {
	return IsAdminPermissions(k.Permissions)
}

// HasPermission reports whether perms contains scope or the "*" wildcard.
func HasPermission(perms []string, scope string) bool {
	for _, p := range perms {
		if p == PermissionAll || p == scope {
			return true
		}
	}
	return false
}

// IsAdminPermissions reports whether perms carry administrative privilege.
func IsAdminPermissions(perms []string) bool {
	return HasPermission(perms, PermissionAdmin)
}

// KeyView is the sanitized representation of an APIKey returned by the
// HTTP API and the CLI. Timestamps are milliseconds since the Unix epoch.
type KeyView struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Prefix      string   `json:"prefix"`
	Permissions []string `json:"permissions"`
	CreatedAt   int64    `json:"createdAt"`
	LastUsedAt  *int64   `json:"lastUsedAt"`
	ExpiresAt   *int64   `json:"expiresAt"`
	Revoked     bool     `json:"revoked"`
}

// View returns the sanitized representation of k.
func (k *APIKey) View() KeyView {
	perms := k.Permissions
	if perms == nil {
		perms = []string{}
	}
	return KeyView{
		ID:          k.ID,
		Name:        k.Name,
		Prefix:      k.Prefix,
		Permissions: perms,
		CreatedAt:   k.CreatedAt.UnixMilli(),
		LastUsedAt:  MillisPtr(k.LastUsedAt),
		ExpiresAt:   MillisPtr(k.ExpiresAt),
		Revoked:     k.Revoked,
	}
}

// MillisPtr converts an optional time to optional epoch milliseconds.
func MillisPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

// TimePtr converts optional epoch milliseconds to an optional UTC time.
func TimePtr(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}
