package dto

import "time"

// ServiceKeyInfo is the queryable view of a key. It never includes the
// secret.
type ServiceKeyInfo struct {
	KeyID     string     `json:"key_id"`
	ServiceID string     `json:"service_id"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type KeyStatsResponse struct {
	TotalKeys   int64 `json:"total_keys"`
	ActiveKeys  int64 `json:"active_keys"`
	RevokedKeys int64 `json:"revoked_keys"`
	Services    int64 `json:"services"`
}
