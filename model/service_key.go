package model

import "time"

const (
	KeyStatusActive  = "active"
	KeyStatusExpired = "expired"
	KeyStatusRevoked = "revoked"
)

// ServiceKey is an HMAC signing credential for gateway-to-service
// authentication. The plaintext secret is returned exactly once at creation;
// only the encrypted form is persisted. An expired key keeps verifying until
// ExpiresAt so rotation never causes a hard cutover.
type ServiceKey struct {
	KeyID           string     `json:"key_id" gorm:"primaryKey;type:text;not null"`
	ServiceID       string     `json:"service_id" gorm:"index;not null;size:255"`
	SecretEncrypted []byte     `json:"-" gorm:"not null"`
	Status          string     `json:"status" gorm:"not null;index;size:20"`
	CreatedAt       time.Time  `json:"created_at" gorm:"not null"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
}

// Verifiable reports whether the key may still be used to verify signatures
// at the given instant. Revoked keys never verify, regardless of ExpiresAt.
func (k *ServiceKey) Verifiable(now time.Time) bool {
	switch k.Status {
	case KeyStatusActive:
		return true
	case KeyStatusExpired:
		return k.ExpiresAt != nil && now.Before(*k.ExpiresAt)
	default:
		return false
	}
}
