package model

import "time"

const (
	ServiceStatusActive      = "active"
	ServiceStatusInactive    = "inactive"
	ServiceStatusMaintenance = "maintenance"
)

// Service is a downstream GraphQL service registered with the gateway. SDL
// holds the last schema fetched from it and is reused when the service is
// unreachable during a reload.
type Service struct {
	ID                   string    `json:"id" gorm:"primaryKey;type:text;not null"`
	Name                 string    `json:"name" gorm:"not null;size:255"`
	URL                  string    `json:"url" gorm:"uniqueIndex;not null;size:2048"`
	OwnerID              string    `json:"owner_id" gorm:"index;size:255"`
	Status               string    `json:"status" gorm:"not null;index;size:20"`
	EnableHMAC           bool      `json:"enable_hmac" gorm:"default:false;not null"`
	EnableBatching       bool      `json:"enable_batching" gorm:"default:false;not null"`
	TimeoutMs            int       `json:"timeout_ms" gorm:"default:10000;not null"`
	ExternallyAccessible bool      `json:"externally_accessible" gorm:"default:false;not null"`
	SDL                  *string   `json:"sdl,omitempty" gorm:"type:text"`
	CreatedAt            time.Time `json:"created_at" gorm:"not null"`
	UpdatedAt            time.Time `json:"updated_at" gorm:"not null"`
}

// Pollable reports whether the service is eligible for SDL re-fetch during a
// schema reload. Maintenance is excluded on purpose: the operator asked for
// the service to be left alone.
func (s *Service) Pollable() bool {
	return s.Status == ServiceStatusActive || s.Status == ServiceStatusInactive
}
