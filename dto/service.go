package dto

import "github.com/ViljarVoidula/graphql-gateway/model"

type RegisterServiceRequest struct {
	Name           string `json:"name" validate:"required,min=2,max=255"`
	URL            string `json:"url" validate:"required,url"`
	OwnerID        string `json:"owner_id,omitempty"`
	EnableHMAC     bool   `json:"enable_hmac"`
	EnableBatching bool   `json:"enable_batching"`
	TimeoutMs      int    `json:"timeout_ms" validate:"omitempty,min=100,max=120000"`
}

func (r RegisterServiceRequest) Validate() error {
	return GetValidator().Struct(r)
}

type UpdateServiceRequest struct {
	Name           *string `json:"name,omitempty" validate:"omitempty,min=2,max=255"`
	URL            *string `json:"url,omitempty" validate:"omitempty,url"`
	OwnerID        *string `json:"owner_id,omitempty"`
	Status         *string `json:"status,omitempty" validate:"omitempty,oneof=active inactive maintenance"`
	EnableHMAC     *bool   `json:"enable_hmac,omitempty"`
	EnableBatching *bool   `json:"enable_batching,omitempty"`
	TimeoutMs      *int    `json:"timeout_ms,omitempty" validate:"omitempty,min=100,max=120000"`
}

func (r UpdateServiceRequest) Validate() error {
	return GetValidator().Struct(r)
}

// HMACKeyResponse carries a freshly minted credential. The secret appears
// here and nowhere else, ever again.
type HMACKeyResponse struct {
	KeyID     string `json:"key_id"`
	SecretKey string `json:"secret_key"`
}

type RegisterServiceResponse struct {
	Service *model.Service   `json:"service"`
	HMACKey *HMACKeyResponse `json:"hmac_key,omitempty"`
	Success bool             `json:"success"`
}

type RotateKeyResponse struct {
	OldKeyID *string          `json:"old_key_id,omitempty"`
	NewKey   *HMACKeyResponse `json:"new_key"`
	Success  bool             `json:"success"`
}

type SetExternalAccessRequest struct {
	ExternallyAccessible bool `json:"externally_accessible"`
}

type UpdateSDLRequest struct {
	SDL string `json:"sdl" validate:"required"`
}

func (r UpdateSDLRequest) Validate() error {
	return GetValidator().Struct(r)
}
