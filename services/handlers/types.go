package handlers

import (
	"context"

	"github.com/ViljarVoidula/graphql-gateway/dto"
	"github.com/ViljarVoidula/graphql-gateway/model"
)

type RegistryServiceInterface interface {
	Register(input dto.RegisterServiceRequest, requesterID string, isAdmin bool) (*dto.RegisterServiceResponse, error)
	Update(id string, patch dto.UpdateServiceRequest, requesterID string, isAdmin bool) (*model.Service, error)
	Remove(id, requesterID string, isAdmin bool) (bool, error)
	RotateServiceKey(serviceID, requesterID string, isAdmin bool) (*dto.RotateKeyResponse, error)
	RevokeServiceKey(keyID, requesterID string, isAdmin bool) (bool, error)
	ServiceKeys(serviceID, requesterID string, isAdmin bool) ([]dto.ServiceKeyInfo, error)
	SetExternallyAccessible(serviceID string, flag, isAdmin bool) (bool, error)
	ListExternallyAccessible() ([]model.Service, error)
	ListServices() ([]model.Service, error)
	GetService(id string) (*model.Service, error)
	UpdateSDL(serviceID, sdl string) error
}

type KeyManagerInterface interface {
	GetStats() (*dto.KeyStatsResponse, error)
}

type SchemaEngineInterface interface {
	SDL(ctx context.Context) (string, error)
	Invalidate()
	Reload(ctx context.Context) error
}

type SchemaArchiveInterface interface {
	ListSnapshots() ([]string, error)
}
