package services

import (
	goContext "context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alphabatem/common/context"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/ViljarVoidula/graphql-gateway/dto"
	"github.com/ViljarVoidula/graphql-gateway/model"
	"github.com/ViljarVoidula/graphql-gateway/shared"
)

// SchemaInvalidator is what the registry needs from the federation engine:
// drop the cached composite schema and rebuild it.
type SchemaInvalidator interface {
	Invalidate()
	Reload(ctx goContext.Context) error
}

// RegistrySnapshot is an immutable view of the registered services. Version
// is bumped on every mutation; the federation engine caches by it.
type RegistrySnapshot struct {
	Version  uint64
	Services []model.Service
}

// ServiceRegistryService owns authorization-gated CRUD over registered
// services. Every mutation persists first, then invalidates the federation
// engine and triggers a reload off the request path.
type ServiceRegistryService struct {
	context.DefaultService

	sqlSvc *SqlService
	keySvc *KeyManagerService
	engine SchemaInvalidator

	version atomic.Uint64
}

const REGISTRY_SVC = "registry_svc"

func (svc ServiceRegistryService) Id() string {
	return REGISTRY_SVC
}

func (svc *ServiceRegistryService) Start() error {
	svc.sqlSvc = svc.Service(SQL_SVC).(*SqlService)
	svc.keySvc = svc.Service(KEY_MANAGER_SVC).(*KeyManagerService)
	svc.engine = svc.Service(SCHEMA_SVC).(*SchemaService)
	return nil
}

// ==================== AUTHORIZATION ====================

// CanAccessService evaluates in precedence order: admin grants everything,
// then the owner may manage their own service, otherwise reject.
func (svc *ServiceRegistryService) CanAccessService(requesterID string, isAdmin bool, service *model.Service) bool {
	if isAdmin {
		return true
	}
	return requesterID != "" && service.OwnerID == requesterID
}

func (svc *ServiceRegistryService) CanManageApplications(isAdmin bool) bool {
	return isAdmin
}

func (svc *ServiceRegistryService) authorize(requesterID string, isAdmin bool, service *model.Service) error {
	if !svc.CanAccessService(requesterID, isAdmin, service) {
		return shared.ErrForbidden("not authorized to manage this service")
	}
	return nil
}

// ==================== MUTATIONS ====================

// Register creates a service record and, when HMAC is enabled, mints its
// first credential. The secret in the response is shown exactly once.
func (svc *ServiceRegistryService) Register(input dto.RegisterServiceRequest, requesterID string, isAdmin bool) (*dto.RegisterServiceResponse, error) {
	if strings.HasPrefix(input.URL, shared.InternalScheme) {
		return nil, shared.ErrConflict("url uses the reserved internal scheme")
	}

	if _, err := svc.sqlSvc.GetServiceByURL(input.URL); err == nil {
		return nil, shared.ErrConflict("a service with this url is already registered")
	} else if !shared.IsNotFound(err) {
		return nil, err
	}

	ownerID := requesterID
	if input.OwnerID != "" && input.OwnerID != requesterID {
		if !isAdmin {
			return nil, shared.ErrForbidden("assigning another owner requires admin permission")
		}
		ownerID = input.OwnerID
	}

	timeoutMs := input.TimeoutMs
	if timeoutMs == 0 {
		timeoutMs = 10000
	}

	now := time.Now()
	service := &model.Service{
		ID:             uuid.NewString(),
		Name:           input.Name,
		URL:            input.URL,
		OwnerID:        ownerID,
		Status:         model.ServiceStatusActive,
		EnableHMAC:     input.EnableHMAC,
		EnableBatching: input.EnableBatching,
		TimeoutMs:      timeoutMs,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := svc.sqlSvc.SaveService(service); err != nil {
		return nil, err
	}

	resp := &dto.RegisterServiceResponse{Service: service, Success: true}
	if input.EnableHMAC {
		key, err := svc.keySvc.GenerateKey(service.ID)
		if err != nil {
			return nil, err
		}
		resp.HMACKey = key
	}

	log.WithFields(log.Fields{"service_id": service.ID, "name": service.Name, "url": service.URL}).
		Info("Registered service")

	svc.bumpAndReload()
	return resp, nil
}

// Update applies a partial patch. Ownership reassignment requires admin;
// moving into MAINTENANCE is only ever done here, by explicit owner or admin
// action.
func (svc *ServiceRegistryService) Update(id string, patch dto.UpdateServiceRequest, requesterID string, isAdmin bool) (*model.Service, error) {
	service, err := svc.sqlSvc.GetService(id)
	if err != nil {
		return nil, err
	}
	if err := svc.authorize(requesterID, isAdmin, service); err != nil {
		return nil, err
	}

	fields := map[string]interface{}{}

	if patch.Name != nil {
		fields["name"] = *patch.Name
	}
	if patch.URL != nil && *patch.URL != service.URL {
		if strings.HasPrefix(*patch.URL, shared.InternalScheme) {
			return nil, shared.ErrConflict("url uses the reserved internal scheme")
		}
		if _, err := svc.sqlSvc.GetServiceByURL(*patch.URL); err == nil {
			return nil, shared.ErrConflict("a service with this url is already registered")
		} else if !shared.IsNotFound(err) {
			return nil, err
		}
		fields["url"] = *patch.URL
	}
	if patch.OwnerID != nil && *patch.OwnerID != service.OwnerID {
		if !isAdmin {
			return nil, shared.ErrForbidden("reassigning ownership requires admin permission")
		}
		fields["owner_id"] = *patch.OwnerID
	}
	if patch.Status != nil {
		fields["status"] = *patch.Status
	}
	if patch.EnableHMAC != nil {
		fields["enable_hmac"] = *patch.EnableHMAC
	}
	if patch.EnableBatching != nil {
		fields["enable_batching"] = *patch.EnableBatching
	}
	if patch.TimeoutMs != nil {
		fields["timeout_ms"] = *patch.TimeoutMs
	}

	if len(fields) > 0 {
		if err := svc.sqlSvc.UpdateServiceFields(id, fields); err != nil {
			return nil, err
		}
	}

	updated, err := svc.sqlSvc.GetService(id)
	if err != nil {
		return nil, err
	}

	svc.bumpAndReload()
	return updated, nil
}

// Remove is a soft delete: the service becomes INACTIVE and all its keys are
// revoked. The row stays for audit history.
func (svc *ServiceRegistryService) Remove(id, requesterID string, isAdmin bool) (bool, error) {
	service, err := svc.sqlSvc.GetService(id)
	if err != nil {
		return false, err
	}
	if err := svc.authorize(requesterID, isAdmin, service); err != nil {
		return false, err
	}

	if err := svc.sqlSvc.SetServiceStatus(id, model.ServiceStatusInactive); err != nil {
		return false, err
	}
	if err := svc.sqlSvc.RevokeServiceKeys(id); err != nil {
		return false, err
	}

	log.WithFields(log.Fields{"service_id": id}).Info("Removed service (soft delete)")

	svc.bumpAndReload()
	return true, nil
}

func (svc *ServiceRegistryService) RotateServiceKey(serviceID, requesterID string, isAdmin bool) (*dto.RotateKeyResponse, error) {
	service, err := svc.sqlSvc.GetService(serviceID)
	if err != nil {
		return nil, err
	}
	if err := svc.authorize(requesterID, isAdmin, service); err != nil {
		return nil, err
	}

	resp, err := svc.keySvc.RotateKey(serviceID)
	if err != nil {
		return nil, err
	}

	svc.bumpAndReload()
	return resp, nil
}

func (svc *ServiceRegistryService) RevokeServiceKey(keyID, requesterID string, isAdmin bool) (bool, error) {
	key, err := svc.sqlSvc.GetKey(keyID)
	if err != nil {
		return false, err
	}
	service, err := svc.sqlSvc.GetService(key.ServiceID)
	if err != nil {
		return false, err
	}
	if err := svc.authorize(requesterID, isAdmin, service); err != nil {
		return false, err
	}

	revoked, err := svc.keySvc.RevokeKey(keyID)
	if err != nil {
		return false, err
	}

	svc.bumpAndReload()
	return revoked, nil
}

// SetExternallyAccessible flips external visibility. Admin only.
func (svc *ServiceRegistryService) SetExternallyAccessible(serviceID string, flag, isAdmin bool) (bool, error) {
	if !isAdmin {
		return false, shared.ErrForbidden("changing external accessibility requires admin permission")
	}
	if err := svc.sqlSvc.UpdateServiceFields(serviceID, map[string]interface{}{"externally_accessible": flag}); err != nil {
		return false, err
	}
	svc.bumpAndReload()
	return true, nil
}

// UpdateSDL stores a schema pushed by an authenticated downstream service and
// schedules a recompose.
func (svc *ServiceRegistryService) UpdateSDL(serviceID, sdl string) error {
	if err := svc.sqlSvc.SetServiceSDL(serviceID, sdl); err != nil {
		return err
	}
	svc.bumpAndReload()
	return nil
}

// ==================== READS ====================

func (svc *ServiceRegistryService) GetService(id string) (*model.Service, error) {
	return svc.sqlSvc.GetService(id)
}

func (svc *ServiceRegistryService) ListServices() ([]model.Service, error) {
	return svc.sqlSvc.ListServices()
}

func (svc *ServiceRegistryService) ListExternallyAccessible() ([]model.Service, error) {
	return svc.sqlSvc.ListExternallyAccessibleServices()
}

func (svc *ServiceRegistryService) ServiceKeys(serviceID, requesterID string, isAdmin bool) ([]dto.ServiceKeyInfo, error) {
	service, err := svc.sqlSvc.GetService(serviceID)
	if err != nil {
		return nil, err
	}
	if err := svc.authorize(requesterID, isAdmin, service); err != nil {
		return nil, err
	}
	return svc.keySvc.GetServiceKeys(serviceID)
}

// ==================== ENGINE INTEGRATION ====================

// Snapshot returns the current registry view plus its version. The engine
// caches the composite schema keyed by this version, not by content.
func (svc *ServiceRegistryService) Snapshot() (*RegistrySnapshot, error) {
	services, err := svc.sqlSvc.ListServices()
	if err != nil {
		return nil, err
	}
	return &RegistrySnapshot{Version: svc.version.Load(), Services: services}, nil
}

// SetServiceStatus is the engine's poll-health feedback channel: unreachable
// services go INACTIVE, recovered ones come back ACTIVE.
func (svc *ServiceRegistryService) SetServiceStatus(serviceID, status string) error {
	if err := svc.sqlSvc.SetServiceStatus(serviceID, status); err != nil {
		return err
	}
	svc.version.Add(1)
	return nil
}

// StoreSDL persists a freshly fetched SDL as the service's last-known-good.
func (svc *ServiceRegistryService) StoreSDL(serviceID, sdl string) error {
	return svc.sqlSvc.SetServiceSDL(serviceID, sdl)
}

// bumpAndReload invalidates the engine cache and kicks off a rebuild without
// blocking the mutation's response. Failures are logged, never swallowed
// silently.
func (svc *ServiceRegistryService) bumpAndReload() {
	svc.version.Add(1)
	if svc.engine == nil {
		return
	}
	svc.engine.Invalidate()

	go func() {
		ctx, cancel := goContext.WithTimeout(goContext.Background(), time.Minute)
		defer cancel()
		if err := svc.engine.Reload(ctx); err != nil {
			log.WithError(err).Error("Schema reload after registry mutation failed")
		}
	}()
}
