package services

import (
	"context"
	"crypto/sha256"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ViljarVoidula/graphql-gateway/dto"
	"github.com/ViljarVoidula/graphql-gateway/model"
	"github.com/ViljarVoidula/graphql-gateway/shared"
)

// recordingEngine counts cache invalidations and reloads triggered by
// registry mutations.
type recordingEngine struct {
	mu            sync.Mutex
	invalidations int
	reloads       int
}

func (e *recordingEngine) Invalidate() {
	e.mu.Lock()
	e.invalidations++
	e.mu.Unlock()
}

func (e *recordingEngine) Reload(context.Context) error {
	e.mu.Lock()
	e.reloads++
	e.mu.Unlock()
	return nil
}

func (e *recordingEngine) counts() (int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.invalidations, e.reloads
}

func newTestRegistry(t *testing.T) (*ServiceRegistryService, *recordingEngine, *SqlService) {
	t.Helper()
	ds := newTestSql(t)
	km := &KeyManagerService{
		sqlSvc:      ds,
		masterKey:   sha256.Sum256([]byte("test-master-key")),
		gracePeriod: KeyRotationGracePeriod,
	}
	eng := &recordingEngine{}
	reg := &ServiceRegistryService{sqlSvc: ds, keySvc: km, engine: eng}
	return reg, eng, ds
}

func registerTestService(t *testing.T, reg *ServiceRegistryService, name, url, owner string, hmac bool) *model.Service {
	t.Helper()
	resp, err := reg.Register(dto.RegisterServiceRequest{
		Name:       name,
		URL:        url,
		EnableHMAC: hmac,
	}, owner, false)
	require.NoError(t, err)
	require.True(t, resp.Success)
	return resp.Service
}

func TestRegisterReservedSchemeRejected(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	_, err := reg.Register(dto.RegisterServiceRequest{
		Name: "sneaky",
		URL:  shared.InternalScheme + "gateway",
	}, "user-1", false)
	require.Error(t, err)
	require.True(t, shared.IsConflict(err))
}

func TestRegisterDuplicateURLRejected(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	registerTestService(t, reg, "users", "http://users.internal:4001/graphql", "user-1", false)

	_, err := reg.Register(dto.RegisterServiceRequest{
		Name: "users-copy",
		URL:  "http://users.internal:4001/graphql",
	}, "user-2", false)
	require.Error(t, err)
	require.True(t, shared.IsConflict(err))
}

func TestRegisterMintsHMACKeyOnce(t *testing.T) {
	reg, _, ds := newTestRegistry(t)

	resp, err := reg.Register(dto.RegisterServiceRequest{
		Name:       "users",
		URL:        "http://users.internal:4001/graphql",
		EnableHMAC: true,
	}, "user-1", false)
	require.NoError(t, err)
	require.NotNil(t, resp.HMACKey)
	require.NotEmpty(t, resp.HMACKey.SecretKey)

	stored, err := ds.GetActiveKey(resp.Service.ID)
	require.NoError(t, err)
	require.Equal(t, resp.HMACKey.KeyID, stored.KeyID)

	plain := registerTestService(t, reg, "orders", "http://orders.internal:4002/graphql", "user-1", false)
	_, err = ds.GetActiveKey(plain.ID)
	require.True(t, shared.IsNotFound(err))
}

func TestRegisterDefaultsTimeout(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	service := registerTestService(t, reg, "users", "http://users.internal:4001/graphql", "user-1", false)
	require.Equal(t, 10000, service.TimeoutMs)
	require.Equal(t, model.ServiceStatusActive, service.Status)
	require.Equal(t, "user-1", service.OwnerID)
}

func TestRegisterOwnerAssignmentRequiresAdmin(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	_, err := reg.Register(dto.RegisterServiceRequest{
		Name:    "users",
		URL:     "http://users.internal:4001/graphql",
		OwnerID: "someone-else",
	}, "user-1", false)
	require.Error(t, err)
	require.True(t, shared.IsUnauthorized(err))

	resp, err := reg.Register(dto.RegisterServiceRequest{
		Name:    "users",
		URL:     "http://users.internal:4001/graphql",
		OwnerID: "someone-else",
	}, "admin-1", true)
	require.NoError(t, err)
	require.Equal(t, "someone-else", resp.Service.OwnerID)
}

func TestUpdateAuthorizationPrecedence(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	service := registerTestService(t, reg, "users", "http://users.internal:4001/graphql", "owner-1", false)

	newName := "users-v2"

	// Stranger: rejected before any field is touched.
	_, err := reg.Update(service.ID, dto.UpdateServiceRequest{Name: &newName}, "stranger", false)
	require.Error(t, err)
	require.True(t, shared.IsUnauthorized(err))

	// Owner: allowed.
	updated, err := reg.Update(service.ID, dto.UpdateServiceRequest{Name: &newName}, "owner-1", false)
	require.NoError(t, err)
	require.Equal(t, "users-v2", updated.Name)

	// Admin: allowed regardless of ownership.
	adminName := "users-v3"
	updated, err = reg.Update(service.ID, dto.UpdateServiceRequest{Name: &adminName}, "admin-1", true)
	require.NoError(t, err)
	require.Equal(t, "users-v3", updated.Name)
}

func TestUpdateOwnerReassignmentAdminOnly(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	service := registerTestService(t, reg, "users", "http://users.internal:4001/graphql", "owner-1", false)

	newOwner := "owner-2"
	_, err := reg.Update(service.ID, dto.UpdateServiceRequest{OwnerID: &newOwner}, "owner-1", false)
	require.Error(t, err)
	require.True(t, shared.IsUnauthorized(err))

	updated, err := reg.Update(service.ID, dto.UpdateServiceRequest{OwnerID: &newOwner}, "admin-1", true)
	require.NoError(t, err)
	require.Equal(t, "owner-2", updated.OwnerID)
}

func TestUpdateURLCollisionRejected(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	registerTestService(t, reg, "users", "http://users.internal:4001/graphql", "owner-1", false)
	orders := registerTestService(t, reg, "orders", "http://orders.internal:4002/graphql", "owner-1", false)

	takenURL := "http://users.internal:4001/graphql"
	_, err := reg.Update(orders.ID, dto.UpdateServiceRequest{URL: &takenURL}, "owner-1", false)
	require.Error(t, err)
	require.True(t, shared.IsConflict(err))
}

func TestRemoveSoftDeletesAndRevokesKeys(t *testing.T) {
	reg, _, ds := newTestRegistry(t)

	resp, err := reg.Register(dto.RegisterServiceRequest{
		Name:       "users",
		URL:        "http://users.internal:4001/graphql",
		EnableHMAC: true,
	}, "owner-1", false)
	require.NoError(t, err)

	removed, err := reg.Remove(resp.Service.ID, "owner-1", false)
	require.NoError(t, err)
	require.True(t, removed)

	// Row stays, status flips to inactive.
	service, err := reg.GetService(resp.Service.ID)
	require.NoError(t, err)
	require.Equal(t, model.ServiceStatusInactive, service.Status)

	keys, err := ds.ListServiceKeys(resp.Service.ID)
	require.NoError(t, err)
	require.NotEmpty(t, keys)
	for _, key := range keys {
		require.Equal(t, model.KeyStatusRevoked, key.Status)
	}
}

func TestRotateServiceKeyAuthz(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	resp, err := reg.Register(dto.RegisterServiceRequest{
		Name:       "users",
		URL:        "http://users.internal:4001/graphql",
		EnableHMAC: true,
	}, "owner-1", false)
	require.NoError(t, err)

	_, err = reg.RotateServiceKey(resp.Service.ID, "stranger", false)
	require.Error(t, err)
	require.True(t, shared.IsUnauthorized(err))

	rotated, err := reg.RotateServiceKey(resp.Service.ID, "owner-1", false)
	require.NoError(t, err)
	require.NotNil(t, rotated.OldKeyID)
	require.Equal(t, resp.HMACKey.KeyID, *rotated.OldKeyID)
}

func TestRevokeServiceKeyAuthz(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	resp, err := reg.Register(dto.RegisterServiceRequest{
		Name:       "users",
		URL:        "http://users.internal:4001/graphql",
		EnableHMAC: true,
	}, "owner-1", false)
	require.NoError(t, err)

	_, err = reg.RevokeServiceKey(resp.HMACKey.KeyID, "stranger", false)
	require.Error(t, err)
	require.True(t, shared.IsUnauthorized(err))

	revoked, err := reg.RevokeServiceKey(resp.HMACKey.KeyID, "owner-1", false)
	require.NoError(t, err)
	require.True(t, revoked)
}

func TestSetExternallyAccessibleAdminOnly(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	service := registerTestService(t, reg, "users", "http://users.internal:4001/graphql", "owner-1", false)

	_, err := reg.SetExternallyAccessible(service.ID, true, false)
	require.Error(t, err)
	require.True(t, shared.IsUnauthorized(err))

	ok, err := reg.SetExternallyAccessible(service.ID, true, true)
	require.NoError(t, err)
	require.True(t, ok)

	external, err := reg.ListExternallyAccessible()
	require.NoError(t, err)
	require.Len(t, external, 1)
	require.Equal(t, service.ID, external[0].ID)
}

func TestMutationsBumpVersionAndTriggerReload(t *testing.T) {
	reg, eng, _ := newTestRegistry(t)

	before, err := reg.Snapshot()
	require.NoError(t, err)

	service := registerTestService(t, reg, "users", "http://users.internal:4001/graphql", "owner-1", false)

	after, err := reg.Snapshot()
	require.NoError(t, err)
	require.Greater(t, after.Version, before.Version)
	require.Len(t, after.Services, 1)

	require.NoError(t, reg.UpdateSDL(service.ID, "type Query { user: String }"))

	final, err := reg.Snapshot()
	require.NoError(t, err)
	require.Greater(t, final.Version, after.Version)

	// Reloads run off the mutation path.
	require.Eventually(t, func() bool {
		invalidations, reloads := eng.counts()
		return invalidations >= 2 && reloads >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEngineStatusFeedbackBumpsVersion(t *testing.T) {
	reg, eng, _ := newTestRegistry(t)
	service := registerTestService(t, reg, "users", "http://users.internal:4001/graphql", "owner-1", false)

	before, err := reg.Snapshot()
	require.NoError(t, err)
	invalidationsBefore, _ := eng.counts()

	require.NoError(t, reg.SetServiceStatus(service.ID, model.ServiceStatusInactive))

	after, err := reg.Snapshot()
	require.NoError(t, err)
	require.Greater(t, after.Version, before.Version)
	require.Equal(t, model.ServiceStatusInactive, after.Services[0].Status)

	// Engine feedback must not recurse into another reload.
	invalidationsAfter, _ := eng.counts()
	require.Equal(t, invalidationsBefore, invalidationsAfter)
}
