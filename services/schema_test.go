package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ViljarVoidula/graphql-gateway/model"
	"github.com/ViljarVoidula/graphql-gateway/shared"
)

const usersSDL = `
type Query {
  user(id: ID!): User
}

type User {
  id: ID!
  name: String!
}
`

const ordersSDL = `
type Query {
  orders: [Order!]!
}

type Order {
  id: ID!
  total: Float!
}
`

// stubRegistry is an in-memory RegistrySource.
type stubRegistry struct {
	mu       sync.Mutex
	version  uint64
	services []model.Service
}

func (r *stubRegistry) Snapshot() (*RegistrySnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	services := make([]model.Service, len(r.services))
	copy(services, r.services)
	return &RegistrySnapshot{Version: r.version, Services: services}, nil
}

func (r *stubRegistry) SetServiceStatus(serviceID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.services {
		if r.services[i].ID == serviceID {
			r.services[i].Status = status
			r.version++
			return nil
		}
	}
	return shared.ErrNotFound("service not found")
}

func (r *stubRegistry) StoreSDL(serviceID, sdl string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.services {
		if r.services[i].ID == serviceID {
			r.services[i].SDL = &sdl
			return nil
		}
	}
	return shared.ErrNotFound("service not found")
}

func (r *stubRegistry) add(service model.Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services = append(r.services, service)
	r.version++
}

func (r *stubRegistry) statusOf(serviceID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.services {
		if r.services[i].ID == serviceID {
			return r.services[i].Status
		}
	}
	return ""
}

// stubFetcher serves canned SDLs and counts fetches per service.
type stubFetcher struct {
	mu    sync.Mutex
	sdls  map[string]string
	errs  map[string]error
	calls map[string]int
	delay time.Duration
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{
		sdls:  make(map[string]string),
		errs:  make(map[string]error),
		calls: make(map[string]int),
	}
}

func (f *stubFetcher) FetchSDL(_ context.Context, service model.Service) (string, error) {
	f.mu.Lock()
	f.calls[service.ID]++
	sdl, ok := f.sdls[service.ID]
	err := f.errs[service.ID]
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("no sdl configured for %s", service.Name)
	}
	return sdl, nil
}

func (f *stubFetcher) callCount(serviceID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[serviceID]
}

func newTestSchemaService(reg *stubRegistry, fetcher *stubFetcher) *SchemaService {
	return &SchemaService{
		registry:     reg,
		fetcher:      fetcher,
		fetchTimeout: 2 * time.Second,
		stop:         make(chan struct{}),
	}
}

func activeService(id, name, url string) model.Service {
	return model.Service{
		ID:        id,
		Name:      name,
		URL:       url,
		Status:    model.ServiceStatusActive,
		TimeoutMs: 10000,
	}
}

func TestRebuildMergesPollableServices(t *testing.T) {
	reg := &stubRegistry{}
	reg.add(activeService("u1", "users", "http://users:4001/graphql"))
	reg.add(activeService("o1", "orders", "http://orders:4002/graphql"))

	maintenance := activeService("m1", "billing", "http://billing:4003/graphql")
	maintenance.Status = model.ServiceStatusMaintenance
	reg.add(maintenance)

	fetcher := newStubFetcher()
	fetcher.sdls["u1"] = usersSDL
	fetcher.sdls["o1"] = ordersSDL

	engine := newTestSchemaService(reg, fetcher)

	composite, err := engine.GetSchema(context.Background())
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"users", "orders"}, composite.Services)

	// Maintenance services are never polled.
	require.Zero(t, fetcher.callCount("m1"))

	require.Contains(t, composite.Schema.Types, "User")
	require.Contains(t, composite.Schema.Types, "Order")
	require.Contains(t, composite.Schema.Types, "_GatewayInfo")
	require.NotNil(t, composite.Schema.Query.Fields.ForName("_gatewayHealth"))
	require.NotNil(t, composite.Schema.Query.Fields.ForName("user"))
	require.NotNil(t, composite.Schema.Query.Fields.ForName("orders"))
}

func TestCompositeCarriesAuthzDirectives(t *testing.T) {
	reg := &stubRegistry{}
	reg.add(activeService("u1", "users", "http://users:4001/graphql"))

	fetcher := newStubFetcher()
	fetcher.sdls["u1"] = usersSDL

	engine := newTestSchemaService(reg, fetcher)

	composite, err := engine.GetSchema(context.Background())
	require.NoError(t, err)

	require.Contains(t, composite.SDL, "directive @authz")
	require.Contains(t, composite.SDL, `@authz(service: "users")`)

	userType := composite.Schema.Types["User"]
	require.NotNil(t, userType)
	directive := userType.Directives.ForName("authz")
	require.NotNil(t, directive)
	require.Equal(t, "users", directive.Arguments.ForName("service").Value.Raw)
}

func TestSnapshotIdentityCaching(t *testing.T) {
	reg := &stubRegistry{}
	reg.add(activeService("u1", "users", "http://users:4001/graphql"))

	fetcher := newStubFetcher()
	fetcher.sdls["u1"] = usersSDL

	engine := newTestSchemaService(reg, fetcher)
	ctx := context.Background()

	first, err := engine.GetSchema(ctx)
	require.NoError(t, err)

	second, err := engine.GetSchema(ctx)
	require.NoError(t, err)

	// Unchanged snapshot: same object, no refetch.
	require.Same(t, first, second)
	require.Equal(t, 1, fetcher.callCount("u1"))

	engine.Invalidate()
	third, err := engine.GetSchema(ctx)
	require.NoError(t, err)
	require.NotSame(t, first, third)
	require.Equal(t, 2, fetcher.callCount("u1"))
}

func TestConcurrentReloadsCollapse(t *testing.T) {
	reg := &stubRegistry{}
	reg.add(activeService("u1", "users", "http://users:4001/graphql"))

	fetcher := newStubFetcher()
	fetcher.sdls["u1"] = usersSDL

	engine := newTestSchemaService(reg, fetcher)
	ctx := context.Background()

	_, err := engine.GetSchema(ctx)
	require.NoError(t, err)

	fetcher.mu.Lock()
	fetcher.delay = 200 * time.Millisecond
	fetcher.mu.Unlock()
	engine.Invalidate()

	const callers = 10
	results := make([]*CompositeSchema, callers)
	errs := make([]error, callers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		i := i
		go func() {
			defer wg.Done()
			<-start
			results[i], errs[i] = engine.GetSchema(ctx)
		}()
	}
	close(start)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
	}
	for i := 1; i < callers; i++ {
		require.Same(t, results[0], results[i])
	}
	// One rebuild for the initial call plus one shared by all concurrent
	// callers.
	require.Equal(t, 2, fetcher.callCount("u1"))
}

func TestFetchFailureFallsBackToLastKnownGood(t *testing.T) {
	reg := &stubRegistry{}
	cached := usersSDL
	users := activeService("u1", "users", "http://users:4001/graphql")
	users.SDL = &cached
	reg.add(users)

	fetcher := newStubFetcher()
	fetcher.errs["u1"] = fmt.Errorf("connection refused")

	engine := newTestSchemaService(reg, fetcher)

	composite, err := engine.GetSchema(context.Background())
	require.NoError(t, err)
	require.Contains(t, composite.Services, "users")
	require.Contains(t, composite.Schema.Types, "User")

	// The unreachable service is flagged inactive for the next pass.
	require.Equal(t, model.ServiceStatusInactive, reg.statusOf("u1"))
}

func TestFetchFailureWithoutCachedSDLExcludes(t *testing.T) {
	reg := &stubRegistry{}
	reg.add(activeService("u1", "users", "http://users:4001/graphql"))

	fetcher := newStubFetcher()
	fetcher.errs["u1"] = fmt.Errorf("connection refused")

	engine := newTestSchemaService(reg, fetcher)

	composite, err := engine.GetSchema(context.Background())
	require.NoError(t, err)
	require.Empty(t, composite.Services)
	require.NotContains(t, composite.Schema.Types, "User")
	require.Equal(t, model.ServiceStatusInactive, reg.statusOf("u1"))

	// The gateway's own slice still serves.
	require.NotNil(t, composite.Schema.Query.Fields.ForName("_gatewayHealth"))
}

func TestRecoveredServiceReactivates(t *testing.T) {
	reg := &stubRegistry{}
	users := activeService("u1", "users", "http://users:4001/graphql")
	users.Status = model.ServiceStatusInactive
	reg.add(users)

	fetcher := newStubFetcher()
	fetcher.sdls["u1"] = usersSDL

	engine := newTestSchemaService(reg, fetcher)

	composite, err := engine.GetSchema(context.Background())
	require.NoError(t, err)
	require.Contains(t, composite.Services, "users")
	require.Equal(t, model.ServiceStatusActive, reg.statusOf("u1"))
}

func TestFetchedSDLPersistedAsLastKnownGood(t *testing.T) {
	reg := &stubRegistry{}
	reg.add(activeService("u1", "users", "http://users:4001/graphql"))

	fetcher := newStubFetcher()
	fetcher.sdls["u1"] = usersSDL

	engine := newTestSchemaService(reg, fetcher)

	_, err := engine.GetSchema(context.Background())
	require.NoError(t, err)

	reg.mu.Lock()
	defer reg.mu.Unlock()
	require.NotNil(t, reg.services[0].SDL)
	require.Equal(t, usersSDL, *reg.services[0].SDL)
}

func TestMergeConflictKeepsPreviousSchema(t *testing.T) {
	reg := &stubRegistry{}
	reg.add(activeService("u1", "users", "http://users:4001/graphql"))

	fetcher := newStubFetcher()
	fetcher.sdls["u1"] = usersSDL

	engine := newTestSchemaService(reg, fetcher)
	ctx := context.Background()

	good, err := engine.GetSchema(ctx)
	require.NoError(t, err)

	// A second service redefines type User: the merge must fail.
	reg.add(activeService("i1", "imposter", "http://imposter:4009/graphql"))
	fetcher.mu.Lock()
	fetcher.sdls["i1"] = `
type Query {
  impostor: User
}

type User {
  id: ID!
}
`
	fetcher.mu.Unlock()

	engine.Invalidate()
	err = engine.Reload(ctx)
	require.Error(t, err)
	require.True(t, shared.IsConflict(err))

	// Consumers keep getting the last good composite.
	current, err := engine.GetSchema(ctx)
	require.NoError(t, err)
	require.Same(t, good, current)
}

func TestRootFieldCollisionConflicts(t *testing.T) {
	reg := &stubRegistry{}
	reg.add(activeService("u1", "users", "http://users:4001/graphql"))
	reg.add(activeService("u2", "users-shadow", "http://shadow:4008/graphql"))

	fetcher := newStubFetcher()
	fetcher.sdls["u1"] = usersSDL
	fetcher.sdls["u2"] = `
type Query {
  user(id: ID!): Shadow
}

type Shadow {
  id: ID!
}
`

	engine := newTestSchemaService(reg, fetcher)

	err := engine.Reload(context.Background())
	require.Error(t, err)
	require.True(t, shared.IsConflict(err))
}

func TestEmptyRegistryServesGatewaySchema(t *testing.T) {
	reg := &stubRegistry{}
	engine := newTestSchemaService(reg, newStubFetcher())

	composite, err := engine.GetSchema(context.Background())
	require.NoError(t, err)
	require.Empty(t, composite.Services)
	require.NotNil(t, composite.Schema.Query.Fields.ForName("_gatewayInfo"))

	sdl, err := engine.SDL(context.Background())
	require.NoError(t, err)
	require.Contains(t, sdl, "_gatewayHealth")
}
