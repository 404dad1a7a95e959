package services

import (
	"bytes"
	goContext "context"
	"fmt"
	"os"
	"sync"
	"time"

	appContext "github.com/alphabatem/common/context"
	log "github.com/sirupsen/logrus"
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/formatter"
	"github.com/vektah/gqlparser/v2/parser"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ViljarVoidula/graphql-gateway/model"
	"github.com/ViljarVoidula/graphql-gateway/shared"
)

// RegistrySource is the registry as seen by the federation engine: a
// versioned snapshot plus the poll-health feedback channel.
type RegistrySource interface {
	Snapshot() (*RegistrySnapshot, error)
	SetServiceStatus(serviceID, status string) error
	StoreSDL(serviceID, sdl string) error
}

// SDLFetcher retrieves a service's schema. The engine bounds each call with
// the service's own timeout.
type SDLFetcher interface {
	FetchSDL(ctx goContext.Context, service model.Service) (string, error)
}

// CompositeSchema is one immutable build of the merged gateway schema.
type CompositeSchema struct {
	Version  uint64
	Schema   *ast.Schema
	SDL      string
	Services []string
	BuiltAt  time.Time
}

// authzDirective is attached to every merged object type as the final merge
// step, so the access-control layer can reach each field.
const authzDirective = "authz"

// gatewaySDL is the gateway's own locally defined slice of the composite
// schema, served by the pseudo-service that registration protects from being
// overwritten.
const gatewaySDL = `
type Query {
  _gatewayHealth: String!
  _gatewayInfo: _GatewayInfo!
}

type _GatewayInfo {
  version: String!
  serviceCount: Int!
}
`

// SchemaService is the federation/reload engine. It caches the composite
// schema keyed by registry snapshot version and collapses concurrent reloads
// into a single rebuild.
type SchemaService struct {
	appContext.DefaultService

	registry RegistrySource
	fetcher  SDLFetcher
	archive  *SchemaArchiveService

	fetchTimeout time.Duration
	pollInterval time.Duration

	mu     sync.RWMutex
	cached *CompositeSchema
	stale  bool

	flight singleflight.Group
	stop   chan struct{}
}

const SCHEMA_SVC = "schema_svc"

func (svc SchemaService) Id() string {
	return SCHEMA_SVC
}

func (svc *SchemaService) Configure(ctx *appContext.Context) error {
	svc.fetchTimeout = 10 * time.Second
	if v := os.Getenv("SDL_FETCH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			svc.fetchTimeout = d
		}
	}

	if v := os.Getenv("SCHEMA_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			svc.pollInterval = d
		}
	}

	svc.stop = make(chan struct{})
	return svc.DefaultService.Configure(ctx)
}

func (svc *SchemaService) Start() error {
	svc.registry = svc.Service(REGISTRY_SVC).(*ServiceRegistryService)
	if svc.fetcher == nil {
		keySvc := svc.Service(KEY_MANAGER_SVC).(*KeyManagerService)
		svc.fetcher = NewHTTPSDLFetcher(keySvc)
	}
	if archive, ok := svc.Service(SCHEMA_ARCHIVE_SVC).(*SchemaArchiveService); ok {
		svc.archive = archive
	}

	if svc.pollInterval > 0 {
		go svc.pollLoop()
	}
	return nil
}

func (svc *SchemaService) Shutdown() {
	close(svc.stop)
}

// pollLoop re-reloads on an interval to pick up downstream SDL drift that no
// registry mutation announced.
func (svc *SchemaService) pollLoop() {
	ticker := time.NewTicker(svc.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-svc.stop:
			return
		case <-ticker.C:
			svc.Invalidate()
			ctx, cancel := goContext.WithTimeout(goContext.Background(), time.Minute)
			if err := svc.Reload(ctx); err != nil {
				log.WithError(err).Warn("Scheduled schema reload failed")
			}
			cancel()
		}
	}
}

// GetSchema returns the composite schema for the current registry snapshot.
// Repeated calls between invalidations return the same object without
// rework; a stale cache triggers a (single-flight) rebuild.
func (svc *SchemaService) GetSchema(ctx goContext.Context) (*CompositeSchema, error) {
	snap, err := svc.registry.Snapshot()
	if err != nil {
		return nil, err
	}

	svc.mu.RLock()
	cached := svc.cached
	stale := svc.stale
	svc.mu.RUnlock()

	if cached != nil && !stale && cached.Version == snap.Version {
		return cached, nil
	}

	composite, err := svc.reload(ctx)
	if err != nil {
		// A failed rebuild leaves the previous schema authoritative.
		if cached != nil {
			log.WithError(err).Warn("Schema rebuild failed, serving previous composite schema")
			return cached, nil
		}
		return nil, err
	}
	return composite, nil
}

// SDL returns the current composite schema's SDL text, rebuilding if the
// cache is stale.
func (svc *SchemaService) SDL(ctx goContext.Context) (string, error) {
	composite, err := svc.GetSchema(ctx)
	if err != nil {
		return "", err
	}
	return composite.SDL, nil
}

// Invalidate marks the cached composite schema stale. The next GetSchema or
// Reload rebuilds it; until a rebuild succeeds the previous schema keeps
// serving.
func (svc *SchemaService) Invalidate() {
	svc.mu.Lock()
	svc.stale = true
	svc.mu.Unlock()
}

// Reload rebuilds the composite schema. Concurrent callers collapse into one
// in-flight rebuild and share its outcome.
func (svc *SchemaService) Reload(ctx goContext.Context) error {
	_, err := svc.reload(ctx)
	return err
}

func (svc *SchemaService) reload(ctx goContext.Context) (*CompositeSchema, error) {
	result, err, _ := svc.flight.Do("reload", func() (interface{}, error) {
		return svc.rebuild(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result.(*CompositeSchema), nil
}

type fetchResult struct {
	service model.Service
	sdl     string
	fetched bool
	err     error
}

// rebuild fetches the pollable set concurrently, merges, and swaps the cache
// atomically. A single unreachable service falls back to its last-known-good
// SDL; only a merge/validation failure aborts the whole reload, leaving the
// previous schema in place.
func (svc *SchemaService) rebuild(ctx goContext.Context) (*CompositeSchema, error) {
	started := time.Now()

	snap, err := svc.registry.Snapshot()
	if err != nil {
		schemaReloadsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	var pollable []model.Service
	for _, s := range snap.Services {
		if s.Pollable() {
			pollable = append(pollable, s)
		}
	}

	results := make([]fetchResult, len(pollable))
	g, fetchCtx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i := range pollable {
		i := i
		service := pollable[i]
		g.Go(func() error {
			timeout := svc.fetchTimeout
			if service.TimeoutMs > 0 {
				if t := time.Duration(service.TimeoutMs) * time.Millisecond; t < timeout {
					timeout = t
				}
			}
			fetchCtx, cancel := goContext.WithTimeout(fetchCtx, timeout)
			defer cancel()

			sdl, err := svc.fetcher.FetchSDL(fetchCtx, service)
			results[i] = fetchResult{service: service, sdl: sdl, fetched: err == nil, err: err}
			return nil
		})
	}
	_ = g.Wait()

	sources := []namedSDL{{name: shared.GatewayServiceName, sdl: gatewaySDL}}
	var included []string

	for _, res := range results {
		service := res.service
		switch {
		case res.fetched:
			sources = append(sources, namedSDL{name: service.Name, sdl: res.sdl})
			included = append(included, service.Name)

			if service.SDL == nil || *service.SDL != res.sdl {
				if err := svc.registry.StoreSDL(service.ID, res.sdl); err != nil {
					log.WithError(err).WithField("service", service.Name).Warn("Failed to persist fetched SDL")
				}
			}
			if service.Status == model.ServiceStatusInactive {
				if err := svc.registry.SetServiceStatus(service.ID, model.ServiceStatusActive); err != nil {
					log.WithError(err).WithField("service", service.Name).Warn("Failed to reactivate service")
				}
			}

		case service.SDL != nil && *service.SDL != "":
			// Unreachable: keep serving the last-known-good SDL and let the
			// next polling pass retry it.
			log.WithError(res.err).WithField("service", service.Name).
				Warn("SDL fetch failed, reusing last-known-good schema")
			sources = append(sources, namedSDL{name: service.Name, sdl: *service.SDL})
			included = append(included, service.Name)
			svc.deactivate(service)

		default:
			log.WithError(res.err).WithField("service", service.Name).
				Warn("SDL fetch failed and no cached schema exists, excluding service")
			svc.deactivate(service)
		}
	}

	schema, sdlText, err := composeSchema(sources)
	if err != nil {
		schemaReloadsTotal.WithLabelValues("merge_conflict").Inc()
		log.WithError(err).Error("Schema merge failed, previous composite schema remains authoritative")
		return nil, err
	}

	composite := &CompositeSchema{
		Version:  snap.Version,
		Schema:   schema,
		SDL:      sdlText,
		Services: included,
		BuiltAt:  time.Now(),
	}

	svc.mu.Lock()
	svc.cached = composite
	svc.stale = false
	svc.mu.Unlock()

	schemaReloadsTotal.WithLabelValues("success").Inc()
	schemaReloadDuration.Observe(time.Since(started).Seconds())
	activeServicesGauge.Set(float64(len(included)))

	log.WithFields(log.Fields{
		"services": len(included),
		"duration": time.Since(started).String(),
	}).Info("Composite schema rebuilt")

	if svc.archive != nil {
		go svc.archive.StoreSnapshot(sdlText)
	}

	return composite, nil
}

func (svc *SchemaService) deactivate(service model.Service) {
	if service.Status != model.ServiceStatusActive {
		return
	}
	if err := svc.registry.SetServiceStatus(service.ID, model.ServiceStatusInactive); err != nil {
		log.WithError(err).WithField("service", service.Name).Warn("Failed to deactivate service")
	}
}

// ==================== SCHEMA COMPOSITION ====================

type namedSDL struct {
	name string
	sdl  string
}

// composeSchema merges the per-service SDLs plus the gateway's own types into
// one schema document, applies the authorization directive transform, and
// validates the result. Root operation types merge field-wise; any other
// type-name collision is fatal to the merge.
func composeSchema(sources []namedSDL) (*ast.Schema, string, error) {
	merged := &ast.SchemaDocument{}
	roots := map[string]*ast.Definition{}
	rootFieldOwner := map[string]string{}
	typeOwner := map[string]string{}

	merged.Directives = append(merged.Directives, &ast.DirectiveDefinition{
		Name:        authzDirective,
		Description: "Marks the owning service of a merged type for the access-control layer.",
		Arguments: ast.ArgumentDefinitionList{
			{Name: "service", Type: ast.NonNullNamedType("String", nil)},
		},
		Locations: []ast.DirectiveLocation{ast.LocationObject, ast.LocationFieldDefinition},
	})

	for _, src := range sources {
		doc, err := parser.ParseSchema(&ast.Source{Name: src.name, Input: src.sdl})
		if err != nil {
			return nil, "", shared.ErrConflict(fmt.Sprintf("invalid SDL from %s: %v", src.name, err))
		}

		for _, def := range doc.Definitions {
			if isRootType(def.Name) {
				root, ok := roots[def.Name]
				if !ok {
					root = &ast.Definition{Kind: ast.Object, Name: def.Name}
					roots[def.Name] = root
				}
				for _, field := range def.Fields {
					fieldKey := def.Name + "." + field.Name
					if owner, dup := rootFieldOwner[fieldKey]; dup {
						return nil, "", shared.ErrConflict(fmt.Sprintf(
							"merge conflict: field %s defined by both %s and %s", fieldKey, owner, src.name))
					}
					rootFieldOwner[fieldKey] = src.name
					root.Fields = append(root.Fields, field)
				}
				continue
			}

			if owner, dup := typeOwner[def.Name]; dup {
				return nil, "", shared.ErrConflict(fmt.Sprintf(
					"merge conflict: type %s defined by both %s and %s", def.Name, owner, src.name))
			}
			typeOwner[def.Name] = src.name

			if def.Kind == ast.Object {
				def.Directives = append(def.Directives, authzDirectiveFor(src.name))
			}
			merged.Definitions = append(merged.Definitions, def)
		}

		merged.Extensions = append(merged.Extensions, doc.Extensions...)
	}

	for _, name := range []string{"Query", "Mutation", "Subscription"} {
		if root, ok := roots[name]; ok {
			root.Directives = append(root.Directives, authzDirectiveFor(shared.GatewayServiceName))
			merged.Definitions = append(merged.Definitions, root)
		}
	}

	var buf bytes.Buffer
	formatter.NewFormatter(&buf).FormatSchemaDocument(merged)
	sdlText := buf.String()

	schema, err := gqlparser.LoadSchema(&ast.Source{Name: "composite", Input: sdlText})
	if err != nil {
		return nil, "", shared.ErrConflict(fmt.Sprintf("composite schema validation failed: %v", err))
	}

	return schema, sdlText, nil
}

func isRootType(name string) bool {
	return name == "Query" || name == "Mutation" || name == "Subscription"
}

func authzDirectiveFor(serviceName string) *ast.Directive {
	return &ast.Directive{
		Name: authzDirective,
		Arguments: ast.ArgumentList{
			{Name: "service", Value: &ast.Value{Raw: serviceName, Kind: ast.StringValue}},
		},
	}
}
