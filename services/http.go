package services

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/alphabatem/common/context"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	log "github.com/sirupsen/logrus"

	"github.com/ViljarVoidula/graphql-gateway/services/handlers"
	"github.com/ViljarVoidula/graphql-gateway/shared"
)

type HttpService struct {
	context.DefaultService

	authSvc     *AuthMiddleware
	registrySvc *ServiceRegistryService
	keySvc      *KeyManagerService
	schemaSvc   *SchemaService
	archiveSvc  *SchemaArchiveService

	port int
	app  *fiber.App
}

const HTTP_SVC = "http_svc"

func (svc HttpService) Id() string {
	return HTTP_SVC
}

func (svc *HttpService) Configure(ctx *context.Context) error {
	if port := os.Getenv("HTTP_PORT"); port != "" {
		var err error
		if svc.port, err = strconv.Atoi(port); err != nil {
			return err
		}
	} else {
		svc.port = 8000
	}

	return svc.DefaultService.Configure(ctx)
}

func (svc *HttpService) Start() error {
	svc.authSvc = svc.Service(AUTH_MIDDLEWARE_SVC).(*AuthMiddleware)
	svc.registrySvc = svc.Service(REGISTRY_SVC).(*ServiceRegistryService)
	svc.keySvc = svc.Service(KEY_MANAGER_SVC).(*KeyManagerService)
	svc.schemaSvc = svc.Service(SCHEMA_SVC).(*SchemaService)
	svc.archiveSvc = svc.Service(SCHEMA_ARCHIVE_SVC).(*SchemaArchiveService)

	svc.app = fiber.New(fiber.Config{
		ErrorHandler:          svc.handleError,
		DisableStartupMessage: os.Getenv("LOG_LEVEL") == "INFO",
	})
	svc.app.Use(recover.New())
	svc.app.Use(cors.New(cors.Config{
		AllowCredentials: false,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Api-Key",
	}))
	svc.app.Use(func(c *fiber.Ctx) error {
		err := c.Next()
		CountRequest(c.Method(), c.Response().StatusCode())
		return err
	})

	serviceHandler := handlers.NewServiceHandler(svc.registrySvc)
	keyHandler := handlers.NewKeyHandler(svc.registrySvc, svc.keySvc)
	schemaHandler := handlers.NewSchemaHandler(svc.schemaSvc, svc.archiveSvc)

	svc.app.Get("/ping", svc.ping)

	v1 := svc.app.Group("/api/v1")

	// Services announcing schema changes authenticate with their HMAC key,
	// not a user token.
	v1.Post("/services/:id/sdl", svc.authSvc.HMACAuth(), serviceHandler.PushSDL)

	authed := v1.Group("", svc.authSvc.RequiredAuth(), svc.authSvc.Metering())

	authed.Post("/services", serviceHandler.Register)
	authed.Get("/services", serviceHandler.List)
	authed.Get("/services/external", serviceHandler.ListExternal)
	authed.Get("/services/:id", serviceHandler.Get)
	authed.Patch("/services/:id", serviceHandler.Update)
	authed.Delete("/services/:id", serviceHandler.Remove)
	authed.Put("/services/:id/external", svc.authSvc.RequireAdmin(), serviceHandler.SetExternal)

	authed.Post("/services/:id/rotate", keyHandler.Rotate)
	authed.Get("/services/:id/keys", keyHandler.ServiceKeys)
	authed.Delete("/keys/:keyId", keyHandler.Revoke)
	authed.Get("/keys/stats", keyHandler.Stats)

	authed.Get("/schema", schemaHandler.GetSDL)
	authed.Post("/schema/reload", svc.authSvc.RequireAdmin(), schemaHandler.Reload)
	authed.Get("/schema/snapshots", svc.authSvc.RequireAdmin(), schemaHandler.Snapshots)

	log.WithField("port", svc.port).Info("Gateway API listening")
	return svc.app.Listen(fmt.Sprintf(":%d", svc.port))
}

func (svc *HttpService) Shutdown() {
	if svc.app != nil {
		_ = svc.app.Shutdown()
	}
}

// @Summary Ping
// @Description This endpoint checks the health of the service
// @Tags health
// @Produce json
// @Success 200 {object} shared.Response{data=string}
// @Router /ping [get]
func (svc *HttpService) ping(c *fiber.Ctx) error {
	c.Set("Cache-Control", "max-age=10")
	return shared.ResponseJSON(c, http.StatusOK, "Success", "pong")
}

func (svc *HttpService) handleError(c *fiber.Ctx, err error) error {
	if appErr, ok := shared.GetAppError(err); ok {
		return shared.ResponseJSON(c, appErr.StatusCode, appErr.Message, appErr.Data)
	}

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return shared.ResponseJSON(c, fiberErr.Code, fiberErr.Message, nil)
	}

	log.WithError(err).Error("Unhandled request error")
	return shared.ResponseInternalError(c, err)
}
