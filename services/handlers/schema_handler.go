package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ViljarVoidula/graphql-gateway/shared"
)

type SchemaHandler struct {
	schemaSvc  SchemaEngineInterface
	archiveSvc SchemaArchiveInterface
}

func NewSchemaHandler(schemaSvc SchemaEngineInterface, archiveSvc SchemaArchiveInterface) *SchemaHandler {
	return &SchemaHandler{schemaSvc: schemaSvc, archiveSvc: archiveSvc}
}

// @Summary Composite schema SDL
// @Tags schema
// @Produce plain
// @Success 200 {string} string
// @Router /api/v1/schema [get]
func (h *SchemaHandler) GetSDL(c *fiber.Ctx) error {
	sdl, err := h.schemaSvc.SDL(c.Context())
	if err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, "application/graphql; charset=utf-8")
	return c.SendString(sdl)
}

// @Summary Force a schema reload
// @Description Admin only; invalidates the cache and rebuilds synchronously
// @Tags schema
// @Produce json
// @Success 200 {object} shared.Response{data=bool}
// @Router /api/v1/schema/reload [post]
func (h *SchemaHandler) Reload(c *fiber.Ctx) error {
	h.schemaSvc.Invalidate()
	if err := h.schemaSvc.Reload(c.Context()); err != nil {
		return err
	}
	return shared.ResponseOK(c, true)
}

// @Summary List archived schema snapshots
// @Description Admin only
// @Tags schema
// @Produce json
// @Success 200 {object} shared.Response{data=[]string}
// @Router /api/v1/schema/snapshots [get]
func (h *SchemaHandler) Snapshots(c *fiber.Ctx) error {
	names, err := h.archiveSvc.ListSnapshots()
	if err != nil {
		return err
	}
	return shared.ResponseOK(c, names)
}
