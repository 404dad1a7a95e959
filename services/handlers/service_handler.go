package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/ViljarVoidula/graphql-gateway/dto"
	"github.com/ViljarVoidula/graphql-gateway/shared"
)

type ServiceHandler struct {
	registrySvc RegistryServiceInterface
}

func NewServiceHandler(registrySvc RegistryServiceInterface) *ServiceHandler {
	return &ServiceHandler{registrySvc: registrySvc}
}

func callerFromCtx(c *fiber.Ctx) (string, bool) {
	userID, _ := c.Locals(shared.UserID).(string)
	isAdmin, _ := c.Locals(shared.IsAdmin).(bool)
	return userID, isAdmin
}

// @Summary Register a service
// @Description Register a downstream GraphQL service; returns the HMAC credential once when enabled
// @Tags services
// @Accept json
// @Produce json
// @Param registerRequest body dto.RegisterServiceRequest true "Service details"
// @Success 201 {object} shared.Response{data=dto.RegisterServiceResponse}
// @Router /api/v1/services [post]
func (h *ServiceHandler) Register(c *fiber.Ctx) error {
	var req dto.RegisterServiceRequest
	if err := c.BodyParser(&req); err != nil {
		return err
	}

	if err := req.Validate(); err != nil {
		validationResp := dto.CreateValidationErrorResponse(err)
		return c.Status(fiber.StatusBadRequest).JSON(validationResp)
	}

	requesterID, isAdmin := callerFromCtx(c)
	resp, err := h.registrySvc.Register(req, requesterID, isAdmin)
	if err != nil {
		return err
	}

	return shared.ResponseJSON(c, http.StatusCreated, "Service registered successfully", resp)
}

// @Summary Update a service
// @Tags services
// @Accept json
// @Produce json
// @Param id path string true "Service ID"
// @Success 200 {object} shared.Response{data=bool}
// @Router /api/v1/services/{id} [patch]
func (h *ServiceHandler) Update(c *fiber.Ctx) error {
	var req dto.UpdateServiceRequest
	if err := c.BodyParser(&req); err != nil {
		return err
	}

	if err := req.Validate(); err != nil {
		validationResp := dto.CreateValidationErrorResponse(err)
		return c.Status(fiber.StatusBadRequest).JSON(validationResp)
	}

	requesterID, isAdmin := callerFromCtx(c)
	if _, err := h.registrySvc.Update(c.Params("id"), req, requesterID, isAdmin); err != nil {
		return err
	}

	return shared.ResponseOK(c, true)
}

// @Summary Remove a service
// @Description Soft delete: the service goes inactive and its keys are revoked
// @Tags services
// @Produce json
// @Param id path string true "Service ID"
// @Success 200 {object} shared.Response{data=bool}
// @Router /api/v1/services/{id} [delete]
func (h *ServiceHandler) Remove(c *fiber.Ctx) error {
	requesterID, isAdmin := callerFromCtx(c)
	removed, err := h.registrySvc.Remove(c.Params("id"), requesterID, isAdmin)
	if err != nil {
		return err
	}
	return shared.ResponseOK(c, removed)
}

// @Summary Get a service
// @Tags services
// @Produce json
// @Param id path string true "Service ID"
// @Success 200 {object} shared.Response{data=model.Service}
// @Router /api/v1/services/{id} [get]
func (h *ServiceHandler) Get(c *fiber.Ctx) error {
	service, err := h.registrySvc.GetService(c.Params("id"))
	if err != nil {
		return err
	}
	return shared.ResponseOK(c, service)
}

// @Summary List services
// @Tags services
// @Produce json
// @Success 200 {object} shared.Response{data=[]model.Service}
// @Router /api/v1/services [get]
func (h *ServiceHandler) List(c *fiber.Ctx) error {
	services, err := h.registrySvc.ListServices()
	if err != nil {
		return err
	}
	return shared.ResponseOK(c, services)
}

// @Summary List externally accessible services
// @Tags services
// @Produce json
// @Success 200 {object} shared.Response{data=[]model.Service}
// @Router /api/v1/services/external [get]
func (h *ServiceHandler) ListExternal(c *fiber.Ctx) error {
	services, err := h.registrySvc.ListExternallyAccessible()
	if err != nil {
		return err
	}
	return shared.ResponseOK(c, services)
}

// @Summary Set external accessibility
// @Description Admin only
// @Tags services
// @Accept json
// @Produce json
// @Param id path string true "Service ID"
// @Success 200 {object} shared.Response{data=bool}
// @Router /api/v1/services/{id}/external [put]
func (h *ServiceHandler) SetExternal(c *fiber.Ctx) error {
	var req dto.SetExternalAccessRequest
	if err := c.BodyParser(&req); err != nil {
		return err
	}

	_, isAdmin := callerFromCtx(c)
	ok, err := h.registrySvc.SetExternallyAccessible(c.Params("id"), req.ExternallyAccessible, isAdmin)
	if err != nil {
		return err
	}
	return shared.ResponseOK(c, ok)
}

// @Summary Push a service SDL
// @Description HMAC-authenticated callback for services announcing a schema change
// @Tags services
// @Accept json
// @Produce json
// @Param id path string true "Service ID"
// @Success 200 {object} shared.Response{data=bool}
// @Router /api/v1/services/{id}/sdl [post]
func (h *ServiceHandler) PushSDL(c *fiber.Ctx) error {
	var req dto.UpdateSDLRequest
	if err := c.BodyParser(&req); err != nil {
		return err
	}

	if err := req.Validate(); err != nil {
		validationResp := dto.CreateValidationErrorResponse(err)
		return c.Status(fiber.StatusBadRequest).JSON(validationResp)
	}

	if err := h.registrySvc.UpdateSDL(c.Params("id"), req.SDL); err != nil {
		return err
	}
	return shared.ResponseOK(c, true)
}
