package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ViljarVoidula/graphql-gateway/shared"
)

type KeyHandler struct {
	registrySvc RegistryServiceInterface
	keySvc      KeyManagerInterface
}

func NewKeyHandler(registrySvc RegistryServiceInterface, keySvc KeyManagerInterface) *KeyHandler {
	return &KeyHandler{registrySvc: registrySvc, keySvc: keySvc}
}

// @Summary Rotate a service key
// @Description The old key keeps verifying for one hour; the new secret is shown only in this response
// @Tags keys
// @Produce json
// @Param id path string true "Service ID"
// @Success 200 {object} shared.Response{data=dto.RotateKeyResponse}
// @Router /api/v1/services/{id}/rotate [post]
func (h *KeyHandler) Rotate(c *fiber.Ctx) error {
	requesterID, isAdmin := callerFromCtx(c)
	resp, err := h.registrySvc.RotateServiceKey(c.Params("id"), requesterID, isAdmin)
	if err != nil {
		return err
	}
	return shared.ResponseOK(c, resp)
}

// @Summary Revoke a key
// @Description Immediate and irreversible
// @Tags keys
// @Produce json
// @Param keyId path string true "Key ID"
// @Success 200 {object} shared.Response{data=bool}
// @Router /api/v1/keys/{keyId} [delete]
func (h *KeyHandler) Revoke(c *fiber.Ctx) error {
	requesterID, isAdmin := callerFromCtx(c)
	revoked, err := h.registrySvc.RevokeServiceKey(c.Params("keyId"), requesterID, isAdmin)
	if err != nil {
		return err
	}
	return shared.ResponseOK(c, revoked)
}

// @Summary List a service's keys
// @Description Key metadata only; secrets are never re-displayed
// @Tags keys
// @Produce json
// @Param id path string true "Service ID"
// @Success 200 {object} shared.Response{data=[]dto.ServiceKeyInfo}
// @Router /api/v1/services/{id}/keys [get]
func (h *KeyHandler) ServiceKeys(c *fiber.Ctx) error {
	requesterID, isAdmin := callerFromCtx(c)
	keys, err := h.registrySvc.ServiceKeys(c.Params("id"), requesterID, isAdmin)
	if err != nil {
		return err
	}
	return shared.ResponseOK(c, keys)
}

// @Summary Key statistics
// @Tags keys
// @Produce json
// @Success 200 {object} shared.Response{data=dto.KeyStatsResponse}
// @Router /api/v1/keys/stats [get]
func (h *KeyHandler) Stats(c *fiber.Ctx) error {
	stats, err := h.keySvc.GetStats()
	if err != nil {
		return err
	}
	return shared.ResponseOK(c, stats)
}
