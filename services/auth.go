package services

import (
	goContext "context"
	"net/http"

	"github.com/alphabatem/common/context"
	"github.com/gofiber/fiber/v2"
	log "github.com/sirupsen/logrus"

	"github.com/ViljarVoidula/graphql-gateway/dto"
	"github.com/ViljarVoidula/graphql-gateway/shared"
)

// AuthMiddleware guards the admin API (JWT) and service callbacks (HMAC),
// and wires usage metering plus rate limiting into the request path.
type AuthMiddleware struct {
	context.DefaultService

	jwtSvc   *JWTService
	keySvc   *KeyManagerService
	usageSvc *UsageService
}

const AUTH_MIDDLEWARE_SVC = "auth"

func (svc AuthMiddleware) Id() string {
	return AUTH_MIDDLEWARE_SVC
}

func (svc *AuthMiddleware) Start() error {
	svc.jwtSvc = svc.Service(JWT_SVC).(*JWTService)
	svc.keySvc = svc.Service(KEY_MANAGER_SVC).(*KeyManagerService)
	svc.usageSvc = svc.Service(USAGE_SVC).(*UsageService)
	return nil
}

// RequiredAuth validates the bearer token and stores the caller identity in
// request locals.
func (svc *AuthMiddleware) RequiredAuth() fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		token, err := svc.jwtSvc.ExtractTokenFromHeader(authHeader)
		if err != nil {
			return shared.ResponseJSON(c, http.StatusUnauthorized, "Unauthorized", err.Error())
		}

		userID, isAdmin, err := svc.jwtSvc.VerifyJWTToken(token)
		if err != nil {
			return shared.ResponseJSON(c, http.StatusUnauthorized, "Unauthorized", "Invalid JWT token")
		}

		c.Locals(shared.UserID, userID)
		c.Locals(shared.IsAdmin, isAdmin)
		return c.Next()
	}
}

// RequireAdmin rejects callers without the admin permission. Must run after
// RequiredAuth.
func (svc *AuthMiddleware) RequireAdmin() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !CallerIsAdmin(c) {
			return shared.ResponseForbidden(c)
		}
		return c.Next()
	}
}

// HMACAuth authenticates a downstream service calling back into the gateway
// (e.g. pushing a fresh SDL). The signature must verify against the service's
// active key or an expired key still inside its grace window.
func (svc *AuthMiddleware) HMACAuth() fiber.Handler {
	return func(c *fiber.Ctx) error {
		serviceID := c.Params("id")
		signature := c.Get(shared.HeaderSignature)
		if serviceID == "" || signature == "" {
			return shared.ResponseUnauthorized(c)
		}

		keyID := c.Get(shared.HeaderKeyID)
		var ok bool
		var err error
		if keyID != "" {
			ok, err = svc.keySvc.VerifyWithKeyID(keyID, c.Body(), signature)
		} else {
			ok, err = svc.keySvc.VerifySignature(serviceID, c.Body(), signature)
		}
		if err != nil {
			if shared.IsNotFound(err) {
				return shared.ResponseUnauthorized(c)
			}
			return err
		}
		if !ok {
			return shared.ResponseUnauthorized(c)
		}
		return c.Next()
	}
}

// Metering records usage for the caller's API key and enforces the
// per-minute/per-day quotas. Rate-limit checks fail closed: if the backing
// store is unreachable the request is rejected rather than let quotas be
// bypassed during an outage. Usage increments are best-effort.
func (svc *AuthMiddleware) Metering() fiber.Handler {
	return func(c *fiber.Ctx) error {
		apiKeyID := c.Get("X-Api-Key")
		if apiKeyID == "" {
			if userID, ok := c.Locals(shared.UserID).(string); ok {
				apiKeyID = userID
			}
		}
		if apiKeyID == "" {
			return c.Next()
		}

		applicationID, _ := c.Locals(shared.UserID).(string)
		serviceID := c.Params("id")

		res, err := svc.usageSvc.RateLimitCheck(c.Context(), apiKeyID, svc.usageSvc.MinuteLimit(), svc.usageSvc.DayLimit())
		if err != nil {
			log.WithError(err).Warn("Rate limit check unavailable, failing closed")
			return shared.ResponseJSON(c, http.StatusTooManyRequests, "Rate limit unavailable", nil)
		}
		if !res.Allowed {
			svc.recordUsage(applicationID, serviceID, apiKeyID, dto.UsageFlags{RateLimited: true})
			return shared.ResponseJSON(c, http.StatusTooManyRequests, "Rate limit exceeded", res)
		}

		err = c.Next()
		svc.recordUsage(applicationID, serviceID, apiKeyID, dto.UsageFlags{Error: err != nil || c.Response().StatusCode() >= 500})
		return err
	}
}

// recordUsage meters off the error path: a store failure is logged and the
// request outcome stands.
func (svc *AuthMiddleware) recordUsage(applicationID, serviceID, apiKeyID string, flags dto.UsageFlags) {
	if err := svc.usageSvc.Increment(goContext.Background(), applicationID, serviceID, apiKeyID, flags); err != nil {
		log.WithError(err).WithField("api_key", apiKeyID).Warn("Failed to record usage")
	}
}

// CallerID returns the authenticated caller id from request locals.
func CallerID(c *fiber.Ctx) string {
	if userID, ok := c.Locals(shared.UserID).(string); ok {
		return userID
	}
	return ""
}

// CallerIsAdmin returns whether the authenticated caller holds the admin
// permission.
func CallerIsAdmin(c *fiber.Ctx) bool {
	isAdmin, ok := c.Locals(shared.IsAdmin).(bool)
	return ok && isAdmin
}
