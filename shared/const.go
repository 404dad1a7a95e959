package shared

const (
	UserID  = "user_id"
	IsAdmin = "is_admin"

	// Scheme reserved for the gateway's own pseudo-service. Registered
	// service URLs must never use it.
	InternalScheme = "internal://"

	GatewayServiceName = "_gateway"

	HeaderKeyID     = "X-Gateway-Key-Id"
	HeaderSignature = "X-Gateway-Signature"
)
