package dto

// UsageFlags marks what happened to the request being metered beyond the
// plain request count.
type UsageFlags struct {
	Error       bool
	RateLimited bool
}

// RateLimitResult carries the post-increment counter values so callers can
// compare against their limits without a second round trip.
type RateLimitResult struct {
	MinuteCount int64 `json:"minute_count"`
	DayCount    int64 `json:"day_count"`
	Allowed     bool  `json:"allowed"`
}
