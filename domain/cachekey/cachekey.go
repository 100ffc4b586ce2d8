// Package cachekey builds the shared cache keys.
//
// Keys are versioned and namespaced per component so that a schema change in
// one component can never be misread by another. No other package formats
// shared cache keys.
package cachekey

const (
	prefix    = "metergate"
	version   = "v1"
	usage     = "usage"
	ratelimit = "ratelimit"
	health    = "health"
)

// HealthProbe is read by readiness checks. Nothing ever writes it.
var HealthProbe = build(health, "probe")

// Usage returns the key of the usage snapshot for a billing account.
func Usage(accountRef string) string {
	return build(usage, accountRef)
}

// RateLimit returns the key of the rate limit window for a caller key.
func RateLimit(callerKey string) string {
	return build(ratelimit, callerKey)
}

func build(component, id string) string {
	return prefix + ":" + component + ":" + version + ":" + id
}
