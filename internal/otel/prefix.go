package otel

// Metric prefixes for each package
// Each package should define its own metric names and use these prefixes
const (
	PrefixSignaling = "signaling"
	PrefixRoom      = "room"
	PrefixAdmin     = "admin"
)
