// Package mesh owns the WireGuard overlay: relay subnet allocation and
// deployment, CGNAT tunnel enrollment, and relay health monitoring with
// failover. It is dispatched into by the obligation engine for the
// Relay role; DHT deployment lives in pkg/obligation directly.
package mesh
