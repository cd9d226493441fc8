/*
Package config loads the orchestrator's runtime Config: defaults from
Default(), an optional YAML document via LoadFile, then ORCH_*-prefixed
environment variables via ApplyEnv. cmd/orchestrator does not overlay
its cobra flags onto Config; it uses them only to locate the YAML file
and to initialize logging. Validate catches startup
misconfiguration — an empty base domain or signing key, a scoring-weight
vector that doesn't sum to 1.0, an empty tier table — before the
orchestrator starts accepting traffic.
*/
package config
