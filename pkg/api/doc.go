/*
Package api implements the user-facing and node-facing HTTP surface: a
chi.Mux with a request-id/logging/metrics/recovery middleware chain, the
node registration/heartbeat/ack/obligation-callback endpoints nodes call,
the wallet-login/refresh/API-key endpoints pkg/auth backs, and the
VM/custom-domain CRUD endpoints tenants call, authenticated by either a
JWT bearer token or a "dc_"-prefixed API key.
*/
package api
