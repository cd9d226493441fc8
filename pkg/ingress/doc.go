// Package ingress is the Central Ingress Registry: it owns the mapping
// from VM to externally-reachable hostname (generated subdomain and
// tenant custom domains) and drives reloads of the edge proxy that
// serves that mapping.
package ingress
