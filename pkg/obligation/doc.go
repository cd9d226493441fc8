// Package obligation runs the System-VM Obligation Engine: a periodic
// reconciliation loop over every Online node's statically-computed
// system-VM roles (Dht, Relay, planned BlockStore/Ingress), dispatching
// role-specific deployment whenever an obligation is still Pending.
package obligation
