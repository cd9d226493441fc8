/*
Package storage is the persistence gateway: the only component that talks
to the embedded bbolt database directly.

BoltStore implements the Store interface with one bucket per entity type,
each holding JSON-encoded values keyed by ID. Secondary lookups (by wallet
address, subdomain, hostname) scan the owning bucket, which stays fast at
the node and VM counts this control plane targets. AppendEvent/ListEvents
back the event bus's durable log in a dedicated sequence-keyed bucket.

MemStore is an in-memory implementation of the same interface for tests
that don't need real persistence.
*/
package storage
