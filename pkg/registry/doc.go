// Package registry implements the Node Registry: admission, token
// issuance and validation, heartbeat absorption with VM-state
// reconciliation and orphan recovery, and the offline health scan that
// hands Running VMs on an unresponsive node to the Lifecycle Manager.
package registry
