// Package lifecycle implements the VM Lifecycle Manager: the only code
// path allowed to change a VirtualMachine's Status, the legal-transition
// table that guards it, and the ingress/billing/port/quota side effects
// that fire when a VM crosses into or out of Running, Stopped or Deleted.
package lifecycle
