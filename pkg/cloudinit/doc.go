// Package cloudinit renders the boot payload handed to a system VM
// (Dht or Relay) as its cloud-init user-data: a role-specific template
// with a fixed set of substitution tokens filled in from the VM's
// assignment.
package cloudinit
