// Package metering runs the Metering Pipeline: a bounded billing queue fed
// by a 5-minute periodic sweep of Running VMs and VM-stop events, a single
// consumer that applies skip/attestation/period/cost rules before
// recording usage, and an hourly settlement driver that batches unsettled
// usage records by (userWallet, nodeWallet) pair for submission.
package metering
