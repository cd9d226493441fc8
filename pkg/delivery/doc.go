// Package delivery implements Command Delivery: push-then-queue
// transport to nodes, per-node push-health tracking with automatic
// disable after repeated failures, and the ack path that turns a node's
// reported command outcome into a VM lifecycle transition.
package delivery
