// Package capacity implements the Capacity Calculator described in the
// scheduler's feasibility filter: effective, overcommit-adjusted totals
// for compute points, memory and storage, and the remaining-headroom and
// utilization arithmetic placement decisions are made from.
package capacity
