// Package latency runs the Latency Tracker: a periodic sweep over Running
// VMs that measures round-trip time against a VM's own attestation agent
// when directly reachable, or its hosting node's agent otherwise, falling
// back to an ICMP echo when the HTTP probe fails. Samples feed a
// five-probe baseline calibration, an exponential moving average, and a
// rolling min/max/stdev window recorded on the VM's NetworkMetrics.
package latency
