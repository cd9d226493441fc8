/*
Package metrics registers the orchestrator's Prometheus metrics and exposes
them via the standard promhttp handler (mounted at /metrics by pkg/api).

Metrics are grouped by the component that owns them: node registry
(NodesTotal, HeartbeatsTotal), command delivery (CommandPushesTotal,
CommandQueueDepth), scheduler (SchedulingLatency, PlacementsTotal),
lifecycle (LifecycleTransitionsTotal), mesh (RelaysTotal,
RelayHealthChecksTotal), ingress (ProxyReloadsTotal, RoutesTotal),
metering (MeteringQueueDepth, UsageRecordsTotal, SettlementBatchSize),
latency tracking (VmRttMs), and the HTTP API itself. Timer is a small
helper for recording histogram observations around a block of code.
*/
package metrics
