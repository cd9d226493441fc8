/*
Package events is the control plane's in-process pub/sub bus.

Broker fans out published events to every live Subscriber channel
(non-blocking; a full subscriber buffer drops that event for that
subscriber only) and, when constructed with an Appender, persists every
event to a durable log first so the metering pipeline and notification
consumers can replay past the in-memory channel's window.
*/
package events
