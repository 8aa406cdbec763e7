// ABOUTME: Package ingress assembles the gateway and serves its HTTP surfaces.
// ABOUTME: One-shot POST ingress, WebSocket stream ingress, and route admin.

// Package ingress owns the gateway's externally visible surface: the
// one-shot message endpoint, the persistent bidirectional stream, the route
// admin endpoints, and health/metrics. It wires the route table, channel
// registry, legacy bridge, and router together from configuration.
package ingress
