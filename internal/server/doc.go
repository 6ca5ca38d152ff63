// Package server assembles a running handoff-gateway from configuration.
//
// New opens the store, the optional external event sink, the routing engine,
// the scheduler and the HTTP API. Run listens (plain TCP, or a tsnet node when
// tailscale.enabled is set) and blocks until the context is canceled, then
// shuts everything down in order: HTTP, gRPC, scheduler, tailnet, store,
// event sinks.
//
// The gRPC listener carries only grpc.health.v1. Its status for "" and
// HealthService follows Store.Ping every 10 seconds, so load balancers can
// drain a gateway whose database went away.
package server
