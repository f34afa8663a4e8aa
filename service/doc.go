// Package service exposes registered components over HTTP.
//
// The server manages one engine instance per (component, instance id) pair,
// created lazily on first request, and maps engine errors onto HTTP status
// codes. Endpoints:
//
//	GET    /components                                    list registered components
//	GET    /components/{name}                             component flows
//	POST   /components/{name}/instances/{id}/run          run a flow
//	GET    /components/{name}/instances/{id}/state        read instance state
//	POST   /components/{name}/instances/{id}/flush        drain pending updates (?flow= scopes to one flow)
//	DELETE /components/{name}/instances/{id}              clear instance state
//	GET    /healthz                                       liveness probe
//	GET    /metrics                                       Prometheus metrics
package service
