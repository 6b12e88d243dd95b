// Package health provides composable probes and the HTTP handlers that
// serve them on /-/healthy and /-/ready.
//
// [All] and [Any] combine probes, [Fixed] is static, and [CatalogReady]
// fails until the bundle manifest has been loaded. [ShutdownGate] fails
// readiness during drain so load balancers stop routing before servers stop.
package health
