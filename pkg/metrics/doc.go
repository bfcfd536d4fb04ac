/*
Package metrics provides Prometheus metrics and health/readiness endpoints for
the build node daemon.

Metrics are registered at package init and exposed via Handler() on the
node's internal HTTP mux (see pkg/node). Health tracks per-component status
(environment_store, master_client) through RegisterComponent/UpdateComponent;
GetReadiness treats those two as critical and reports not_ready whenever
either is unregistered or currently unhealthy.
*/
package metrics
