// Package node is the build node daemon's top-level runtime: it owns the
// environment supervisor, the master and content-store clients, the worker
// pool, the heartbeat supervisor, and the internal HTTP server exposing
// metrics and health endpoints. Run is the single entry point cmd/buildnode
// calls.
package node
