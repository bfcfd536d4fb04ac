// Package masterclient implements the build node's HTTP client for the
// master protocol: get_task, ping, and build_done. Requests are retried with
// exponential backoff on transient failures; a 409 response from build_done
// (task already closed by another report) is treated as success, not error.
package masterclient
