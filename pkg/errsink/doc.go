// Package errsink reports unexpected errors to Sentry when the node is
// configured with a DSN; otherwise Capture is a no-op so the rest of the
// node doesn't need to branch on whether error reporting is enabled.
package errsink
