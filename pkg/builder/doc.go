// Package builder implements one build worker: the state machine that takes
// a task from the master through environment leasing, the packaging
// toolchain, artifact upload, and status reporting.
package builder
