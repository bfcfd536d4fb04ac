package types

import "fmt"

// ConfigError marks a configuration or credentials problem detected at
// startup. cmd/buildnode turns this into exit code 2.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string { return "configuration error: " + e.Message }

// CommandExecutionError wraps a failed subprocess invocation, carrying enough
// context (exit code, captured output, the command itself) for the caller to
// build an artifact-bearing BuildError or SourceError.
type CommandExecutionError struct {
	Message  string
	ExitCode int
	Stdout   string
	Stderr   string
	Command  []string
}

func (e *CommandExecutionError) Error() string {
	return fmt.Sprintf("%s (exit %d): %s", e.Message, e.ExitCode, e.Command)
}

// BuildError is a structural build failure from the toolchain. It carries the
// same fields as BuildResult so the caller can still emit logs/config as
// artifacts.
type BuildError struct {
	Result *BuildResult
	Reason string
}

func (e *BuildError) Error() string {
	if e.Result != nil {
		return fmt.Sprintf("build failed: %s (exit %d)", e.Reason, e.Result.ExitCode)
	}
	return "build failed: " + e.Reason
}

// BuildExcluded signals that the target architecture is incompatible with the
// source package. Not a failure of the node.
type BuildExcluded struct {
	Reason string
}

func (e *BuildExcluded) Error() string { return "build excluded: " + e.Reason }

// SourceError marks a failure to acquire a task's sources (clone, sidecar
// download, or srpm unpack).
type SourceError struct {
	Reason string
	Cause  error
}

func (e *SourceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("source acquisition failed: %s: %v", e.Reason, e.Cause)
	}
	return "source acquisition failed: " + e.Reason
}

func (e *SourceError) Unwrap() error { return e.Cause }

// UploadError marks a partial or total artifact upload failure.
type UploadError struct {
	Failed []string // local paths that failed to upload
	Cause  error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload failed for %d file(s): %v", len(e.Failed), e.Cause)
}

func (e *UploadError) Unwrap() error { return e.Cause }

// SupervisorError marks an internal invariant violation in the environment
// supervisor, e.g. a lock record with no matching stats record.
type SupervisorError struct {
	Message string
}

func (e *SupervisorError) Error() string { return "environment supervisor error: " + e.Message }

// WorkerPanicError wraps a recovered panic value escaping a worker's task
// loop, so it can be logged and reported without crashing the node.
type WorkerPanicError struct {
	Value any
}

func (e *WorkerPanicError) Error() string { return fmt.Sprintf("worker panic: %v", e.Value) }
