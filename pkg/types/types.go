// Package types holds the value types shared across the build node: tasks
// received from the master, environment configuration and lease records, and
// the artifacts and results a build produces.
package types

import "time"

// RefKind identifies how a task's source should be obtained.
type RefKind string

const (
	RefKindGit          RefKind = "git"
	RefKindBuiltSRPM    RefKind = "built_srpm"
	RefKindExternalSRPM RefKind = "external_srpm"
)

// TaskRef describes where a task's source lives.
type TaskRef struct {
	URL        string
	Kind       RefKind
	GitRef     string
	CommitHash string
}

// PlatformType selects the packaging toolchain a task targets.
type PlatformType string

const (
	PlatformRPM PlatformType = "rpm"
	PlatformDeb PlatformType = "deb"
)

// Platform carries toolchain hints. Data is forwarded to the build driver
// unchanged; the control plane never interprets its contents beyond what
// individual drivers document (timeout, macros, kernel_packages, ...).
type Platform struct {
	Name string
	Type PlatformType
	Data map[string]any
}

// Repository is one entry in a task's repository list.
type Repository struct {
	Name     string
	URL      string
	Priority int
	Enabled  bool
}

// Task is an immutable unit of work handed out by the master.
type Task struct {
	ID      int64
	BuildID int64
	Arch    string

	Ref          TaskRef
	Platform     Platform
	Repositories []Repository

	// ExcludeArch and ExclusiveArch carry the source package's ExcludeArch/
	// ExclusiveArch declarations, already extracted from RPM metadata by the
	// master at scheduling time.
	ExcludeArch   []string
	ExclusiveArch []string

	CreatedBy        string
	ProvenanceHashes map[string]string
	SecureBoot       bool
}

// EnvironmentConfig is the full recipe for a chroot build environment. Two
// configs that render identically must fingerprint identically regardless of
// field ordering.
type EnvironmentConfig struct {
	Arch          string
	DistTag       string
	ChrootSetup   []string
	Repositories  []Repository
	InjectedFiles map[string]string // destination path -> contents
	PluginFlags   map[string]string
	BindMounts    []string
}

// Owner identifies the process that holds an environment lease.
type Owner struct {
	PID        int
	ThreadName string
}

// LeaseStats tracks usage accounting for one environment.
type LeaseStats struct {
	CreationTS  time.Time
	LastUsageTS time.Time
	UsageCount  int
}

// ArtifactType classifies an uploaded file.
type ArtifactType string

const (
	ArtifactRPM      ArtifactType = "rpm"
	ArtifactSRPM     ArtifactType = "srpm"
	ArtifactBuildLog ArtifactType = "build_log"
	ArtifactConfig   ArtifactType = "config"
	ArtifactOther    ArtifactType = "other"
)

// Artifact describes one file produced by a build and uploaded to the
// content store.
type Artifact struct {
	Name           string
	Type           ArtifactType
	Href           string
	SHA256         string
	LocalPath      string
	ProvenanceHash string
}

// BuildResult is the outcome of one build-environment operation.
type BuildResult struct {
	Command        []string
	ExitCode       int
	Stdout         string
	Stderr         string
	RenderedConfig string
	ResultDir      string
}

// TaskStatus is the terminal status reported to the master.
type TaskStatus string

const (
	TaskStatusDone     TaskStatus = "done"
	TaskStatusFailed   TaskStatus = "failed"
	TaskStatusExcluded TaskStatus = "excluded"
)

// ScrubScope selects what a Scrub operation clears.
type ScrubScope string

const (
	ScrubAll          ScrubScope = "all"
	ScrubChroot       ScrubScope = "chroot"
	ScrubCache        ScrubScope = "cache"
	ScrubRootCache    ScrubScope = "root-cache"
	ScrubCCache       ScrubScope = "c-cache"
	ScrubPackageCache ScrubScope = "package-cache"
)
