package builder

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuemby/buildnode/pkg/environment"
	"github.com/cuemby/buildnode/pkg/log"
	"github.com/cuemby/buildnode/pkg/types"
)

// BuildDriver drives one packaging toolchain inside a leased environment.
// Each stage it runs is timed and logged the same way regardless of which
// driver is in use; only the commands differ.
type BuildDriver interface {
	Build(ctx context.Context, env *environment.Handle, task *types.Task, sourceDir string) BuildOutcome
}

// stageTimer logs a stage's start and end, matching the original builder's
// measure_stage decorator: a stage is always logged even when it fails.
func stageTimer(name string) func() {
	start := time.Now()
	log.WithComponent("builder").Debug().Str("stage", name).Msg("stage started")
	return func() {
		log.WithComponent("builder").Debug().Str("stage", name).Dur("elapsed", time.Since(start)).Msg("stage finished")
	}
}

// NewDriver picks the build driver for a task's platform.
func NewDriver(platform types.Platform) BuildDriver {
	switch platform.Type {
	case types.PlatformDeb:
		return &DebDriver{}
	default:
		if isKernelTask(platform) {
			return &KernelDriver{}
		}
		return &RPMDriver{}
	}
}

func isKernelTask(platform types.Platform) bool {
	_, ok := platform.Data["kernel_packages"]
	return ok
}

func timeoutFromPlatform(platform types.Platform, fallback time.Duration) time.Duration {
	if v, ok := platform.Data["timeout"]; ok {
		if secs, ok := v.(float64); ok {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}

func definitionsFromPlatform(platform types.Platform) map[string]string {
	out := map[string]string{}
	if v, ok := platform.Data["macros"]; ok {
		if macros, ok := v.(map[string]any); ok {
			for k, val := range macros {
				out[k] = fmt.Sprintf("%v", val)
			}
		}
	}
	return out
}

// RPMDriver builds an src-RPM from sources and then rebuilds it into binary
// RPMs, the two-step flow every RPM platform task goes through.
type RPMDriver struct{}

func (d *RPMDriver) Build(ctx context.Context, env *environment.Handle, task *types.Task, sourceDir string) BuildOutcome {
	defer stageTimer("rpm_build")()

	timeout := timeoutFromPlatform(task.Platform, 2*time.Hour)
	defs := definitionsFromPlatform(task.Platform)

	var srpmPath string
	if task.Ref.Kind == types.RefKindBuiltSRPM || task.Ref.Kind == types.RefKindExternalSRPM {
		srpmPath = filepath.Join(sourceDir, filepath.Base(task.Ref.URL))
	} else {
		spec := findSpecFile(sourceDir)
		if spec == "" {
			return Failed("no spec file found in sources", nil)
		}
		srpmResult, err := env.BuildSrpm(ctx, spec, sourceDir, defs, timeout)
		if outcome, done := outcomeFromError(err, srpmResult); done {
			return outcome
		}
		srpmPath = srpmFromResultDir(srpmResult.ResultDir)
		if srpmPath == "" {
			return Failed("buildsrpm produced no src-RPM", srpmResult)
		}
	}

	if reason := detectExclusionByMetadata(task.Arch, task.ExcludeArch, task.ExclusiveArch); reason != "" {
		return Excluded(reason)
	}

	result, err := env.Rebuild(ctx, srpmPath, defs, timeout)
	if outcome, done := outcomeFromError(err, result); done {
		return outcome
	}

	artifacts := artifactsFromResultDir(result.ResultDir)
	if srpmPath != "" {
		artifacts = append(artifacts, types.Artifact{
			Name:      filepath.Base(srpmPath),
			Type:      types.ArtifactSRPM,
			LocalPath: srpmPath,
		})
	}
	return Done(artifacts, result)
}

// DebDriver builds a .deb package. The concrete invocation (dpkg-buildpackage,
// pbuilder, ...) is resolved inside the chroot tool; this driver only
// sequences the stage and interprets its result the way RPMDriver does.
type DebDriver struct{}

func (d *DebDriver) Build(ctx context.Context, env *environment.Handle, task *types.Task, sourceDir string) BuildOutcome {
	defer stageTimer("deb_build")()

	timeout := timeoutFromPlatform(task.Platform, 2*time.Hour)
	command := fmt.Sprintf("cd %s && dpkg-buildpackage -us -uc -b", sourceDir)
	result, err := env.Shell(ctx, command, timeout)
	if outcome, done := outcomeFromError(err, result); done {
		return outcome
	}
	return Done(artifactsFromResultDir(result.ResultDir), result)
}

// KernelDriver builds a kernel src-RPM, a flow the original system handled
// as a distinct builder. When the platform lists kernel_packages it adds the
// with_up=1 macro definition; the artifacts returned are whatever the result
// directory holds after the rebuild, not a check against a named package set.
type KernelDriver struct{}

func (d *KernelDriver) Build(ctx context.Context, env *environment.Handle, task *types.Task, sourceDir string) BuildOutcome {
	defer stageTimer("kernel_build")()

	timeout := timeoutFromPlatform(task.Platform, 4*time.Hour)
	packages, _ := task.Platform.Data["kernel_packages"].([]any)
	names := make([]string, 0, len(packages))
	for _, p := range packages {
		if s, ok := p.(string); ok {
			names = append(names, s)
		}
	}

	spec := findSpecFile(sourceDir)
	if spec == "" {
		return Failed("no kernel spec file found in sources", nil)
	}
	defs := definitionsFromPlatform(task.Platform)
	if len(names) > 0 {
		defs["with_up"] = "1"
	}

	srpmResult, err := env.BuildSrpm(ctx, spec, sourceDir, defs, timeout)
	if outcome, done := outcomeFromError(err, srpmResult); done {
		return outcome
	}
	result, err := env.Rebuild(ctx, srpmFromResultDir(srpmResult.ResultDir), defs, timeout)
	if outcome, done := outcomeFromError(err, result); done {
		return outcome
	}
	return Done(artifactsFromResultDir(result.ResultDir), result)
}

// outcomeFromError turns a failed environment command into a BuildOutcome,
// routing architecture-exclusion errors to OutcomeExcluded instead of
// OutcomeFailed. done is false when err is nil and the caller should keep
// going with result.
func outcomeFromError(err error, result *types.BuildResult) (BuildOutcome, bool) {
	if err == nil {
		return BuildOutcome{}, false
	}
	cmdErr, ok := err.(*types.CommandExecutionError)
	if !ok {
		return Failed(err.Error(), result), true
	}
	if reason := detectExclusion(cmdErr.Stdout + "\n" + cmdErr.Stderr); reason != "" {
		return Excluded(reason), true
	}
	return Failed(cmdErr.Message, result), true
}

func srpmFromResultDir(resultDir string) string {
	if resultDir == "" {
		return ""
	}
	matches, _ := filepath.Glob(filepath.Join(resultDir, "*.src.rpm"))
	if len(matches) == 0 {
		return ""
	}
	return matches[0]
}

func findSpecFile(dir string) string {
	matches, _ := filepath.Glob(filepath.Join(dir, "*.spec"))
	if len(matches) == 0 {
		return ""
	}
	return matches[0]
}

func artifactsFromResultDir(resultDir string) []types.Artifact {
	if resultDir == "" {
		return nil
	}
	var artifacts []types.Artifact
	rpms, _ := filepath.Glob(filepath.Join(resultDir, "*.rpm"))
	for _, p := range rpms {
		if strings.HasSuffix(p, "src.rpm") {
			continue
		}
		artifacts = append(artifacts, types.Artifact{Name: filepath.Base(p), Type: types.ArtifactRPM, LocalPath: p})
	}
	debs, _ := filepath.Glob(filepath.Join(resultDir, "*.deb"))
	for _, p := range debs {
		artifacts = append(artifacts, types.Artifact{Name: filepath.Base(p), Type: types.ArtifactOther, LocalPath: p})
	}
	logs, _ := filepath.Glob(filepath.Join(resultDir, "*.log"))
	for _, p := range logs {
		artifacts = append(artifacts, types.Artifact{Name: filepath.Base(p), Type: types.ArtifactBuildLog, LocalPath: p})
	}
	return artifacts
}
