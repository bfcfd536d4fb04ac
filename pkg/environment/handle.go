package environment

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"time"

	"github.com/cuemby/buildnode/pkg/types"
)

var resultDirPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^INFO:\s+Results\s+and/or\s+logs\s+in:\s+(.*)$`),
	regexp.MustCompile(`(?m)^DEBUG:\s+resultdir\s+=\s+(.*)$`),
}

// Handle is a leased chroot build environment. It wraps the packaging
// toolchain invocations a build driver needs; the toolchain binary itself
// (mock, pbuilder, ...) is resolved on PATH and is out of scope here.
type Handle struct {
	supervisor *Supervisor
	name       string
	configPath string
	rootDir    string
}

// Name is the lease's identifier; its config file is Name()+".cfg".
func (h *Handle) Name() string { return h.name }

// ConfigPath is the on-disk rendered configuration file for this lease.
func (h *Handle) ConfigPath() string { return h.configPath }

// RootDir is the chroot root directory for this lease.
func (h *Handle) RootDir() string { return h.rootDir }

// Release returns the lease to the supervisor. Callers that want the chroot
// wiped first should call Scrub before Release.
func (h *Handle) Release() error {
	return h.supervisor.Free(h.name)
}

// Init initializes (or reinitializes) the chroot.
func (h *Handle) Init(ctx context.Context, timeout time.Duration) (*types.BuildResult, error) {
	return h.run(ctx, timeout, "--init")
}

// Install installs package into the chroot.
func (h *Handle) Install(ctx context.Context, pkg string, timeout time.Duration) (*types.BuildResult, error) {
	return h.run(ctx, timeout, "--install", pkg)
}

// BuildSrpm builds an src-RPM from spec and sources.
func (h *Handle) BuildSrpm(ctx context.Context, spec, sources string, definitions map[string]string, timeout time.Duration) (*types.BuildResult, error) {
	args := []string{"--buildsrpm", "--spec", spec, "--sources", sources}
	args = append(args, definitionArgs(definitions)...)
	return h.run(ctx, timeout, args...)
}

// Rebuild rebuilds an src-RPM into binary RPMs.
func (h *Handle) Rebuild(ctx context.Context, srpmPath string, definitions map[string]string, timeout time.Duration) (*types.BuildResult, error) {
	args := []string{"--rebuild", srpmPath}
	args = append(args, definitionArgs(definitions)...)
	return h.run(ctx, timeout, args...)
}

// Shell runs an arbitrary command inside the chroot.
func (h *Handle) Shell(ctx context.Context, command string, timeout time.Duration) (*types.BuildResult, error) {
	return h.run(ctx, timeout, "--shell", command)
}

// CopyIn copies local paths into the chroot at dst.
func (h *Handle) CopyIn(ctx context.Context, src []string, dst string, timeout time.Duration) error {
	args := append([]string{"--copyin"}, src...)
	args = append(args, dst)
	_, err := h.run(ctx, timeout, args...)
	return err
}

// Clean wipes the chroot contents while keeping the cache and config.
func (h *Handle) Clean(ctx context.Context, timeout time.Duration) {
	if _, err := h.run(ctx, timeout, "--clean"); err != nil {
		cmdErr, ok := err.(*types.CommandExecutionError)
		if ok {
			_ = cmdErr // dropped, not logged or returned; clean failures are advisory only
		}
	}
}

// Scrub wipes scope (all, chroot, cache, root-cache, c-cache, package-cache).
func (h *Handle) Scrub(ctx context.Context, scope types.ScrubScope, timeout time.Duration) {
	_, _ = h.run(ctx, timeout, "--scrub", string(scope))
}

func definitionArgs(defs map[string]string) []string {
	var args []string
	for _, k := range sortedKeys(defs) {
		args = append(args, "--define", fmt.Sprintf("%s %s", k, defs[k]))
	}
	return args
}

// run invokes the chroot tool with --configdir/--root plus the given
// operation flags, capturing stdout/stderr and extracting the result
// directory by scraping it out of the tool's own stderr log lines. No
// --resultdir argument is taken or passed; when no log line names the result
// directory, ResultDir is left empty and no error is returned for it.
func (h *Handle) run(ctx context.Context, timeout time.Duration, args ...string) (*types.BuildResult, error) {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fullArgs := append([]string{"--configdir", filepath.Dir(h.configPath), "--root", h.rootDir}, args...)
	cmd := exec.CommandContext(runCtx, "mock", fullArgs...)
	cmd.Env = append(cmd.Environ(), "HISTFILE=/dev/null", "LANG=C")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	result := &types.BuildResult{
		Command:        append([]string{"mock"}, fullArgs...),
		ExitCode:       exitCode,
		Stdout:         stdout.String(),
		Stderr:         stderr.String(),
		RenderedConfig: h.configPath,
		ResultDir:      parseResultDir(stderr.String()),
	}

	if runErr != nil && exitCode == -1 {
		return result, fmt.Errorf("invoke mock: %w", runErr)
	}
	if exitCode != 0 {
		return result, &types.CommandExecutionError{
			Message:  "mock command failed",
			ExitCode: exitCode,
			Stdout:   result.Stdout,
			Stderr:   result.Stderr,
			Command:  result.Command,
		}
	}
	return result, nil
}

func parseResultDir(output string) string {
	for _, re := range resultDirPatterns {
		if m := re.FindStringSubmatch(output); m != nil {
			return m[1]
		}
	}
	return ""
}
