package builder

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/buildnode/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDriver_SelectsByPlatform(t *testing.T) {
	_, isRPM := NewDriver(types.Platform{Type: types.PlatformRPM}).(*RPMDriver)
	assert.True(t, isRPM)

	_, isDeb := NewDriver(types.Platform{Type: types.PlatformDeb}).(*DebDriver)
	assert.True(t, isDeb)

	kernelPlatform := types.Platform{
		Type: types.PlatformRPM,
		Data: map[string]any{"kernel_packages": []any{"kernel", "kernel-devel"}},
	}
	_, isKernel := NewDriver(kernelPlatform).(*KernelDriver)
	assert.True(t, isKernel)
}

func TestOutcomeFromError_NilIsNotDone(t *testing.T) {
	outcome, done := outcomeFromError(nil, nil)
	assert.False(t, done)
	assert.Equal(t, BuildOutcome{}, outcome)
}

func TestOutcomeFromError_ExclusionDetected(t *testing.T) {
	err := &types.CommandExecutionError{
		Message: "mock failed",
		Stderr:  "error: Architecture is not included: armhfp",
	}
	outcome, done := outcomeFromError(err, nil)
	require.True(t, done)
	assert.Equal(t, OutcomeExcluded, outcome.Kind)
}

func TestOutcomeFromError_OrdinaryFailure(t *testing.T) {
	err := &types.CommandExecutionError{Message: "compile error", Stderr: "undefined reference"}
	result := &types.BuildResult{ExitCode: 1}
	outcome, done := outcomeFromError(err, result)
	require.True(t, done)
	assert.Equal(t, OutcomeFailed, outcome.Kind)
	assert.Same(t, result, outcome.Result)
}

func TestOutcomeFromError_NonCommandError(t *testing.T) {
	outcome, done := outcomeFromError(assertError{"context deadline exceeded"}, nil)
	require.True(t, done)
	assert.Equal(t, OutcomeFailed, outcome.Kind)
	assert.Equal(t, "context deadline exceeded", outcome.Reason)
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }

func TestFindSpecFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.spec"), []byte("Name: pkg"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi"), 0o644))

	assert.Equal(t, filepath.Join(dir, "package.spec"), findSpecFile(dir))
}

func TestFindSpecFile_NoneFound(t *testing.T) {
	assert.Equal(t, "", findSpecFile(t.TempDir()))
}

func TestSrpmFromResultDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pkg-1.0-1.src.rpm"), []byte{}, 0o644))

	assert.Equal(t, filepath.Join(dir, "pkg-1.0-1.src.rpm"), srpmFromResultDir(dir))
	assert.Equal(t, "", srpmFromResultDir(""))
}

func TestArtifactsFromResultDir(t *testing.T) {
	dir := t.TempDir()
	files := []string{"pkg-1.0-1.x86_64.rpm", "pkg-1.0-1.src.rpm", "pkg_1.0-1_amd64.deb", "build.log"}
	for _, f := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, f), []byte{}, 0o644))
	}

	artifacts := artifactsFromResultDir(dir)

	byType := map[types.ArtifactType]int{}
	for _, a := range artifacts {
		byType[a.Type]++
	}
	assert.Equal(t, 1, byType[types.ArtifactRPM])
	assert.Equal(t, 1, byType[types.ArtifactOther])
	assert.Equal(t, 1, byType[types.ArtifactBuildLog])
}

func TestArtifactsFromResultDir_Empty(t *testing.T) {
	assert.Nil(t, artifactsFromResultDir(""))
}
