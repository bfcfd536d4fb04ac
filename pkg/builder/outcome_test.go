package builder

import (
	"testing"

	"github.com/cuemby/buildnode/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestBuildOutcome_Status(t *testing.T) {
	assert.Equal(t, types.TaskStatusDone, Done(nil, nil).Status())
	assert.Equal(t, types.TaskStatusFailed, Failed("boom", nil).Status())
	assert.Equal(t, types.TaskStatusExcluded, Excluded("wrong arch").Status())
}

func TestFailed_CarriesResult(t *testing.T) {
	result := &types.BuildResult{ExitCode: 1, ResultDir: "/tmp/result"}
	outcome := Failed("compile error", result)

	assert.Equal(t, OutcomeFailed, outcome.Kind)
	assert.Same(t, result, outcome.Result)
	assert.Nil(t, outcome.Artifacts)
}

func TestExcluded_CarriesNoResult(t *testing.T) {
	outcome := Excluded("no compatible architectures")
	assert.Nil(t, outcome.Result)
	assert.Equal(t, "no compatible architectures", outcome.Reason)
}
