package builder

import "github.com/cuemby/buildnode/pkg/types"

// OutcomeKind tags a BuildOutcome the way the original's exception hierarchy
// (BuildError vs. BuildExcluded vs. plain success) distinguished terminal
// states, but as data instead of control flow.
type OutcomeKind int

const (
	OutcomeDone OutcomeKind = iota
	OutcomeFailed
	OutcomeExcluded
)

// BuildOutcome is the result of running one task's BUILDING stage.
type BuildOutcome struct {
	Kind      OutcomeKind
	Artifacts []types.Artifact
	Reason    string
	Result    *types.BuildResult
}

func Done(artifacts []types.Artifact, result *types.BuildResult) BuildOutcome {
	return BuildOutcome{Kind: OutcomeDone, Artifacts: artifacts, Result: result}
}

func Failed(reason string, result *types.BuildResult) BuildOutcome {
	return BuildOutcome{Kind: OutcomeFailed, Reason: reason, Result: result}
}

func Excluded(reason string) BuildOutcome {
	return BuildOutcome{Kind: OutcomeExcluded, Reason: reason}
}

// Status maps the outcome onto the terminal status reported to the master.
func (o BuildOutcome) Status() types.TaskStatus {
	switch o.Kind {
	case OutcomeDone:
		return types.TaskStatusDone
	case OutcomeExcluded:
		return types.TaskStatusExcluded
	default:
		return types.TaskStatusFailed
	}
}
