package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/meow-stack/toolflow/internal/types"
)

// Builtins returns the workflows that ship with toolflow. They expect an
// "evidence" server exposing collect and score, and a "reporting" server
// exposing render.
func Builtins() []*types.WorkflowDefinition {
	return []*types.WorkflowDefinition{
		{
			ID:          "compliance-evidence-sweep",
			Name:        "Compliance evidence sweep",
			Description: "Collect evidence for a framework, score it and render a report.",
			Trigger:     types.Trigger{Type: types.TriggerScheduled, Schedule: "0 6 * * 1"},
			Variables: map[string]any{
				"framework": "soc2",
				"control":   "all",
			},
			Timeout: 15 * time.Minute,
			Steps: []types.WorkflowStep{
				{
					ID:     "collect",
					Name:   "Collect evidence",
					Server: "evidence",
					Tool:   "collect",
					Arguments: map[string]any{
						"control":   "${control}",
						"framework": "${framework}",
					},
					Retry: &types.RetryPolicy{MaxAttempts: 3, DelayMs: 500},
				},
				{
					ID:        "score",
					Name:      "Score evidence",
					Server:    "evidence",
					Tool:      "score",
					DependsOn: []string{"collect"},
					Arguments: map[string]any{
						"evidence": "${collect}",
					},
				},
				{
					ID:        "report",
					Name:      "Render report",
					Server:    "reporting",
					Tool:      "render",
					DependsOn: []string{"score"},
					Arguments: map[string]any{
						"title":   "Evidence sweep: ${framework}",
						"summary": "${score}",
					},
					OnFailure: types.OnFailureContinue,
				},
			},
		},
		{
			ID:          "control-assessment",
			Name:        "Control assessment",
			Description: "Assess a single control and render the findings.",
			Trigger:     types.Trigger{Type: types.TriggerManual},
			Variables: map[string]any{
				"framework": "soc2",
			},
			Steps: []types.WorkflowStep{
				{
					ID:     "collect",
					Server: "evidence",
					Tool:   "collect",
					Arguments: map[string]any{
						"control":   "${control}",
						"framework": "${framework}",
					},
				},
				{
					ID:        "assess",
					Server:    "evidence",
					Tool:      "score",
					DependsOn: []string{"collect"},
					Arguments: map[string]any{
						"control":  "${control}",
						"evidence": "${collect}",
					},
					Retry: &types.RetryPolicy{MaxAttempts: 2, DelayMs: 250},
				},
				{
					ID:        "findings",
					Server:    "reporting",
					Tool:      "render",
					DependsOn: []string{"assess"},
					Arguments: map[string]any{
						"title":  "Control ${control}",
						"result": "${assess}",
					},
				},
			},
		},
	}
}

// RegisterBuiltins registers every built-in workflow. Definitions whose
// servers are not configured are reported and skipped.
func (s *Store) RegisterBuiltins() error {
	var errs []error
	for _, def := range Builtins() {
		if err := s.Register(def); err != nil {
			errs = append(errs, fmt.Errorf("builtin %s: %w", def.ID, err))
		}
	}
	return errors.Join(errs...)
}
