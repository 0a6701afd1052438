package scheduler

import (
	"fmt"
	"sort"

	"github.com/aristath/taskforge/internal/config"
)

// WorkflowManager derives follow-up tasks from workflow configuration.
// When a task completes, every workflow containing a step for the task's
// category yields a definition for the next step, depending on the
// completed task.
type WorkflowManager struct {
	workflows map[string]config.WorkflowConfig // workflow name -> config
}

// NewWorkflowManager creates a new WorkflowManager.
func NewWorkflowManager(workflows map[string]config.WorkflowConfig) *WorkflowManager {
	return &WorkflowManager{
		workflows: workflows,
	}
}

// FollowUps returns the definitions to create after completed. Workflows are
// visited in name order so the result is deterministic.
func (wm *WorkflowManager) FollowUps(completed *Task) ([]Definition, error) {
	names := make([]string, 0, len(wm.workflows))
	for name := range wm.workflows {
		names = append(names, name)
	}
	sort.Strings(names)

	var defs []Definition
	for _, name := range names {
		workflow := wm.workflows[name]
		stepIndex := findCategoryStep(workflow, completed.Category)
		if stepIndex == -1 || stepIndex >= len(workflow.Steps)-1 {
			continue
		}

		next := workflow.Steps[stepIndex+1]
		priority, err := ParsePriority(next.Priority)
		if err != nil {
			return defs, fmt.Errorf("workflow %q step %d: %w", name, stepIndex+1, err)
		}

		title := next.Title
		if title == "" {
			title = fmt.Sprintf("Follow-up: %s after %s", next.Category, completed.ID)
		}
		payload := next.Payload
		if payload == "" {
			payload = fmt.Sprintf("Review the output of task %s: %s", completed.ID, completed.Artifact)
		}

		defs = append(defs, Definition{
			ID:                   fmt.Sprintf("%s-%s", completed.ID, next.Category),
			Title:                title,
			Category:             Category(next.Category),
			Priority:             priority,
			RequiredCapabilities: cloneStrings(next.Capabilities),
			Dependencies:         []string{completed.ID},
			Resources:            cloneStrings(completed.Resources),
			Payload:              payload,
			MaxAttempts:          next.MaxAttempts,
		})
	}
	return defs, nil
}

// FindWorkflow returns the workflow name, config, and step index for the
// given category, or "", nil, -1.
func (wm *WorkflowManager) FindWorkflow(category Category) (string, *config.WorkflowConfig, int) {
	for name, workflow := range wm.workflows {
		if i := findCategoryStep(workflow, category); i != -1 {
			return name, &workflow, i
		}
	}
	return "", nil, -1
}

func findCategoryStep(workflow config.WorkflowConfig, category Category) int {
	for i, step := range workflow.Steps {
		if Category(step.Category) == category {
			return i
		}
	}
	return -1
}
