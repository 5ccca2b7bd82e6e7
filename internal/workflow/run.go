// Package workflow coordinates the dashboard's multi-step user journeys:
// onboarding, payment submission, and invoice lifecycle management. Steps
// run sequentially; the first failure aborts the run and completed steps
// are left standing, the backend being the authority on their effects.
package workflow

import "time"

// RunStatus is the lifecycle state of one workflow execution.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Step is one unit of a workflow. Do receives the run's context and reports
// failure through its error.
type Step struct {
	Name string
	Do   func() error
}

// StepResult records one executed step.
type StepResult struct {
	Name     string        `json:"name"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Run is one workflow execution. A failed run names the step that aborted
// it; steps after that one never ran.
type Run struct {
	ID         string       `json:"id"`
	Workflow   string       `json:"workflow"`
	Status     RunStatus    `json:"status"`
	Steps      []StepResult `json:"steps"`
	Error      string       `json:"error,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at,omitempty"`
}
