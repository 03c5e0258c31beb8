package model

// Result is what a runner pushes onto the shared result queue after an
// execution attempt. The runner never touches the job record directly; the
// coordinator folds the result back into it.
type Result struct {
	JobID    string `json:"job_id"`
	RunnerID string `json:"runner_id"`
	Success  bool   `json:"success"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
}
