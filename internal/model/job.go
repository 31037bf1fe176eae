package model

import "time"

// Job status constants.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusTimedOut  = "timed_out"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusQueued: {
		StatusRunning: true,
		StatusFailed:  true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusTimedOut:  true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
// Staying in the same status is always allowed for non-terminal jobs.
func ValidTransition(from, to string) bool {
	if from == to {
		return !IsTerminal(from)
	}
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether status is a final job state.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusTimedOut:
		return true
	}
	return false
}

// Job is one submitted program and its tracked lifecycle.
type Job struct {
	ID          string     `json:"jobid"`
	Status      string     `json:"status"`
	Server      string     `json:"server,omitempty"`
	SubmittedAt time.Time  `json:"submittedat"`
	StartedAt   *time.Time `json:"startedat,omitempty"`
	CompletedAt *time.Time `json:"completedat,omitempty"`
	Error       string     `json:"error,omitempty"`
	Log         string     `json:"-"`
	Output      string     `json:"-"`
	Artifacts   []Artifact `json:"-"`
}

// Clone returns a deep copy of j.
func (j Job) Clone() Job {
	cp := j
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	if j.Artifacts != nil {
		cp.Artifacts = append([]Artifact(nil), j.Artifacts...)
	}
	return cp
}

// Duration returns the time between start and completion, or zero if the job
// has not finished.
func (j Job) Duration() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}

// Artifact is a result file associated with a finished job.
type Artifact struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	ContentType string    `json:"contenttype,omitempty"`
	SizeBytes   int64     `json:"sizebytes"`
	CreatedAt   time.Time `json:"createdat"`
}
