package model

import "time"

// JobRecord is the archived summary of a terminal job.
type JobRecord struct {
	ID            string     `json:"jobid"`
	Status        string     `json:"status"`
	Server        string     `json:"server,omitempty"`
	Error         string     `json:"error,omitempty"`
	SubmittedAt   time.Time  `json:"submittedat"`
	StartedAt     *time.Time `json:"startedat,omitempty"`
	CompletedAt   *time.Time `json:"completedat,omitempty"`
	DurationMS    int64      `json:"durationms"`
	LogBytes      int        `json:"logbytes"`
	OutputBytes   int        `json:"outputbytes"`
	ArtifactCount int        `json:"artifactcount"`
}

// NewJobRecord summarizes j for the job history.
func NewJobRecord(j Job) *JobRecord {
	c := j.Clone()
	return &JobRecord{
		ID:            c.ID,
		Status:        c.Status,
		Server:        c.Server,
		Error:         c.Error,
		SubmittedAt:   c.SubmittedAt,
		StartedAt:     c.StartedAt,
		CompletedAt:   c.CompletedAt,
		DurationMS:    c.Duration().Milliseconds(),
		LogBytes:      len(c.Log),
		OutputBytes:   len(c.Output),
		ArtifactCount: len(c.Artifacts),
	}
}
