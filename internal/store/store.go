package store

import (
	"context"

	"github.com/sashelper/SDVBridge/internal/model"
)

// JobStats holds aggregate statistics over archived jobs.
type JobStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"countbystatus"`
	CountByServer map[string]int `json:"countbyserver"`
	AvgDurationMS float64        `json:"avgdurationms"`
	ArtifactCount int            `json:"artifactcount"`
}

// Store defines the persistence operations for the job history.
type Store interface {
	RecordJob(ctx context.Context, r *model.JobRecord) error
	GetJob(ctx context.Context, id string) (*model.JobRecord, error)
	ListJobs(ctx context.Context, limit, offset int) ([]*model.JobRecord, int, error)
	GetJobStats(ctx context.Context) (*JobStats, error)
	Close() error
}
