package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sashelper/SDVBridge/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTestRecord(status string, submitted time.Time) *model.JobRecord {
	started := submitted.Add(time.Second)
	completed := started.Add(2 * time.Second)
	return model.NewJobRecord(model.Job{
		ID:          model.NewID(),
		Status:      status,
		Server:      "SASApp",
		SubmittedAt: submitted,
		StartedAt:   &started,
		CompletedAt: &completed,
		Log:         "NOTE: done",
		Artifacts:   []model.Artifact{{ID: "a", Name: "log.txt"}},
	})
}

func TestRecordAndGetJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeTestRecord(model.StatusCompleted, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))

	require.NoError(t, s.RecordJob(ctx, r))

	got, err := s.GetJob(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, "SASApp", got.Server)
	assert.Equal(t, int64(2000), got.DurationMS)
	assert.Equal(t, len("NOTE: done"), got.LogBytes)
	assert.Equal(t, 1, got.ArtifactCount)
	assert.True(t, r.SubmittedAt.Equal(got.SubmittedAt))
	require.NotNil(t, got.CompletedAt)
	assert.True(t, r.CompletedAt.Equal(*got.CompletedAt))
}

func TestRecordJobUpserts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeTestRecord(model.StatusFailed, time.Now().UTC())
	require.NoError(t, s.RecordJob(ctx, r))

	r.Error = "ERROR: second write"
	require.NoError(t, s.RecordJob(ctx, r))

	got, err := s.GetJob(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "ERROR: second write", got.Error)

	_, total, err := s.ListJobs(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestRecordJobWithoutStart(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	completed := time.Now().UTC()
	r := model.NewJobRecord(model.Job{
		ID:          model.NewID(),
		Status:      model.StatusFailed,
		SubmittedAt: completed,
		CompletedAt: &completed,
		Error:       "bridge shutting down",
	})
	require.NoError(t, s.RecordJob(ctx, r))

	got, err := s.GetJob(ctx, r.ID)
	require.NoError(t, err)
	assert.Nil(t, got.StartedAt)
	assert.Zero(t, got.DurationMS)
}

func TestGetJobNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetJob(context.Background(), "nonexistent")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListJobsPaginationAndOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		r := makeTestRecord(model.StatusCompleted, time.Date(2026, 1, 1+i, 0, 0, 0, 0, time.UTC))
		require.NoError(t, s.RecordJob(ctx, r), fmt.Sprintf("record %d", i))
		ids = append(ids, r.ID)
	}

	page, total, err := s.ListJobs(ctx, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	assert.Equal(t, ids[4], page[0].ID)
	assert.Equal(t, ids[3], page[1].ID)

	page, _, err = s.ListJobs(ctx, 2, 4)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, ids[0], page[0].ID)
}

func TestListJobsEmpty(t *testing.T) {
	s := newTestStore(t)
	page, total, err := s.ListJobs(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.NotNil(t, page)
	assert.Empty(t, page)
}

func TestGetJobStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stats, err := s.GetJobStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
	assert.Zero(t, stats.AvgDurationMS)

	now := time.Now().UTC()
	require.NoError(t, s.RecordJob(ctx, makeTestRecord(model.StatusCompleted, now)))
	require.NoError(t, s.RecordJob(ctx, makeTestRecord(model.StatusCompleted, now)))
	failed := makeTestRecord(model.StatusFailed, now)
	failed.Server = "SASAppVA"
	failed.DurationMS = 5000
	require.NoError(t, s.RecordJob(ctx, failed))

	stats, err = s.GetJobStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.CountByStatus[model.StatusCompleted])
	assert.Equal(t, 1, stats.CountByStatus[model.StatusFailed])
	assert.Equal(t, 2, stats.CountByServer["SASApp"])
	assert.Equal(t, 1, stats.CountByServer["SASAppVA"])
	assert.InDelta(t, 3000.0, stats.AvgDurationMS, 0.001)
	assert.Equal(t, 3, stats.ArtifactCount)
}
