package service

import (
	"context"
	"testing"
	"time"

	"github.com/raphaelgruber/recall/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobManagerBackfill(t *testing.T) {
	repo := store.NewMemory()
	closedEpisode(t, repo, "e1", "Chrome", baseTS, "Inbox")
	closedEpisode(t, repo, "e2", "Slack", baseTS+600_000, "general")

	m := NewJobManager(testIndexer(repo, &fakeEmbedder{}, nil), nil)
	job := m.StartBackfill(context.Background(), 10)
	require.NotEmpty(t, job.ID)
	assert.Len(t, job.ID, 8)
	m.Wait()

	snap := m.GetJob(job.ID).Snapshot()
	assert.Equal(t, JobStatusCompleted, snap.Status)
	assert.Equal(t, "backfill", snap.Type)
	assert.Equal(t, 2, snap.Progress)
	assert.Equal(t, 2, snap.Total)
	require.NotNil(t, snap.Result)
	assert.Equal(t, 2, snap.Result.Episodes)
	require.NotNil(t, snap.CompletedAt)
	assert.Empty(t, snap.Error)
}

func TestJobManagerBackfillFails(t *testing.T) {
	repo := store.NewMemory()
	m := NewJobManager(testIndexer(repo, &fakeEmbedder{}, nil), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	job := m.StartBackfill(ctx, 10)
	m.Wait()

	snap := job.Snapshot()
	assert.Equal(t, JobStatusFailed, snap.Status)
	assert.Contains(t, snap.Error, "context canceled")
	assert.NotNil(t, snap.CompletedAt)
}

func TestJobManagerListAndGet(t *testing.T) {
	m := NewJobManager(testIndexer(store.NewMemory(), nil, nil), nil)
	assert.Nil(t, m.GetJob("missing"))
	assert.Empty(t, m.ListJobs())

	first := m.StartBackfill(context.Background(), 1)
	time.Sleep(2 * time.Millisecond)
	second := m.StartBackfill(context.Background(), 1)
	m.Wait()

	jobs := m.ListJobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, second.ID, jobs[0].ID, "most recent first")
	assert.Equal(t, first.ID, jobs[1].ID)
}

func TestJobProgressMarksRunning(t *testing.T) {
	m := NewJobManager(nil, nil)
	job := &Job{ID: "j1", Status: JobStatusPending}
	m.UpdateProgress(job, 3, 10)

	snap := job.Snapshot()
	assert.Equal(t, JobStatusRunning, snap.Status)
	assert.Equal(t, 3, snap.Progress)
	assert.Equal(t, 10, snap.Total)
}
