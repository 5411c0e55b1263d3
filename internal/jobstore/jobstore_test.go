package jobstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "jobstore.db")
	s, err := Open(config.JobStore{Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndReadByIDRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := &Job{
		JobID:        "job-1",
		Kind:         "image-from-text",
		ClientID:     "client-a",
		SourceTag:    "client",
		TemplateName: "sd-basic",
		Params:       map[string]any{"seed": float64(42)},
		Priority:     5,
	}
	require.NoError(t, s.Create(ctx, j))

	got, err := s.ReadByID(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, StatusQueued, got.Status)
	require.Equal(t, "client-a", got.ClientID)
	require.EqualValues(t, 42, got.Params["seed"])
	require.Equal(t, 5, got.Priority)
}

func TestReadByIDMissingReturnsErrNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.ReadByID(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateStatusPreservesUntouchedFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, &Job{JobID: "job-2", Kind: "image-from-text", ClientID: "c", SourceTag: "client", TemplateName: "t"}))

	processing := StatusProcessing
	progress := 10.0
	require.NoError(t, s.UpdateStatus(ctx, "job-2", Patch{Status: &processing, Progress: &progress}))

	got, err := s.ReadByID(ctx, "job-2")
	require.NoError(t, err)
	require.Equal(t, StatusProcessing, got.Status)
	require.Equal(t, 10.0, got.Progress)
	require.Equal(t, "image-from-text", got.Kind)
}

func TestUpdateStatusUnknownJobReturnsErrNotFound(t *testing.T) {
	s := newTestStore(t)
	status := StatusFailed
	err := s.UpdateStatus(context.Background(), "ghost", Patch{Status: &status})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAttachResultsThenReadByIDIncludesArtifacts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, &Job{JobID: "job-3", Kind: "image-from-text", ClientID: "c", SourceTag: "client", TemplateName: "t"}))

	results := []ArtifactLocator{
		{NodeID: "n1", RelativePath: "output/foo.png"},
		{LocalPath: "/data/bar.png"},
	}
	require.NoError(t, s.AttachResults(ctx, "job-3", results))

	got, err := s.ReadByID(ctx, "job-3")
	require.NoError(t, err)
	require.Len(t, got.Results, 2)
	require.Equal(t, "output/foo.png", got.Results[0].RelativePath)
}

func TestListByOwnerOrdersNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, &Job{JobID: "a", Kind: "image-from-text", ClientID: "client-x", SourceTag: "client", TemplateName: "t"}))
	require.NoError(t, s.Create(ctx, &Job{JobID: "b", Kind: "image-from-text", ClientID: "client-x", SourceTag: "client", TemplateName: "t"}))

	list, err := s.ListByOwner(ctx, "client-x", 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
}

func TestDeleteRemovesJobAndSideTables(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, &Job{JobID: "job-4", Kind: "image-from-text", ClientID: "c", SourceTag: "client", TemplateName: "t"}))
	require.NoError(t, s.AttachResults(ctx, "job-4", []ArtifactLocator{{LocalPath: "/x.png"}}))

	require.NoError(t, s.Delete(ctx, "job-4"))

	_, err := s.ReadByID(ctx, "job-4")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRerunResetsToQueuedPreservingParamsAndPriority(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, &Job{
		JobID: "job-5", Kind: "image-from-text", ClientID: "c", SourceTag: "client",
		TemplateName: "t", Params: map[string]any{"seed": float64(7)}, Priority: 3,
	}))

	completed := StatusCompleted
	require.NoError(t, s.UpdateStatus(ctx, "job-5", Patch{Status: &completed}))
	require.NoError(t, s.AttachResults(ctx, "job-5", []ArtifactLocator{{LocalPath: "/x.png"}}))

	require.NoError(t, s.Rerun(ctx, "job-5"))

	got, err := s.ReadByID(ctx, "job-5")
	require.NoError(t, err)
	require.Equal(t, StatusQueued, got.Status)
	require.Equal(t, 3, got.Priority)
	require.EqualValues(t, 7, got.Params["seed"])
	require.Empty(t, got.Results)
	require.Nil(t, got.Error)
}

func TestListRunningOnlyReturnsQueuedAndProcessing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, &Job{JobID: "running-1", Kind: "image-from-text", ClientID: "c", SourceTag: "client", TemplateName: "t"}))
	require.NoError(t, s.Create(ctx, &Job{JobID: "done-1", Kind: "image-from-text", ClientID: "c", SourceTag: "client", TemplateName: "t"}))
	completed := StatusCompleted
	require.NoError(t, s.UpdateStatus(ctx, "done-1", Patch{Status: &completed}))

	running, err := s.ListRunning(ctx)
	require.NoError(t, err)
	ids := map[string]bool{}
	for _, j := range running {
		ids[j.JobID] = true
	}
	require.True(t, ids["running-1"])
	require.False(t, ids["done-1"])
}
