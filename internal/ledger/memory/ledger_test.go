package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sparepart-scheduler/internal/scheduler"
)

func TestLedgerRecordAndFinalizeOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := NewLedger()
	start := time.Unix(1_700_000_000, 0).UTC()
	require.NoError(t, l.Record(ctx, scheduler.Job{
		ID:         "job-1",
		SpiderType: "isuzu",
		Params:     scheduler.Params{}.Set("model", "panther"),
		Start:      start,
		JobDir:     "data/crawljobs/isuzu_isuzu_panther_2023_11_14_22_13_20",
	}))

	job, err := l.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, scheduler.JobStatusStarted, job.Status)
	require.Nil(t, job.Finish)

	first := start.Add(time.Hour)
	require.NoError(t, l.Finalize(ctx, "job-1", "finished", "log text", first))
	require.NoError(t, l.Finalize(ctx, "job-1", "shutdown", "other", first.Add(time.Hour)))

	job, err = l.Get(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, job.Finished())
	require.Equal(t, "finished", job.Reason)
	require.Equal(t, "log text", job.Log)
	require.Equal(t, first, *job.Finish)

	dir, err := l.Lookup(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, "data/crawljobs/isuzu_isuzu_panther_2023_11_14_22_13_20", dir)
}

func TestLedgerMissingJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := NewLedger()

	require.ErrorIs(t, l.Finalize(ctx, "nope", "finished", "", time.Now()), scheduler.ErrNotFound)
	_, err := l.Lookup(ctx, "nope")
	require.ErrorIs(t, err, scheduler.ErrNotFound)
}

func TestLedgerRejectsDuplicateRecord(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := NewLedger()
	require.NoError(t, l.Record(ctx, scheduler.Job{ID: "a"}))
	require.Error(t, l.Record(ctx, scheduler.Job{ID: "a"}))
	require.Error(t, l.Record(ctx, scheduler.Job{}))
	require.Len(t, l.Jobs(), 1)
}
