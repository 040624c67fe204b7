package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sparepart-scheduler/internal/id/uuid"
	"github.com/JakeFAU/sparepart-scheduler/internal/scheduler"
)

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Unix(1_700_000_000, 0).UTC() }

func TestBackendLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := New(uuid.New(), fixedClock{})

	id, err := b.Submit(ctx, "isuzu", scheduler.Params{}.Set("model", "elf"))
	require.NoError(t, err)
	require.Len(t, id, 32)

	listing, err := b.ListJobs(ctx)
	require.NoError(t, err)
	require.True(t, listing.HasSpider("isuzu"))

	require.True(t, b.Finish(id, "done"))
	require.False(t, b.Finish(id, "again"))

	listing, err = b.ListJobs(ctx)
	require.NoError(t, err)
	require.False(t, listing.HasSpider("isuzu"))

	log, err := b.FetchLog(ctx, "isuzu", id)
	require.NoError(t, err)
	require.Equal(t, "done", log)
	require.Len(t, b.Submissions(), 1)
}

func TestBackendInjectedFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := New(uuid.New(), fixedClock{})
	boom := errors.New("boom")

	b.FailListing(boom)
	_, err := b.ListJobs(ctx)
	require.ErrorIs(t, err, boom)

	b.FailSubmit(boom)
	_, err = b.Submit(ctx, "isuzu", nil)
	require.ErrorIs(t, err, boom)
	require.Empty(t, b.Submissions())

	ok, err := b.Cancel(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)
}
