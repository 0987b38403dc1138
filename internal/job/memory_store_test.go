package job

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"

	xerrors "OpenProver/internal/errors"
)

func seedJobs(t *testing.T, store *MemoryStore, jobs ...*Job) {
	t.Helper()
	for _, j := range jobs {
		require.NoError(t, store.Create(context.Background(), j))
	}
}

func TestMemoryStoreListWithFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().Add(-2 * time.Minute)

	seedJobs(t, store,
		&Job{ID: "j1", Kind: KindSingle, CircuitID: "c1", Status: StatusPending, MaxRetries: 1},
		&Job{ID: "j2", Kind: KindBatch, CircuitID: "c1", Status: StatusPending, MaxRetries: 1},
		&Job{ID: "j3", Kind: KindBatch, CircuitID: "c2", Status: StatusPending, MaxRetries: 1},
	)
	require.NoError(t, store.MarkFailed(ctx, "j2", xerrors.CodeRemoteFailure, "boom", true))
	require.NoError(t, store.MarkSucceeded(ctx, "j3", Result{ProofIDs: nil}))

	store.mu.Lock()
	store.jobs["j1"].UpdatedAt = base.Unix()
	store.jobs["j2"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.jobs["j3"].UpdatedAt = base.Add(60 * time.Second).Unix()
	store.mu.Unlock()

	all, err := store.List(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "j3", all[0].ID)

	asc, err := store.List(ctx, BuildListOptions(WithSortOrder(SortByUpdatedAsc), WithLimit(2)))
	require.NoError(t, err)
	require.Equal(t, []string{"j1", "j2"}, []string{asc[0].ID, asc[1].ID})

	failed, err := store.List(ctx, BuildListOptions(WithStatuses(StatusFailed)))
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, "j2", failed[0].ID)

	batches, err := store.List(ctx, BuildListOptions(WithKinds(KindBatch), WithCircuit("c1")))
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Equal(t, "j2", batches[0].ID)

	recent, err := store.List(ctx, BuildListOptions(WithUpdatedSince(base.Add(15*time.Second))))
	require.NoError(t, err)
	require.Len(t, recent, 2)

	paged, err := store.List(ctx, BuildListOptions(WithOffset(5)))
	require.NoError(t, err)
	require.Empty(t, paged)
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	seedJobs(t, store,
		&Job{ID: "a", Kind: KindSingle, Status: StatusPending, MaxRetries: 1},
		&Job{ID: "b", Kind: KindSingle, Status: StatusPending, MaxRetries: 1},
		&Job{ID: "c", Kind: KindBatch, Status: StatusPending, MaxRetries: 1},
	)
	require.NoError(t, store.MarkFailed(ctx, "b", xerrors.CodeTimeout, "late", true))
	require.NoError(t, store.MarkSucceeded(ctx, "c", Result{}))

	stats, err := store.Stats(ctx, ListOptions{})
	require.NoError(t, err)
	require.Equal(t, 3, stats.Total)
	require.Equal(t, 1, stats.Pending)
	require.Equal(t, 1, stats.Failed)
	require.Equal(t, 1, stats.Succeeded)
	require.NotZero(t, stats.NewestUpdatedAt)

	singles, err := store.Stats(ctx, BuildListOptions(WithKinds(KindSingle)))
	require.NoError(t, err)
	require.Equal(t, 2, singles.Total)

	empty, err := store.Stats(ctx, BuildListOptions(WithCircuit("missing")))
	require.NoError(t, err)
	require.Equal(t, Stats{}, empty)
}

func TestMemoryStoreClaimLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedJobs(t, store, &Job{ID: "x", Kind: KindSingle, Status: StatusPending, MaxRetries: 2})

	j, err := store.Claim(ctx, "x")
	require.NoError(t, err)
	require.Equal(t, StatusRunning, j.Status)
	require.Equal(t, 1, j.Attempts)

	_, err = store.Claim(ctx, "x")
	require.ErrorIs(t, err, ErrJobConflict)

	require.NoError(t, store.MarkFailed(ctx, "x", xerrors.CodeTimeout, "late", false))
	j, err = store.Claim(ctx, "x")
	require.NoError(t, err)
	require.Equal(t, 2, j.Attempts)

	require.NoError(t, store.MarkFailed(ctx, "x", xerrors.CodeTimeout, "late", false))
	_, err = store.Claim(ctx, "x")
	require.ErrorIs(t, err, ErrJobExhausted)

	_, err = store.Claim(ctx, "missing")
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestMemoryStoreTerminalFailureBlocksClaim(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedJobs(t, store, &Job{ID: "x", Kind: KindSingle, Status: StatusPending, MaxRetries: 3})

	_, err := store.Claim(ctx, "x")
	require.NoError(t, err)
	require.NoError(t, store.MarkFailed(ctx, "x", xerrors.CodeRemoteFailure, "failed remotely", true))

	j, err := store.Get(ctx, "x")
	require.NoError(t, err)
	require.True(t, j.Terminal())
	require.Equal(t, string(xerrors.CodeRemoteFailure), j.ErrorCode)

	_, err = store.Claim(ctx, "x")
	require.ErrorIs(t, err, ErrJobExhausted)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedJobs(t, store, &Job{ID: "x", Kind: KindSingle, Inputs: []hexutil.Bytes{{1, 2}}, Status: StatusPending, MaxRetries: 1})

	j, err := store.Get(ctx, "x")
	require.NoError(t, err)
	j.Inputs[0][0] = 9

	again, err := store.Get(ctx, "x")
	require.NoError(t, err)
	require.Equal(t, hexutil.Bytes{1, 2}, again.Inputs[0])

	require.ErrorIs(t, store.Create(ctx, &Job{ID: "x"}), ErrJobConflict)
	require.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(store.Create(ctx, &Job{})))
}

func TestBuildFilterClause(t *testing.T) {
	clause, args := buildFilterClause(BuildListOptions(
		WithStatuses(StatusFailed, StatusFailed, Status("bogus")),
		WithKinds(KindBatch),
		WithCircuit(" c1 "),
		WithUpdatedSince(time.Unix(100, 0)),
	))
	require.Equal(t, "status IN (?) AND kind IN (?) AND circuit_id = ? AND updated_at >= ?", clause)
	require.Equal(t, []any{"failed", "batch", "c1", int64(100)}, args)

	clause, args = buildFilterClause(BuildListOptions())
	require.Empty(t, clause)
	require.Nil(t, args)
}

func TestBuildListOptionsClampsLimit(t *testing.T) {
	require.Equal(t, 20, BuildListOptions().Limit)
	require.Equal(t, 100, BuildListOptions(WithLimit(1000)).Limit)
	require.Equal(t, 0, BuildListOptions(WithOffset(-3)).Offset)
}
