package openprover_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"

	"OpenProver/internal/api"
	"OpenProver/internal/auth"
	"OpenProver/internal/job"
	"OpenProver/internal/proofservice"
	"OpenProver/sdk/go/openprover"
)

func newTestClient(t *testing.T, opts ...api.Option) (*openprover.Client, *job.MemoryStore) {
	t.Helper()
	store := job.NewMemoryStore()
	queue := job.NewMemoryQueue(16)
	t.Cleanup(func() { _ = queue.Close() })

	srv := httptest.NewServer(api.NewServer(":0", job.NewService(store, queue, 1), nil, opts...).Handler())
	t.Cleanup(srv.Close)

	client, err := openprover.NewClient(srv.URL, srv.Client())
	require.NoError(t, err)
	return client, store
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := openprover.NewClient("ftp://example.com", nil)
	require.Error(t, err)
	_, err = openprover.NewClient("://", nil)
	require.Error(t, err)
}

func TestSubmitAndGetJob(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	created, err := client.SubmitJob(ctx, openprover.JobRequest{
		ID:        "job-1",
		CircuitID: "sq",
		Inputs:    []hexutil.Bytes{{0x01}, {0x02}},
	})
	require.NoError(t, err)
	require.Equal(t, "job-1", created.ID)
	require.Equal(t, openprover.KindBatch, created.Kind)
	require.Equal(t, openprover.StatusPending, created.Status)
	require.False(t, created.Done())

	fetched, err := client.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, created.Inputs, fetched.Inputs)
}

func TestAPIErrorDecoding(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	_, err := client.GetJob(ctx, "missing")
	var apiErr *openprover.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	require.Equal(t, string(job.CodeJobNotFound), apiErr.Code)

	_, err = client.SubmitJob(ctx, openprover.JobRequest{CircuitID: "sq"})
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
}

func TestListJobsAndStats(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	for _, req := range []openprover.JobRequest{
		{CircuitID: "a", Inputs: []hexutil.Bytes{{0x01}}},
		{CircuitID: "a", Inputs: []hexutil.Bytes{{0x01}, {0x02}}},
		{CircuitID: "b", Inputs: []hexutil.Bytes{{0x03}}},
	} {
		_, err := client.SubmitJob(ctx, req)
		require.NoError(t, err)
	}

	jobs, err := client.ListJobs(ctx, openprover.ListFilter{CircuitID: "a"})
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	jobs, err = client.ListJobs(ctx, openprover.ListFilter{Kinds: []string{openprover.KindSingle}, Limit: 1})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, openprover.KindSingle, jobs[0].Kind)

	stats, err := client.Stats(ctx, openprover.ListFilter{})
	require.NoError(t, err)
	require.Equal(t, 3, stats.Total)
	require.Equal(t, 3, stats.Pending)
}

func TestWaitForJob(t *testing.T) {
	client, store := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.SubmitJob(ctx, openprover.JobRequest{
		ID:        "batch-1",
		CircuitID: "sq",
		Inputs:    []hexutil.Bytes{{0x01}, {0x02}},
	})
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		if _, err := store.Claim(context.Background(), "batch-1"); err != nil {
			return
		}
		_ = store.MarkSucceeded(context.Background(), "batch-1", job.Result{
			ProofIDs: []proofservice.ProofID{"p-0", "p-1"},
		})
	}()

	done, err := client.WaitForJob(ctx, "batch-1", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, done.Done())
	require.Equal(t, []string{"p-0", "p-1"}, done.Result.ProofIDs)
}

func TestWaitForJobHonoursContext(t *testing.T) {
	client, _ := newTestClient(t)
	_, err := client.SubmitJob(context.Background(), openprover.JobRequest{ID: "slow", CircuitID: "sq", Inputs: []hexutil.Bytes{{0x01}}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	last, err := client.WaitForJob(ctx, "slow", 10*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, last)
	require.Equal(t, openprover.StatusPending, last.Status)
}

func TestAccessTokenIsSent(t *testing.T) {
	authSvc, err := auth.NewService(auth.Config{Tokens: []auth.TokenConfig{
		{Name: "ci", Token: "secret", Permissions: []string{"*"}},
	}})
	require.NoError(t, err)
	client, _ := newTestClient(t, api.WithAuth(authSvc))
	ctx := context.Background()

	_, err = client.Stats(ctx, openprover.ListFilter{})
	var apiErr *openprover.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	require.Equal(t, string(auth.CodeMissingToken), apiErr.Code)

	client.SetAccessToken("secret")
	require.Equal(t, "secret", client.AccessToken())
	_, err = client.Stats(ctx, openprover.ListFilter{})
	require.NoError(t, err)
}
