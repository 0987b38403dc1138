package main

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"OpenProver/internal/api"
	"OpenProver/internal/job"
	"OpenProver/internal/proofservice"
	"OpenProver/internal/prover"
)

func TestPrintOutputLocal(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printOutput(&buf, prover.Local{Proof: []byte{0xde, 0xad}, Output: []byte{0x01}}))

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	require.Equal(t, "0xdead", got["proof"])
	require.Equal(t, "0x01", got["output"])
	require.NotContains(t, got, "proof_ids")
}

func TestPrintOutputRemote(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printOutput(&buf, prover.Remote{ProofIDs: []proofservice.ProofID{"a", "b"}}))
	require.JSONEq(t, `{"proof_ids":["a","b"]}`, buf.String())
}

func TestProveRejectsBadInput(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"prove", "circuit", "not-hex"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.Execute()
	require.Error(t, err)
	require.Contains(t, err.Error(), "decode input")
}

func TestBatchProveRequiresInputs(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"batch-prove", "circuit"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	require.Error(t, cmd.Execute())
}

func TestJobsSubmitAndGet(t *testing.T) {
	store := job.NewMemoryStore()
	queue := job.NewMemoryQueue(4)
	t.Cleanup(func() { _ = queue.Close() })
	srv := httptest.NewServer(api.NewServer(":0", job.NewService(store, queue, 1), nil).Handler())
	t.Cleanup(srv.Close)

	run := func(args ...string) string {
		t.Helper()
		var out bytes.Buffer
		cmd := newRootCmd()
		cmd.SetArgs(append([]string{"jobs", "--server", srv.URL}, args...))
		cmd.SetOut(&out)
		cmd.SetErr(&bytes.Buffer{})
		require.NoError(t, cmd.Execute())
		return out.String()
	}

	var submitted map[string]any
	require.NoError(t, json.Unmarshal([]byte(run("submit", "--id", "cli-1", "sq", "0x01", "0x02")), &submitted))
	require.Equal(t, "cli-1", submitted["id"])
	require.Equal(t, "batch", submitted["kind"])

	var fetched map[string]any
	require.NoError(t, json.Unmarshal([]byte(run("get", "cli-1")), &fetched))
	require.Equal(t, "pending", fetched["status"])

	var stats map[string]any
	require.NoError(t, json.Unmarshal([]byte(run("stats", "--circuit", "sq")), &stats))
	require.EqualValues(t, 1, stats["total"])
}
