package prover

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	xerrors "OpenProver/internal/errors"
	"OpenProver/internal/observability/alerting"
	ps "OpenProver/internal/proofservice"
)

type getStep struct {
	record *ps.ProofRecord
	err    error
}

type batchStep struct {
	summary ps.BatchStatusSummary
	err     error
}

type fakeService struct {
	mu sync.Mutex

	submitErr error
	submitted []ps.ProofRequest
	gets      []getStep
	getCalls  int

	batchIDs   []ps.ProofID
	batches    []batchStep
	batchCalls int
}

func (f *fakeService) Submit(_ context.Context, req ps.ProofRequest) (ps.ProofID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, req)
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return "proof-1", nil
}

func (f *fakeService) Get(_ context.Context, id ps.ProofID) (*ps.ProofRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	step := f.gets[min(f.getCalls, len(f.gets)-1)]
	f.getCalls++
	if step.err != nil {
		return nil, step.err
	}
	record := *step.record
	record.ID = id
	return &record, nil
}

func (f *fakeService) SubmitBatch(_ context.Context, reqs []ps.ProofRequest) (ps.BatchID, []ps.ProofID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, reqs...)
	if f.submitErr != nil {
		return "", nil, f.submitErr
	}
	if f.batchIDs != nil {
		return "batch-1", f.batchIDs, nil
	}
	ids := make([]ps.ProofID, len(reqs))
	for i := range reqs {
		ids[i] = ps.ProofID("p-" + strconv.Itoa(i))
	}
	return "batch-1", ids, nil
}

func (f *fakeService) GetBatch(context.Context, ps.BatchID) (ps.BatchStatusSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	step := f.batches[min(f.batchCalls, len(f.batches)-1)]
	f.batchCalls++
	return step.summary, step.err
}

func (f *fakeService) calls() (gets, batches, submitted int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCalls, f.batchCalls, len(f.submitted)
}

type recordingAlerter struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerter) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func status(s ps.Status) getStep {
	return getStep{record: &ps.ProofRecord{Status: s}}
}

func succeeded(proof, output []byte) getStep {
	return getStep{record: &ps.ProofRecord{
		Status: ps.StatusSuccess,
		Result: &ps.ProofResult{Proof: proof, Output: output},
	}}
}

var (
	errTransient = xerrors.New(xerrors.CodeQuery, "bad gateway", xerrors.WithRetryable(true))
	errPermanent = xerrors.New(xerrors.CodeQuery, "unknown proof", xerrors.WithRetryable(false))
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestProver wires svc to a prover driven by a fake clock that advances
// one poll interval whenever the prover is waiting.
func newTestProver(t *testing.T, svc ProofService, cfg Config, opts ...Option) *Prover {
	t.Helper()
	fc := clockwork.NewFakeClock()
	base := []Option{
		WithService(svc),
		WithClock(fc),
		WithJitter(func() time.Duration { return 0 }),
		WithLogger(discardLogger()),
		WithAuditLogger(discardLogger()),
	}
	p, err := New(context.Background(), cfg, append(base, opts...)...)
	require.NoError(t, err)

	advanceWhileWaiting(t, fc)
	return p
}

// advanceWhileWaiting advances fc by one poll interval each time a timer is
// pending, until the test ends.
func advanceWhileWaiting(t *testing.T, fc *clockwork.FakeClock) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.Cleanup(func() {
		cancel()
		<-done
	})
	go func() {
		defer close(done)
		for {
			if err := fc.BlockUntilContext(ctx, 1); err != nil {
				return
			}
			fc.Advance(PollInterval)
		}
	}()
}

func TestProveReturnsLocalOnFirstSuccess(t *testing.T) {
	svc := &fakeService{gets: []getStep{succeeded([]byte{0xaa}, []byte{0x01})}}
	p := newTestProver(t, svc, Config{})

	out, err := p.Prove(context.Background(), "circuit-a", []byte{0x07})
	require.NoError(t, err)
	require.Equal(t, Local{Proof: []byte{0xaa}, Output: []byte{0x01}}, out)

	gets, _, submitted := svc.calls()
	require.Equal(t, 1, gets)
	require.Equal(t, 1, submitted)
	require.Equal(t, "circuit-a", svc.submitted[0].CircuitID)
	require.Equal(t, []byte{0x07}, []byte(svc.submitted[0].Input))
}

func TestProveTimesOutAfterPollBudget(t *testing.T) {
	cases := []struct {
		timeout time.Duration
		polls   int
	}{
		{timeout: 60 * time.Second, polls: 6},
		{timeout: 65 * time.Second, polls: 6},
		{timeout: 9 * time.Second, polls: 0},
	}
	for _, tc := range cases {
		t.Run(tc.timeout.String(), func(t *testing.T) {
			svc := &fakeService{gets: []getStep{status(ps.StatusRunning)}}
			p := newTestProver(t, svc, Config{SingleProofTimeout: tc.timeout})

			_, err := p.Prove(context.Background(), "c", nil)
			require.Equal(t, xerrors.CodeTimeout, xerrors.CodeOf(err))

			gets, _, _ := svc.calls()
			require.Equal(t, tc.polls, gets)
			md := xerrors.MetadataOf(err)
			require.Equal(t, "proof-1", md["proof_id"])
			require.Equal(t, strconv.Itoa(tc.polls), md["polls"])
			if tc.polls > 0 {
				require.Equal(t, "RUNNING", md["last_status"])
			}
		})
	}
}

func TestProveStopsOnFailure(t *testing.T) {
	svc := &fakeService{gets: []getStep{status(ps.StatusRunning), status(ps.StatusFailure)}}
	p := newTestProver(t, svc, Config{SingleProofTimeout: 100 * time.Second})

	_, err := p.Prove(context.Background(), "c", nil)
	require.Equal(t, xerrors.CodeRemoteFailure, xerrors.CodeOf(err))
	require.Equal(t, "FAILURE", xerrors.MetadataOf(err)["status"])

	gets, _, _ := svc.calls()
	require.Equal(t, 2, gets)
}

func TestProveTreatsUnknownStatusAsFailure(t *testing.T) {
	svc := &fakeService{gets: []getStep{status(ps.Status("EXPIRED"))}}
	p := newTestProver(t, svc, Config{})

	_, err := p.Prove(context.Background(), "c", nil)
	require.Equal(t, xerrors.CodeRemoteFailure, xerrors.CodeOf(err))
	require.Equal(t, "EXPIRED", xerrors.MetadataOf(err)["status"])
}

func TestProveSurvivesTransientQueryErrors(t *testing.T) {
	svc := &fakeService{gets: []getStep{
		{err: errTransient},
		{err: errors.New("connection reset by peer")},
		succeeded([]byte{0x01}, []byte{0x02}),
	}}
	p := newTestProver(t, svc, Config{SingleProofTimeout: time.Minute})

	out, err := p.Prove(context.Background(), "c", nil)
	require.NoError(t, err)
	require.IsType(t, Local{}, out)

	gets, _, _ := svc.calls()
	require.Equal(t, 3, gets)
}

func TestProveSurvivesPermanentQueryError(t *testing.T) {
	svc := &fakeService{gets: []getStep{{err: errPermanent}, succeeded([]byte{0x01}, []byte{0x02})}}
	p := newTestProver(t, svc, Config{})

	out, err := p.Prove(context.Background(), "c", nil)
	require.NoError(t, err)
	require.Equal(t, Local{Proof: []byte{0x01}, Output: []byte{0x02}}, out)

	gets, _, _ := svc.calls()
	require.Equal(t, 2, gets)
}

func TestProveTimeoutWrapsLastQueryError(t *testing.T) {
	cause := errors.New("connection refused")
	svc := &fakeService{gets: []getStep{status(ps.StatusRunning), {err: cause}}}
	p := newTestProver(t, svc, Config{SingleProofTimeout: 30 * time.Second})

	_, err := p.Prove(context.Background(), "c", nil)
	require.Equal(t, xerrors.CodeTimeout, xerrors.CodeOf(err))
	require.ErrorIs(t, err, cause)
}

func TestProveEscalatesSuccessWithoutResult(t *testing.T) {
	alerter := &recordingAlerter{}
	svc := &fakeService{gets: []getStep{status(ps.StatusSuccess)}}
	p := newTestProver(t, svc, Config{}, WithAlerter(alerter))

	_, err := p.Prove(context.Background(), "c", nil)
	require.Equal(t, xerrors.CodeInvariantViolation, xerrors.CodeOf(err))
	require.Len(t, alerter.events, 1)
	require.Equal(t, "proof-1", alerter.events[0].Subject)
}

func TestProveSubmissionFailure(t *testing.T) {
	svc := &fakeService{submitErr: errors.New("dial tcp: refused"), gets: []getStep{status(ps.StatusRunning)}}
	p := newTestProver(t, svc, Config{})

	_, err := p.Prove(context.Background(), "c", nil)
	require.Equal(t, xerrors.CodeSubmission, xerrors.CodeOf(err))
	require.Equal(t, "c", xerrors.MetadataOf(err)["circuit_id"])

	gets, _, _ := svc.calls()
	require.Zero(t, gets)
}

func TestProveRejectsEmptyCircuit(t *testing.T) {
	svc := &fakeService{}
	p := newTestProver(t, svc, Config{})

	_, err := p.Prove(context.Background(), "  ", []byte{1})
	require.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
	_, _, submitted := svc.calls()
	require.Zero(t, submitted)
}

func TestProveWaitsForJitterBeforeSubmitting(t *testing.T) {
	fc := clockwork.NewFakeClock()
	svc := &fakeService{gets: []getStep{succeeded([]byte{1}, nil)}}
	p, err := New(context.Background(), Config{},
		WithService(svc),
		WithClock(fc),
		WithJitter(func() time.Duration { return 3 * time.Second }),
		WithLogger(discardLogger()),
		WithAuditLogger(discardLogger()),
	)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := p.Prove(context.Background(), "c", nil)
		done <- err
	}()

	fc.BlockUntil(1)
	_, _, submitted := svc.calls()
	require.Zero(t, submitted)

	fc.Advance(3 * time.Second)
	fc.BlockUntil(1)
	_, _, submitted = svc.calls()
	require.Equal(t, 1, submitted)

	fc.Advance(PollInterval)
	require.NoError(t, <-done)
}

func TestProveCanceledWhileWaiting(t *testing.T) {
	fc := clockwork.NewFakeClock()
	svc := &fakeService{gets: []getStep{status(ps.StatusRunning)}}
	p, err := New(context.Background(), Config{},
		WithService(svc),
		WithClock(fc),
		WithJitter(func() time.Duration { return 0 }),
		WithLogger(discardLogger()),
		WithAuditLogger(discardLogger()),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := p.Prove(ctx, "c", nil)
		done <- err
	}()

	fc.BlockUntil(1)
	cancel()
	err = <-done
	require.Equal(t, xerrors.CodeCanceled, xerrors.CodeOf(err))
	require.ErrorIs(t, err, context.Canceled)
}

func TestBatchProveReturnsIDsInOrder(t *testing.T) {
	svc := &fakeService{batches: []batchStep{
		{summary: ps.BatchStatusSummary{ps.StatusPending: 4}},
		{summary: ps.BatchStatusSummary{ps.StatusRunning: 2, ps.StatusSuccess: 2}},
		{summary: ps.BatchStatusSummary{ps.StatusSuccess: 4}},
	}}
	p := newTestProver(t, svc, Config{})

	inputs := [][]byte{{0x0a}, {0x0b}, {0x0c}, {0x0d}}
	out, err := p.BatchProve(context.Background(), "c", inputs)
	require.NoError(t, err)
	require.Equal(t, Remote{ProofIDs: []ps.ProofID{"p-0", "p-1", "p-2", "p-3"}}, out)

	_, batches, submitted := svc.calls()
	require.Equal(t, 3, batches)
	require.Equal(t, 4, submitted)
	for i, req := range svc.submitted {
		require.Equal(t, inputs[i], []byte(req.Input))
	}
}

func TestBatchProveReportsFailureCounts(t *testing.T) {
	svc := &fakeService{batches: []batchStep{
		{summary: ps.BatchStatusSummary{ps.StatusSuccess: 3, ps.StatusFailure: 1}},
	}}
	p := newTestProver(t, svc, Config{})

	_, err := p.BatchProve(context.Background(), "c", [][]byte{{1}, {2}, {3}, {4}})
	require.Equal(t, xerrors.CodeRemoteFailure, xerrors.CodeOf(err))
	md := xerrors.MetadataOf(err)
	require.Equal(t, "1", md["failed"])
	require.Equal(t, "3", md["succeeded"])
	require.Equal(t, "batch-1", md["batch_id"])
}

func TestBatchProveEscalatesCountMismatch(t *testing.T) {
	alerter := &recordingAlerter{}
	svc := &fakeService{batches: []batchStep{
		{summary: ps.BatchStatusSummary{ps.StatusSuccess: 3}},
	}}
	p := newTestProver(t, svc, Config{}, WithAlerter(alerter))

	_, err := p.BatchProve(context.Background(), "c", [][]byte{{1}, {2}, {3}, {4}})
	require.Equal(t, xerrors.CodeInvariantViolation, xerrors.CodeOf(err))
	require.Len(t, alerter.events, 1)
	require.Equal(t, xerrors.CodeInvariantViolation, alerter.events[0].Code)
	require.Equal(t, "batch-1", alerter.events[0].Subject)
}

func TestBatchProveSurvivesQueryErrors(t *testing.T) {
	svc := &fakeService{batches: []batchStep{
		{err: errTransient},
		{err: errTransient},
		{summary: ps.BatchStatusSummary{ps.StatusSuccess: 2}},
	}}
	p := newTestProver(t, svc, Config{})

	out, err := p.BatchProve(context.Background(), "c", [][]byte{{1}, {2}})
	require.NoError(t, err)
	require.Equal(t, Remote{ProofIDs: []ps.ProofID{"p-0", "p-1"}}, out)
}

func TestBatchProveSurvivesPermanentQueryError(t *testing.T) {
	svc := &fakeService{batches: []batchStep{
		{err: errPermanent},
		{summary: ps.BatchStatusSummary{ps.StatusSuccess: 2}},
	}}
	p := newTestProver(t, svc, Config{})

	out, err := p.BatchProve(context.Background(), "c", [][]byte{{1}, {2}})
	require.NoError(t, err)
	require.Equal(t, Remote{ProofIDs: []ps.ProofID{"p-0", "p-1"}}, out)

	_, batches, _ := svc.calls()
	require.Equal(t, 2, batches)
}

func TestBatchProveTimeoutWrapsLastQueryError(t *testing.T) {
	svc := &fakeService{batches: []batchStep{{err: errPermanent}}}
	p := newTestProver(t, svc, Config{BatchProofTimeout: 30 * time.Second})

	_, err := p.BatchProve(context.Background(), "c", [][]byte{{1}, {2}})
	require.Equal(t, xerrors.CodeTimeout, xerrors.CodeOf(err))
	require.ErrorIs(t, err, errPermanent)

	_, batches, _ := svc.calls()
	require.Equal(t, 3, batches)
}

func TestBatchProveTimesOut(t *testing.T) {
	svc := &fakeService{batches: []batchStep{{summary: ps.BatchStatusSummary{ps.StatusRunning: 2}}}}
	p := newTestProver(t, svc, Config{BatchProofTimeout: 30 * time.Second})

	_, err := p.BatchProve(context.Background(), "c", [][]byte{{1}, {2}})
	require.Equal(t, xerrors.CodeTimeout, xerrors.CodeOf(err))
	require.Equal(t, "batch-1", xerrors.MetadataOf(err)["batch_id"])

	_, batches, _ := svc.calls()
	require.Equal(t, 3, batches)
}

func TestBatchProveRejectsBadInput(t *testing.T) {
	p := newTestProver(t, &fakeService{}, Config{})

	_, err := p.BatchProve(context.Background(), "c", nil)
	require.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
	_, err = p.BatchProve(context.Background(), "", [][]byte{{1}})
	require.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestBatchProveRejectsIDCountMismatch(t *testing.T) {
	svc := &fakeService{batchIDs: []ps.ProofID{"only"}}
	p := newTestProver(t, svc, Config{})

	_, err := p.BatchProve(context.Background(), "c", [][]byte{{1}, {2}})
	require.Equal(t, xerrors.CodeSubmission, xerrors.CodeOf(err))

	_, batches, _ := svc.calls()
	require.Zero(t, batches)
}

func TestNewRejectsInvalidServiceURL(t *testing.T) {
	_, err := New(context.Background(), Config{ServiceURL: "ftp://prover"})
	require.Equal(t, xerrors.CodeConfiguration, xerrors.CodeOf(err))

	_, err = New(context.Background(), Config{})
	require.Equal(t, xerrors.CodeConfiguration, xerrors.CodeOf(err))
}

func TestNewAppliesDefaultTimeouts(t *testing.T) {
	p, err := New(context.Background(), Config{}, WithService(&fakeService{}))
	require.NoError(t, err)
	require.Equal(t, DefaultTimeout, p.Config().SingleProofTimeout)
	require.Equal(t, DefaultTimeout, p.Config().BatchProofTimeout)
}

func TestProveAgainstHTTPService(t *testing.T) {
	var (
		mu    sync.Mutex
		polls int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/proof/new":
			_ = json.NewEncoder(w).Encode(map[string]string{"proof_id": "remote-1"})
		case r.Method == http.MethodGet && r.URL.Path == "/api/proof/remote-1":
			mu.Lock()
			polls++
			n := polls
			mu.Unlock()
			if n < 2 {
				_, _ = w.Write([]byte(`{"id":"remote-1","status":"RUNNING"}`))
				return
			}
			_, _ = w.Write([]byte(`{"id":"remote-1","status":"SUCCESS","result":{"proof":"0xdead","output":"0xbeef"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	fc := clockwork.NewFakeClock()
	p, err := New(context.Background(), Config{ServiceURL: srv.URL + "/api"},
		WithClock(fc),
		WithJitter(func() time.Duration { return 0 }),
		WithLogger(discardLogger()),
		WithAuditLogger(discardLogger()),
	)
	require.NoError(t, err)
	advanceWhileWaiting(t, fc)

	out, err := p.Prove(context.Background(), "c", []byte{1})
	require.NoError(t, err)
	require.Equal(t, Local{Proof: []byte{0xde, 0xad}, Output: []byte{0xbe, 0xef}}, out)
}

func TestBatchProveRecoversFromNotFoundOverHTTP(t *testing.T) {
	var (
		mu    sync.Mutex
		polls int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/proof/batch/new":
			_ = json.NewEncoder(w).Encode(map[string]any{"batch_id": "b1", "proof_ids": []string{"x", "y"}})
		case r.Method == http.MethodGet && r.URL.Path == "/proof/batch/b1":
			mu.Lock()
			polls++
			n := polls
			mu.Unlock()
			if n == 1 {
				w.WriteHeader(http.StatusNotFound)
				_, _ = w.Write([]byte(`{"code":"NOT_FOUND","message":"unknown batch"}`))
				return
			}
			_, _ = w.Write([]byte(`{"statuses":{"SUCCESS":2}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	fc := clockwork.NewFakeClock()
	p, err := New(context.Background(), Config{ServiceURL: srv.URL},
		WithClock(fc),
		WithLogger(discardLogger()),
		WithAuditLogger(discardLogger()),
	)
	require.NoError(t, err)
	advanceWhileWaiting(t, fc)

	out, err := p.BatchProve(context.Background(), "c", [][]byte{{1}, {2}})
	require.NoError(t, err)
	require.Equal(t, Remote{ProofIDs: []ps.ProofID{"x", "y"}}, out)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, polls)
}
