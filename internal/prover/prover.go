// Package prover delegates proof generation to a remote proving service and
// waits for the outcome under a bounded deadline.
//
// A Prover submits work, polls the service every PollInterval and returns
// either the proof itself (single requests) or the ids of proofs kept by the
// service (batches). Submissions are never repeated: any retry policy lives
// in the caller.
package prover

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	xerrors "OpenProver/internal/errors"
	"OpenProver/internal/observability/alerting"
	"OpenProver/internal/proofservice"
	"OpenProver/internal/resolver"
	"OpenProver/pkg/logger"
)

const (
	// PollInterval is the wait between two status queries.
	PollInterval = 10 * time.Second
	// MaxSubmitJitter bounds the random delay before a single submission.
	MaxSubmitJitter = 5 * time.Second
	// DefaultTimeout applies when a timeout is left unset.
	DefaultTimeout = time.Hour
)

const (
	kindSingle = "single"
	kindBatch  = "batch"
)

// ProofService is the subset of the remote service the prover relies on.
// *proofservice.Client implements it.
type ProofService interface {
	Submit(ctx context.Context, req proofservice.ProofRequest) (proofservice.ProofID, error)
	Get(ctx context.Context, id proofservice.ProofID) (*proofservice.ProofRecord, error)
	SubmitBatch(ctx context.Context, reqs []proofservice.ProofRequest) (proofservice.BatchID, []proofservice.ProofID, error)
	GetBatch(ctx context.Context, id proofservice.BatchID) (proofservice.BatchStatusSummary, error)
}

// Metrics receives prover events. *metrics.Metrics implements it.
type Metrics interface {
	ObserveSubmission(kind string, err error)
	ObservePoll(kind, status string)
	ObserveOutcome(kind string, err error, elapsed time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) ObserveSubmission(string, error)             {}
func (nopMetrics) ObservePoll(string, string)                  {}
func (nopMetrics) ObserveOutcome(string, error, time.Duration) {}

// Config holds the prover parameters.
type Config struct {
	ServiceURL         string
	SingleProofTimeout time.Duration
	BatchProofTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.SingleProofTimeout <= 0 {
		c.SingleProofTimeout = DefaultTimeout
	}
	if c.BatchProofTimeout <= 0 {
		c.BatchProofTimeout = DefaultTimeout
	}
	return c
}

type settings struct {
	service      ProofService
	clock        clockwork.Clock
	logger       *slog.Logger
	audit        *slog.Logger
	metrics      Metrics
	alerter      alerting.Dispatcher
	jitter       func() time.Duration
	httpTimeout  time.Duration
	clientOpts   []proofservice.Option
	resolverOpts []resolver.Option
}

// Option customises a Prover.
type Option func(*settings)

// WithService uses svc instead of resolving Config.ServiceURL.
func WithService(svc ProofService) Option {
	return func(s *settings) { s.service = svc }
}

// WithClock replaces the wall clock driving jitter and poll waits.
func WithClock(c clockwork.Clock) Option {
	return func(s *settings) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger sets the operational logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithAuditLogger sets the logger receiving submissions and outcomes.
func WithAuditLogger(l *slog.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.audit = l
		}
	}
}

// WithMetrics installs a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(s *settings) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithAlerter escalates contract violations of the remote service.
func WithAlerter(d alerting.Dispatcher) Option {
	return func(s *settings) { s.alerter = d }
}

// WithJitter replaces the function choosing the delay before a single
// submission.
func WithJitter(fn func() time.Duration) Option {
	return func(s *settings) {
		if fn != nil {
			s.jitter = fn
		}
	}
}

// WithHTTPTimeout bounds each HTTP exchange of the built-in client.
func WithHTTPTimeout(d time.Duration) Option {
	return func(s *settings) { s.httpTimeout = d }
}

// WithClientOptions forwards options to the built-in service client.
func WithClientOptions(opts ...proofservice.Option) Option {
	return func(s *settings) { s.clientOpts = append(s.clientOpts, opts...) }
}

// WithResolverOptions forwards options to endpoint resolution.
func WithResolverOptions(opts ...resolver.Option) Option {
	return func(s *settings) { s.resolverOpts = append(s.resolverOpts, opts...) }
}

func randomJitter() time.Duration {
	return time.Duration(rand.N(int64(MaxSubmitJitter/time.Millisecond))) * time.Millisecond
}

// Prover runs proof requests against the remote service. It holds no
// mutable state and is safe for concurrent use.
type Prover struct {
	cfg     Config
	service ProofService
	clock   clockwork.Clock
	logger  *slog.Logger
	audit   *slog.Logger
	metrics Metrics
	alerter alerting.Dispatcher
	jitter  func() time.Duration
}

// New builds a prover. Unless WithService is given, the service host is
// resolved once here and every later connection goes to those addresses.
func New(ctx context.Context, cfg Config, opts ...Option) (*Prover, error) {
	s := settings{
		clock:       clockwork.NewRealClock(),
		logger:      logger.Named("prover"),
		audit:       logger.Audit(),
		metrics:     nopMetrics{},
		jitter:      randomJitter,
		httpTimeout: proofservice.DefaultHTTPTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}

	if s.service == nil {
		endpoint, err := resolver.Resolve(ctx, cfg.ServiceURL, s.resolverOpts...)
		if err != nil {
			return nil, err
		}
		clientOpts := append([]proofservice.Option{proofservice.WithLogger(s.logger)}, s.clientOpts...)
		client, err := proofservice.NewClient(endpoint.BaseURL.String(), endpoint.HTTPClient(s.httpTimeout), clientOpts...)
		if err != nil {
			return nil, err
		}
		s.logger.Info("proof service endpoint resolved",
			slog.String("host", endpoint.Host),
			slog.Any("addrs", endpoint.Addrs))
		s.service = client
	}

	return &Prover{
		cfg:     cfg.withDefaults(),
		service: s.service,
		clock:   s.clock,
		logger:  s.logger,
		audit:   s.audit,
		metrics: s.metrics,
		alerter: s.alerter,
		jitter:  s.jitter,
	}, nil
}

// Config returns the effective configuration.
func (p *Prover) Config() Config { return p.cfg }

// Prove submits one request after a random jitter and waits until the
// service reports a terminal status or SingleProofTimeout worth of polls
// have been spent.
func (p *Prover) Prove(ctx context.Context, circuitID string, input []byte) (Output, error) {
	if strings.TrimSpace(circuitID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "circuit id is required")
	}
	start := p.clock.Now()

	id, err := p.submit(ctx, circuitID, input)
	p.metrics.ObserveSubmission(kindSingle, err)
	if err != nil {
		p.finish(kindSingle, start, err, slog.String("circuit_id", circuitID))
		return nil, err
	}
	p.audit.Info("proof submitted", slog.String("circuit_id", circuitID), slog.String("proof_id", string(id)))

	out, err := p.pollSingle(ctx, id, p.cfg.SingleProofTimeout)
	p.finish(kindSingle, start, err, slog.String("circuit_id", circuitID), slog.String("proof_id", string(id)))
	return out, err
}

// BatchProve submits every input in one call and waits until the whole
// batch succeeded, any member failed, or BatchProofTimeout worth of polls
// have been spent. On success the proof ids are returned in input order.
func (p *Prover) BatchProve(ctx context.Context, circuitID string, inputs [][]byte) (Output, error) {
	if strings.TrimSpace(circuitID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "circuit id is required")
	}
	if len(inputs) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "batch has no inputs")
	}
	start := p.clock.Now()

	batchID, ids, err := p.submitBatch(ctx, circuitID, inputs)
	p.metrics.ObserveSubmission(kindBatch, err)
	if err != nil {
		p.finish(kindBatch, start, err, slog.String("circuit_id", circuitID), slog.Int("batch_size", len(inputs)))
		return nil, err
	}
	p.audit.Info("proof batch submitted",
		slog.String("circuit_id", circuitID),
		slog.String("batch_id", string(batchID)),
		slog.Int("batch_size", len(ids)))

	out, err := p.pollBatch(ctx, batchID, ids, p.cfg.BatchProofTimeout)
	p.finish(kindBatch, start, err, slog.String("circuit_id", circuitID), slog.String("batch_id", string(batchID)))
	return out, err
}

func (p *Prover) submit(ctx context.Context, circuitID string, input []byte) (proofservice.ProofID, error) {
	if err := p.sleep(ctx, p.jitter()); err != nil {
		return "", xerrors.Wrap(xerrors.CodeCanceled, err, "", xerrors.WithMetadata("circuit_id", circuitID))
	}
	id, err := p.service.Submit(ctx, proofservice.NewProofRequest(circuitID, input))
	if err != nil {
		return "", p.classify(ctx, err, xerrors.CodeSubmission, xerrors.WithMetadata("circuit_id", circuitID))
	}
	return id, nil
}

func (p *Prover) submitBatch(ctx context.Context, circuitID string, inputs [][]byte) (proofservice.BatchID, []proofservice.ProofID, error) {
	reqs := make([]proofservice.ProofRequest, len(inputs))
	for i, input := range inputs {
		reqs[i] = proofservice.NewProofRequest(circuitID, input)
	}
	batchID, ids, err := p.service.SubmitBatch(ctx, reqs)
	if err != nil {
		return "", nil, p.classify(ctx, err, xerrors.CodeSubmission, xerrors.WithMetadata("circuit_id", circuitID))
	}
	if len(ids) != len(reqs) {
		return "", nil, xerrors.New(xerrors.CodeSubmission, "service returned a proof id count different from the batch size",
			xerrors.WithMetadata("batch_id", string(batchID)),
			xerrors.WithMetadata("batch_size", strconv.Itoa(len(reqs))),
			xerrors.WithMetadata("proof_ids", strconv.Itoa(len(ids))))
	}
	return batchID, ids, nil
}

// classify makes sure err carries a code, preferring cancellation when the
// caller's context is done.
func (p *Prover) classify(ctx context.Context, err error, code xerrors.Code, opts ...xerrors.Option) error {
	if ctx.Err() != nil && xerrors.CodeOf(err) != xerrors.CodeCanceled {
		return xerrors.Wrap(xerrors.CodeCanceled, err, "", opts...)
	}
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return xerrors.Wrap(code, err, "", opts...)
}

func (p *Prover) finish(kind string, start time.Time, err error, attrs ...any) {
	elapsed := p.clock.Since(start)
	p.metrics.ObserveOutcome(kind, err, elapsed)
	attrs = append(attrs, slog.String("kind", kind), slog.Duration("elapsed", elapsed))
	if err != nil {
		attrs = append(attrs, slog.String("code", string(xerrors.CodeOf(err))), slog.String("error", err.Error()))
		p.audit.Warn("proof request failed", attrs...)
		return
	}
	p.audit.Info("proof request completed", attrs...)
}

// escalate reports a contract violation by the remote service.
func (p *Prover) escalate(ctx context.Context, err error, subject string) {
	p.logger.Error("remote service contract violated",
		slog.String("subject", subject),
		slog.String("error", err.Error()))
	if p.alerter == nil {
		return
	}
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if nerr := p.alerter.Notify(notifyCtx, alerting.EventFromError(err, subject)); nerr != nil {
		p.logger.Warn("alert delivery failed", slog.String("subject", subject), slog.String("error", nerr.Error()))
	}
}
