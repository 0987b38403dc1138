package prover

import (
	"context"
	"log/slog"
	"slices"
	"strconv"
	"time"

	xerrors "OpenProver/internal/errors"
	"OpenProver/internal/proofservice"
)

// pollBudget is the number of status queries allowed within timeout.
func pollBudget(timeout time.Duration) int {
	if timeout < PollInterval {
		return 0
	}
	return int(timeout / PollInterval)
}

func (p *Prover) pollSingle(ctx context.Context, id proofservice.ProofID, timeout time.Duration) (Output, error) {
	maxPolls := pollBudget(timeout)
	idMeta := xerrors.WithMetadata("proof_id", string(id))

	var (
		lastStatus proofservice.Status
		lastErr    error
	)
	for poll := 1; poll <= maxPolls; poll++ {
		if err := p.sleep(ctx, PollInterval); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeCanceled, err, "", idMeta)
		}

		record, err := p.service.Get(ctx, id)
		if err != nil {
			if qerr := p.queryFailure(ctx, kindSingle, err, poll, maxPolls, idMeta); qerr != nil {
				return nil, qerr
			}
			lastErr = err
			continue
		}
		lastErr = nil
		lastStatus = record.Status
		p.metrics.ObservePoll(kindSingle, string(record.Status))
		p.logger.Debug("proof status",
			slog.String("proof_id", string(id)),
			slog.String("status", string(record.Status)),
			slog.Int("poll", poll),
			slog.Int("max_polls", maxPolls))

		switch {
		case !record.Status.Terminal():
			continue
		case record.Status == proofservice.StatusSuccess:
			if record.Result == nil {
				err := xerrors.New(xerrors.CodeInvariantViolation, "service reported success without a result", idMeta)
				p.escalate(ctx, err, string(id))
				return nil, err
			}
			return Local{
				Proof:  slices.Clone([]byte(record.Result.Proof)),
				Output: slices.Clone([]byte(record.Result.Output)),
			}, nil
		default:
			return nil, xerrors.New(xerrors.CodeRemoteFailure, "proof generation failed", idMeta,
				xerrors.WithMetadata("status", string(record.Status)))
		}
	}

	return nil, xerrors.Wrap(xerrors.CodeTimeout, lastErr, "proof not ready before deadline", idMeta,
		xerrors.WithMetadata("last_status", string(lastStatus)),
		xerrors.WithMetadata("polls", strconv.Itoa(maxPolls)),
		xerrors.WithMetadata("timeout", timeout.String()))
}

func (p *Prover) pollBatch(ctx context.Context, batchID proofservice.BatchID, ids []proofservice.ProofID, timeout time.Duration) (Output, error) {
	maxPolls := pollBudget(timeout)
	idMeta := xerrors.WithMetadata("batch_id", string(batchID))

	var lastErr error
	for poll := 1; poll <= maxPolls; poll++ {
		if err := p.sleep(ctx, PollInterval); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeCanceled, err, "", idMeta)
		}

		summary, err := p.service.GetBatch(ctx, batchID)
		if err != nil {
			if qerr := p.queryFailure(ctx, kindBatch, err, poll, maxPolls, idMeta); qerr != nil {
				return nil, qerr
			}
			lastErr = err
			continue
		}
		lastErr = nil

		verdict := Aggregate(summary, len(ids))
		p.metrics.ObservePoll(kindBatch, verdict.Kind.String())
		p.logger.Debug("batch status",
			slog.String("batch_id", string(batchID)),
			slog.Any("statuses", summary),
			slog.Int("poll", poll),
			slog.Int("max_polls", maxPolls))

		switch verdict.Kind {
		case Failed:
			return nil, xerrors.New(xerrors.CodeRemoteFailure, "batch proof generation failed", idMeta,
				xerrors.WithMetadata("failed", strconv.Itoa(verdict.Failed)),
				xerrors.WithMetadata("succeeded", strconv.Itoa(verdict.Succeeded)))
		case AllSucceeded:
			return Remote{ProofIDs: slices.Clone(ids)}, nil
		case InvariantViolation:
			err := xerrors.New(xerrors.CodeInvariantViolation, "batch success count differs from batch size", idMeta,
				xerrors.WithMetadata("succeeded", strconv.Itoa(verdict.Succeeded)),
				xerrors.WithMetadata("batch_size", strconv.Itoa(len(ids))))
			p.escalate(ctx, err, string(batchID))
			return nil, err
		}
	}

	return nil, xerrors.Wrap(xerrors.CodeTimeout, lastErr, "batch not ready before deadline", idMeta,
		xerrors.WithMetadata("polls", strconv.Itoa(maxPolls)),
		xerrors.WithMetadata("timeout", timeout.String()))
}

// queryFailure logs a failed status query. Every query error is a no-op tick
// retried on the next poll; only a done ctx ends the call.
func (p *Prover) queryFailure(ctx context.Context, kind string, err error, poll, maxPolls int, opts ...xerrors.Option) error {
	if ctx.Err() != nil {
		return p.classify(ctx, err, xerrors.CodeCanceled, opts...)
	}
	p.metrics.ObservePoll(kind, "error")
	p.logger.Warn("status query failed, retrying on next poll",
		slog.String("kind", kind),
		slog.Int("poll", poll),
		slog.Int("max_polls", maxPolls),
		slog.Bool("transient", transient(err)),
		slog.String("error", err.Error()))
	return nil
}

// transient reports whether a failed query is expected to clear by itself.
// Errors without a code come from the transport and count as transient.
func transient(err error) bool {
	if _, ok := xerrors.From(err); ok {
		return xerrors.RetryableError(err)
	}
	return true
}

// sleep waits d on the prover clock or until ctx is done.
func (p *Prover) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	timer := p.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}
