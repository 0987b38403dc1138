package prover

import "OpenProver/internal/proofservice"

// VerdictKind classifies a batch status summary.
type VerdictKind int

const (
	// InProgress means some members are still pending or running.
	InProgress VerdictKind = iota
	// Failed means at least one member ended in a non-success state.
	Failed
	// AllSucceeded means every member of the batch succeeded.
	AllSucceeded
	// InvariantViolation means only successes were reported but their count
	// does not match the batch size.
	InvariantViolation
)

func (k VerdictKind) String() string {
	switch k {
	case InProgress:
		return "in_progress"
	case Failed:
		return "failed"
	case AllSucceeded:
		return "all_succeeded"
	case InvariantViolation:
		return "invariant_violation"
	default:
		return "unknown"
	}
}

// Verdict is the reduction of a batch status summary.
type Verdict struct {
	Kind      VerdictKind
	Failed    int
	Succeeded int
}

// Aggregate reduces summary into a verdict for a batch of batchSize members.
// Entries with a zero count are ignored. Any failure dominates.
func Aggregate(summary proofservice.BatchStatusSummary, batchSize int) Verdict {
	var v Verdict
	onlySuccess := true
	seen := false
	for status, count := range summary {
		if count <= 0 {
			continue
		}
		seen = true
		switch {
		case status == proofservice.StatusSuccess:
			v.Succeeded += count
		case status.Failed():
			v.Failed += count
			onlySuccess = false
		default:
			onlySuccess = false
		}
	}

	switch {
	case v.Failed > 0:
		v.Kind = Failed
	case seen && onlySuccess && v.Succeeded == batchSize:
		v.Kind = AllSucceeded
	case seen && onlySuccess:
		v.Kind = InvariantViolation
	default:
		v.Kind = InProgress
	}
	return v
}
