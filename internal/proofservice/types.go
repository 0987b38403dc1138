package proofservice

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ProofID identifies a single submitted proof request.
type ProofID string

// BatchID identifies a group of proof requests submitted together.
type BatchID string

// Status is the lifecycle state the service reports for a proof request.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSuccess   Status = "SUCCESS"
	StatusFailure   Status = "FAILURE"
	StatusCancelled Status = "CANCELLED"
)

// ParseStatus normalises a status string. Unknown values are kept verbatim
// (upper-cased) and count as terminal failures.
func ParseStatus(raw string) Status {
	return Status(strings.ToUpper(strings.TrimSpace(raw)))
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	*s = ParseStatus(string(text))
	return nil
}

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s != StatusPending && s != StatusRunning
}

// Failed reports whether s is terminal and not a success.
func (s Status) Failed() bool {
	return s.Terminal() && s != StatusSuccess
}

// ProofRequest names a circuit and the public input to prove it against.
type ProofRequest struct {
	CircuitID string        `json:"circuit_id"`
	Input     hexutil.Bytes `json:"input"`
}

// NewProofRequest copies input so later mutation by the caller has no effect.
func NewProofRequest(circuitID string, input []byte) ProofRequest {
	return ProofRequest{CircuitID: circuitID, Input: bytes.Clone(input)}
}

// ProofResult is the payload of a successful proof request.
type ProofResult struct {
	Proof  hexutil.Bytes `json:"proof"`
	Output hexutil.Bytes `json:"output"`
}

// ProofRecord is the service view of one proof request. Result is set iff
// Status is StatusSuccess.
type ProofRecord struct {
	ID     ProofID      `json:"id"`
	Status Status       `json:"status"`
	Result *ProofResult `json:"result,omitempty"`
}

// BatchStatusSummary counts batch members per status.
type BatchStatusSummary map[Status]int

// UnmarshalJSON normalises status keys. Two keys that normalise to the same
// status, such as "success" and "SUCCESS", make the summary ambiguous and are
// rejected.
func (s *BatchStatusSummary) UnmarshalJSON(data []byte) error {
	var raw map[string]int
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		*s = nil
		return nil
	}
	out := make(BatchStatusSummary, len(raw))
	origin := make(map[Status]string, len(raw))
	for key, count := range raw {
		status := ParseStatus(key)
		if prev, dup := origin[status]; dup {
			return fmt.Errorf("status keys %q and %q both map to %s", prev, key, status)
		}
		origin[status] = key
		out[status] = count
	}
	*s = out
	return nil
}

// Total returns the number of items covered by the summary.
func (s BatchStatusSummary) Total() int {
	total := 0
	for _, n := range s {
		total += n
	}
	return total
}

type submitResponse struct {
	ProofID ProofID `json:"proof_id"`
}

type submitBatchRequest struct {
	Requests []ProofRequest `json:"requests"`
}

type submitBatchResponse struct {
	BatchID  BatchID   `json:"batch_id"`
	ProofIDs []ProofID `json:"proof_ids"`
}

type batchStatusResponse struct {
	Statuses BatchStatusSummary `json:"statuses"`
}
