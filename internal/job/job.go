// Package job 将证明请求包装为可排队、可重试、可查询的异步任务。
package job

import (
	"slices"

	"github.com/ethereum/go-ethereum/common/hexutil"

	xerrors "OpenProver/internal/errors"
	"OpenProver/internal/proofservice"
)

// Kind 区分单证明任务与批量证明任务。
type Kind string

const (
	KindSingle Kind = "single"
	KindBatch  Kind = "batch"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Result 保存任务成功后的产出。单证明任务返回 Proof/Output，
// 批量任务返回远端保存的证明 ID（与输入顺序一致）。
type Result struct {
	Proof    hexutil.Bytes          `json:"proof,omitempty"`
	Output   hexutil.Bytes          `json:"output,omitempty"`
	ProofIDs []proofservice.ProofID `json:"proof_ids,omitempty"`
}

// Job 描述了排队执行的证明任务。
type Job struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	CircuitID  string          `json:"circuit_id"`
	Inputs     []hexutil.Bytes `json:"inputs"`
	Status     Status          `json:"status"`
	Attempts   int             `json:"attempts"`
	MaxRetries int             `json:"max_retries"`
	LastError  string          `json:"last_error,omitempty"`
	ErrorCode  string          `json:"error_code,omitempty"`
	Result     *Result         `json:"result,omitempty"`
	CreatedAt  int64           `json:"created_at"`
	UpdatedAt  int64           `json:"updated_at"`
}

// Request 是提交任务时的入参。ID 可选，重复提交同一 ID 将返回已有任务。
type Request struct {
	ID        string          `json:"id,omitempty"`
	Kind      Kind            `json:"kind,omitempty"`
	CircuitID string          `json:"circuit_id"`
	Inputs    []hexutil.Bytes `json:"inputs"`
}

const (
	CodeJobNotFound   xerrors.Code = "JOB_NOT_FOUND"
	CodeJobConflict   xerrors.Code = "JOB_CONFLICT"
	CodeJobCompleted  xerrors.Code = "JOB_COMPLETED"
	CodeJobExhausted  xerrors.Code = "JOB_RETRIES_EXHAUSTED"
	CodeJobValidation xerrors.Code = "JOB_VALIDATION_FAILED"
	CodeJobPublish    xerrors.Code = "JOB_PUBLISH_FAILED"
	CodeJobProcessing xerrors.Code = "JOB_PROCESSING_FAILED"
)

var (
	// ErrJobNotFound 表示指定的任务不存在。
	ErrJobNotFound = xerrors.New(CodeJobNotFound, "job not found")
	// ErrJobConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrJobConflict = xerrors.New(CodeJobConflict, "job conflict")
	// ErrJobCompleted 表示任务已经成功完成。
	ErrJobCompleted = xerrors.New(CodeJobCompleted, "job already completed")
	// ErrJobExhausted 表示任务的执行次数已经耗尽。
	ErrJobExhausted = xerrors.New(CodeJobExhausted, "job retries exhausted")
)

func init() {
	xerrors.Register(CodeJobNotFound, xerrors.Attributes{
		Message:  "job not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeJobConflict, xerrors.Attributes{
		Message:  "job conflict",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeJobCompleted, xerrors.Attributes{
		Message:  "job already completed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeJobExhausted, xerrors.Attributes{
		Message:  "job retries exhausted",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeJobValidation, xerrors.Attributes{
		Message:  "job validation failed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeJobPublish, xerrors.Attributes{
		Message:   "failed to publish job",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeJobProcessing, xerrors.Attributes{
		Message:  "job execution failed",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

// IsValidKind 检查任务类型。
func IsValidKind(kind Kind) bool {
	return kind == KindSingle || kind == KindBatch
}

// Terminal 判断任务是否已经结束。
func (j *Job) Terminal() bool {
	if j == nil {
		return false
	}
	return j.Status == StatusSucceeded || (j.Status == StatusFailed && j.Attempts >= j.MaxRetries)
}

func cloneInputs(inputs []hexutil.Bytes) []hexutil.Bytes {
	if inputs == nil {
		return nil
	}
	out := make([]hexutil.Bytes, len(inputs))
	for i, in := range inputs {
		out[i] = slices.Clone(in)
	}
	return out
}

func cloneResult(result *Result) *Result {
	if result == nil {
		return nil
	}
	return &Result{
		Proof:    slices.Clone(result.Proof),
		Output:   slices.Clone(result.Output),
		ProofIDs: slices.Clone(result.ProofIDs),
	}
}

func cloneJob(j *Job) *Job {
	clone := *j
	clone.Inputs = cloneInputs(j.Inputs)
	clone.Result = cloneResult(j.Result)
	return &clone
}
