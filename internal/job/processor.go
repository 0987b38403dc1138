package job

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	xerrors "OpenProver/internal/errors"
	"OpenProver/internal/observability/alerting"
	"OpenProver/internal/prover"
	"OpenProver/pkg/logger"
)

// Executor 定义了处理器所需的证明能力，*prover.Prover 实现了该接口。
type Executor interface {
	Prove(ctx context.Context, circuitID string, input []byte) (prover.Output, error)
	BatchProve(ctx context.Context, circuitID string, inputs [][]byte) (prover.Output, error)
}

// Metrics 记录任务状态变化。
type Metrics interface {
	ObserveJob(kind, status string)
}

// Processor 负责从队列消费任务并交给远程证明器执行。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	metrics     Metrics
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithProcessorMetrics 配置任务指标。
func WithProcessorMetrics(m Metrics) ProcessorOption {
	return func(p *Processor) {
		p.metrics = m
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		logger:      logger.Named("job"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动任务处理循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitialization, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, jobID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitialization, "处理器未初始化")
	}
	j, err := p.store.Claim(ctx, jobID)
	if err != nil {
		if stdErrors.Is(err, ErrJobNotFound) || stdErrors.Is(err, ErrJobCompleted) ||
			stdErrors.Is(err, ErrJobExhausted) || stdErrors.Is(err, ErrJobConflict) {
			p.logger.Debug("跳过任务", slog.String("job_id", jobID), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取任务失败", slog.Any("error", err), slog.String("job_id", jobID))
		p.emitAlert(ctx, &Job{ID: jobID}, err, "claim")
		return err
	}

	out, execErr := p.execute(ctx, j)
	if execErr != nil {
		return p.handleExecutionFailure(ctx, j, execErr)
	}

	result := resultOf(out)
	if err := p.store.MarkSucceeded(ctx, j.ID, result); err != nil {
		p.logger.Error("标记任务成功状态失败", slog.Any("error", err), slog.String("job_id", j.ID))
		return err
	}
	p.observe(j, StatusSucceeded)
	logger.Audit().Info("任务执行成功",
		slog.String("job_id", j.ID),
		slog.String("kind", string(j.Kind)),
		slog.String("circuit_id", j.CircuitID),
		slog.Int("attempts", j.Attempts),
		slog.Int("proof_ids", len(result.ProofIDs)),
	)
	return nil
}

func (p *Processor) execute(ctx context.Context, j *Job) (prover.Output, error) {
	switch j.Kind {
	case KindSingle:
		if len(j.Inputs) != 1 {
			return nil, xerrors.New(CodeJobValidation, "单证明任务只能包含一个输入",
				xerrors.WithMetadata("inputs", strconv.Itoa(len(j.Inputs))))
		}
		return p.executor.Prove(ctx, j.CircuitID, j.Inputs[0])
	case KindBatch:
		return p.executor.BatchProve(ctx, j.CircuitID, rawInputs(j.Inputs))
	default:
		return nil, xerrors.New(CodeJobValidation, "未知的任务类型", xerrors.WithMetadata("kind", string(j.Kind)))
	}
}

// handleExecutionFailure 记录失败。只有可重试错误（超时、临时查询失败）且未达上限时才重新入队，
// 远端明确失败的任务不会再次提交。
func (p *Processor) handleExecutionFailure(ctx context.Context, j *Job, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeJobProcessing
	}
	retryable := xerrors.RetryableError(execErr) && ctx.Err() == nil
	terminal := !retryable || j.Attempts >= j.MaxRetries

	// 进程退出时 ctx 已取消，仍需把状态写回存储。
	storeCtx := context.WithoutCancel(ctx)
	if storeErr := p.store.MarkFailed(storeCtx, j.ID, code, execErr.Error(), terminal); storeErr != nil {
		p.logger.Error("标记任务失败状态出错", slog.Any("error", storeErr), slog.String("job_id", j.ID))
		return storeErr
	}
	logger.Audit().Warn("任务执行失败",
		slog.String("job_id", j.ID),
		slog.String("kind", string(j.Kind)),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", j.Attempts),
		slog.Int("max_retries", j.MaxRetries),
	)

	if !terminal {
		p.observe(j, "requeued")
		if pubErr := p.producer.Publish(ctx, j.ID); pubErr != nil {
			return xerrors.Wrap(CodeJobPublish, pubErr, fmt.Sprintf("任务 %s 重投失败", j.ID))
		}
		p.logger.Debug("任务已重新排队", slog.String("job_id", j.ID), slog.Int("attempts", j.Attempts))
		return nil
	}

	p.observe(j, StatusFailed)
	stage := "terminal"
	if !retryable {
		stage = "non_retryable"
	}
	if xerrors.ShouldAlert(execErr) || code == CodeJobProcessing {
		p.emitAlert(storeCtx, j, execErr, stage)
	}
	return nil
}

func (p *Processor) observe(j *Job, status Status) {
	if p.metrics != nil {
		p.metrics.ObserveJob(string(j.Kind), string(status))
	}
}

func (p *Processor) emitAlert(ctx context.Context, j *Job, cause error, stage string) {
	if p.alerter == nil || j == nil {
		return
	}
	event := alerting.EventFromError(cause, j.ID)
	event.Attempts = j.Attempts
	event.MaxRetries = j.MaxRetries
	if event.Metadata == nil {
		event.Metadata = make(map[string]string)
	}
	event.Metadata["stage"] = stage
	event.Metadata["circuit_id"] = j.CircuitID
	event.OccurredAt = time.Now().UTC()
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("job_id", j.ID),
			slog.String("stage", stage),
		)
	}
}

func resultOf(out prover.Output) Result {
	switch o := out.(type) {
	case prover.Local:
		return Result{Proof: o.Proof, Output: o.Output}
	case prover.Remote:
		return Result{ProofIDs: o.ProofIDs}
	default:
		return Result{}
	}
}

func rawInputs(inputs []hexutil.Bytes) [][]byte {
	out := make([][]byte, len(inputs))
	for i, in := range inputs {
		out[i] = in
	}
	return out
}
