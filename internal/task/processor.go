package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"OpenTrip-Agent/internal/agent"
	"OpenTrip-Agent/internal/chat"
	xerrors "OpenTrip-Agent/internal/errors"
	"OpenTrip-Agent/internal/observability/alerting"
	"OpenTrip-Agent/pkg/logger"
)

// Runner 定义了处理器所需的编排能力。
type Runner interface {
	Run(ctx context.Context, history []chat.Message) ([]chat.Message, error)
}

// Processor 负责从队列消费任务并交给编排器执行。
type Processor struct {
	runner      Runner
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	log         *slog.Logger
	alerter     alerting.Dispatcher
	recovery    RecoveryHandler
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(log *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.log = log
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

// WithRecoveryHandler 配置失败补偿策略。
func WithRecoveryHandler(handler RecoveryHandler) ProcessorOption {
	return func(p *Processor) {
		p.recovery = handler
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(runner Runner, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		runner:      runner,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	if p.log == nil {
		p.log = logger.Named("processor")
	}
	return p
}

// Start 启动任务处理循环。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeConfiguration, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.runner == nil {
		return xerrors.New(xerrors.CodeConfiguration, "处理器未初始化")
	}
	task, err := p.store.Claim(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskCompleted) || stdErrors.Is(err, ErrTaskExhausted) {
			p.log.Debug("跳过任务", slog.String("task_id", taskID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		return err
	}

	transcript, runErr := p.runner.Run(ctx, []chat.Message{chat.User(task.Query)})
	if runErr != nil {
		return p.handleRunFailure(ctx, task, runErr)
	}

	result := summarize(transcript)
	if err := p.store.MarkSucceeded(ctx, task.ID, result); err != nil {
		logger.L().Error("标记任务成功状态失败", slog.Any("error", err), slog.String("task_id", task.ID))
		if storeErr := p.store.MarkFailed(ctx, task.ID, CodeTaskProcessing, err.Error(), false); storeErr != nil {
			return storeErr
		}
		if pubErr := p.producer.Publish(ctx, task.ID); pubErr != nil {
			return xerrors.Wrap(CodeTaskPublish, pubErr, "任务 "+task.ID+" 重投失败")
		}
		return nil
	}
	logger.Audit().Info("任务执行成功",
		slog.String("task_id", task.ID),
		slog.String("query", task.Query),
		slog.Int("turns", result.Turns),
		slog.Int("tool_calls", result.ToolCalls),
	)
	return nil
}

// handleRunFailure 根据错误码的可重试性决定任务去向：
// 模型网关类故障重新入队，其余（参数非法、运行中止）终态失败。
func (p *Processor) handleRunFailure(ctx context.Context, task *Task, runErr error) error {
	code := xerrors.CodeOf(runErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	retryable := xerrors.RetryableError(runErr)
	terminal := task.Attempts >= task.MaxRetries || !retryable

	// 不可重试的失败先给补偿策略一次降级机会，降级结果直接写成功态。
	if !retryable && p.recovery != nil {
		if fallback, recErr := p.recovery.Recover(ctx, task, runErr); recErr != nil {
			wrapped := xerrors.Wrap(CodeTaskCompensate, recErr, "任务补偿失败")
			logger.L().Error("执行补偿逻辑失败",
				slog.Any("error", wrapped),
				slog.String("task_id", task.ID))
			p.emitAlert(ctx, task, CodeTaskCompensate, wrapped)
		} else if fallback != nil {
			if err := p.store.MarkSucceeded(ctx, task.ID, *fallback); err != nil {
				logger.L().Error("记录降级结果失败", slog.Any("error", err), slog.String("task_id", task.ID))
			} else {
				logger.Audit().Warn("任务降级完成",
					slog.String("task_id", task.ID),
					slog.String("query", task.Query),
					slog.String("reply", fallback.Reply),
				)
				return nil
			}
		}
	}

	if storeErr := p.store.MarkFailed(ctx, task.ID, code, runErr.Error(), terminal); storeErr != nil {
		logger.L().Error("标记任务失败状态出错", slog.Any("error", storeErr), slog.String("task_id", task.ID))
		return storeErr
	}
	logger.Audit().Warn("任务执行失败",
		slog.String("task_id", task.ID),
		slog.String("query", task.Query),
		slog.Bool("terminal", terminal),
		slog.String("error", runErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)

	if terminal {
		p.emitAlert(ctx, task, code, runErr)
		return nil
	}
	if pubErr := p.producer.Publish(ctx, task.ID); pubErr != nil {
		return xerrors.Wrap(CodeTaskPublish, pubErr, "任务 "+task.ID+" 重投失败")
	}
	p.log.Debug("任务已重新排队", slog.String("task_id", task.ID), slog.Int("attempts", task.Attempts))
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, task *Task, code xerrors.Code, cause error) {
	if p == nil || p.alerter == nil || task == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		TaskID:     task.ID,
		Query:      task.Query,
		Attempts:   task.Attempts,
		MaxRetries: task.MaxRetries,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("task_id", task.ID),
		)
	}
}

// summarize 把一次运行的转录压缩为任务结果。
func summarize(transcript []chat.Message) RunResult {
	result := RunResult{Reply: agent.Reply(transcript)}
	for _, msg := range transcript {
		switch msg.Role {
		case chat.RoleAssistant:
			result.Turns++
		case chat.RoleTool:
			result.ToolCalls++
		}
	}
	return result
}
