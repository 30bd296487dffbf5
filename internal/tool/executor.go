package tool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"OpenTrip-Agent/internal/chat"
	xerrors "OpenTrip-Agent/internal/errors"
	"OpenTrip-Agent/pkg/logger"
)

// Executor 负责执行助手消息携带的一批工具调用。
// 每个请求恰好产生一条结果消息，顺序与请求一致，并以调用标识
// 一一对应。任何单次调用的失败都被收敛为结果文本，不会中断
// 整批执行。
type Executor struct {
	registry    *Registry
	callTimeout time.Duration
	log         *slog.Logger
}

// ExecutorOption 定义可选的执行器配置。
type ExecutorOption func(*Executor)

// WithCallTimeout 设置单次工具调用的超时时间。
func WithCallTimeout(timeout time.Duration) ExecutorOption {
	return func(e *Executor) {
		if timeout > 0 {
			e.callTimeout = timeout
		}
	}
}

// WithExecutorLogger 指定日志输出。
func WithExecutorLogger(log *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.log = log
	}
}

// NewExecutor 构造 Executor。
func NewExecutor(registry *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{registry: registry}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.log == nil {
		e.log = logger.Named("executor")
	}
	return e
}

// Execute 执行一批工具调用并返回等长的结果消息序列。
// 一批调用之间相互独立（工具都是只读外部查询），因此并发执行，
// 结果按原始请求顺序重组后返回。
func (e *Executor) Execute(ctx context.Context, calls []chat.ToolCall) []chat.Message {
	results := make([]chat.Message, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, call chat.ToolCall) {
			defer wg.Done()
			results[idx] = e.executeOne(ctx, call)
		}(i, call)
	}
	wg.Wait()
	return results
}

// executeOne 处理单次调用：解析工具、校验参数、执行并序列化结果。
// 三类失败（未知工具、参数非法、执行失败）分别产生带错误码前缀的
// 结果文本，便于模型区分"输入有误"和"查询失败"并自行纠正。
func (e *Executor) executeOne(ctx context.Context, call chat.ToolCall) chat.Message {
	spec, ok := e.registry.Lookup(call.Name)
	if !ok {
		err := xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("Unknown tool: %s", call.Name))
		e.log.Warn("工具未注册", slog.String("tool", call.Name), slog.String("call_id", call.ID))
		return chat.ToolResult(call.ID, err.Error())
	}

	args, err := spec.Schema.Validate(call.Arguments)
	if err != nil {
		e.log.Info("工具参数校验失败",
			slog.String("tool", call.Name),
			slog.String("call_id", call.ID),
			slog.String("error", err.Error()),
		)
		return chat.ToolResult(call.ID, err.Error())
	}

	output, err := e.invoke(ctx, spec, args)
	if err != nil {
		wrapped := err
		if _, ok := xerrors.From(err); !ok {
			wrapped = xerrors.Wrap(xerrors.CodeToolExecution, err, "工具 "+call.Name+" 执行失败")
		}
		e.log.Warn("工具执行失败",
			slog.String("tool", call.Name),
			slog.String("call_id", call.ID),
			slog.String("error", wrapped.Error()),
		)
		return chat.ToolResult(call.ID, wrapped.Error())
	}

	logger.Audit().Info("工具执行成功",
		slog.String("tool", call.Name),
		slog.String("call_id", call.ID),
	)
	return chat.ToolResult(call.ID, output)
}

// invoke 调用执行函数，并把 panic 收敛为执行错误，保证整批
// 调用的部分成功语义。
func (e *Executor) invoke(ctx context.Context, spec Spec, args Args) (output string, err error) {
	if e.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.callTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.New(xerrors.CodeToolExecution, fmt.Sprintf("工具 %s panic: %v", spec.Name, r))
		}
	}()
	return spec.Run(ctx, args)
}
