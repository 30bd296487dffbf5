package agent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"OpenTrip-Agent/internal/chat"
	xerrors "OpenTrip-Agent/internal/errors"
	"OpenTrip-Agent/internal/llm"
	"OpenTrip-Agent/internal/tool"
	"OpenTrip-Agent/pkg/logger"
)

// defaultMaxTurns 限制单次运行中模型推理的最大轮数，防止模型
// 反复请求工具导致的无限循环。
const defaultMaxTurns = 8

// DefaultSystemPrompt 是注入每次运行的固定系统指令。
// 行程类型编码：1 往返、2 单程、3 多程；默认按往返处理。
const DefaultSystemPrompt = "You are a smart travel agency. Use the tools to look up information. " +
	"If you need to look up some information before asking a follow up question, you are allowed to do that. " +
	"Always resolve the trip type before searching flights: the default trip is a round trip (1), " +
	"while one way is 2 and multi-city is 3. " +
	"DO NOT mention the raw search results or data to the user - instead, analyze the data and " +
	"provide useful summaries and recommendations based on it."

// Agent 是对话编排器，交替调用模型网关与工具执行器直到产生
// 最终回答，是系统的业务核心。
//
// 状态机只有两个状态：Thinking（等待模型响应）与 Acting（等待
// 工具结果）。助手消息是否携带工具调用是唯一的转移判定；没有
// 工具调用即终止。
type Agent struct {
	llmClient    llm.Client
	registry     *tool.Registry
	executor     *tool.Executor
	systemPrompt string
	maxTurns     int
	llmTimeout   time.Duration
	toolTimeout  time.Duration
	log          *slog.Logger
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// WithSystemPrompt 覆盖默认的系统指令。
func WithSystemPrompt(prompt string) Option {
	return func(a *Agent) {
		if prompt != "" {
			a.systemPrompt = prompt
		}
	}
}

// WithMaxTurns 设置模型推理的最大轮数。
func WithMaxTurns(turns int) Option {
	return func(a *Agent) {
		if turns > 0 {
			a.maxTurns = turns
		}
	}
}

// WithLLMTimeout 设置单次模型调用的超时时间。
func WithLLMTimeout(timeout time.Duration) Option {
	return func(a *Agent) {
		if timeout > 0 {
			a.llmTimeout = timeout
		}
	}
}

// WithToolTimeout 设置单次工具调用的超时时间。
func WithToolTimeout(timeout time.Duration) Option {
	return func(a *Agent) {
		if timeout > 0 {
			a.toolTimeout = timeout
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(log *slog.Logger) Option {
	return func(a *Agent) {
		a.log = log
	}
}

// New 创建一个 Agent。
func New(llmClient llm.Client, registry *tool.Registry, opts ...Option) *Agent {
	ag := &Agent{
		llmClient:    llmClient,
		registry:     registry,
		systemPrompt: DefaultSystemPrompt,
		maxTurns:     defaultMaxTurns,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	executorOpts := []tool.ExecutorOption{}
	if ag.toolTimeout > 0 {
		executorOpts = append(executorOpts, tool.WithCallTimeout(ag.toolTimeout))
	}
	ag.executor = tool.NewExecutor(registry, executorOpts...)
	if ag.log == nil {
		ag.log = logger.Named("agent")
	}
	return ag
}

// Run 以调用方提供的历史为起点执行一次完整的对话编排，返回
// 累积后的完整历史（不含注入的系统指令）。
//
// 历史在运行内只追加不修改；系统指令仅在运行开始时注入一次，
// 不会在每轮循环中重复插入。运行中的任何挂起点（模型调用、
// 工具批次）都响应 ctx 取消。
func (a *Agent) Run(ctx context.Context, history []chat.Message) ([]chat.Message, error) {
	if a.llmClient == nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未配置大模型客户端")
	}
	if a.registry == nil || a.registry.Len() == 0 {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未注册任何工具")
	}
	if len(history) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "对话历史不能为空")
	}
	if err := chat.ValidateHistory(history); err != nil {
		return nil, err
	}

	// conversation[0] 固定为系统指令，返回时剥离。
	conversation := make([]chat.Message, 0, len(history)+4)
	conversation = append(conversation, chat.System(a.systemPrompt))
	conversation = append(conversation, history...)

	definitions := a.registry.Definitions()

	for turn := 0; ; turn++ {
		if turn >= a.maxTurns {
			err := xerrors.New(xerrors.CodeRunAborted,
				fmt.Sprintf("超过最大推理轮数 %d，运行中止", a.maxTurns))
			logger.Audit().Warn("运行中止",
				slog.Int("turns", turn),
				slog.Int("messages", len(conversation)-1),
			)
			return conversation[1:], err
		}

		assistant, err := a.think(ctx, conversation, definitions)
		if err != nil {
			return conversation[1:], err
		}
		conversation = append(conversation, *assistant)

		if !assistant.HasToolCalls() {
			logger.Audit().Info("运行完成",
				slog.Int("turns", turn+1),
				slog.Int("messages", len(conversation)-1),
			)
			return conversation[1:], nil
		}

		a.log.Debug("进入工具执行阶段",
			slog.Int("turn", turn),
			slog.Int("calls", len(assistant.ToolCalls)),
		)
		results := a.executor.Execute(ctx, assistant.ToolCalls)
		conversation = append(conversation, results...)

		if err := ctx.Err(); err != nil {
			return conversation[1:], err
		}
	}
}

// Reply 返回运行结果中最终助手消息的正文；没有助手消息时返回空串。
func Reply(transcript []chat.Message) string {
	for i := len(transcript) - 1; i >= 0; i-- {
		if transcript[i].Role == chat.RoleAssistant {
			return transcript[i].Content
		}
	}
	return ""
}

// think 执行一次模型调用并规范化失败语义。
func (a *Agent) think(ctx context.Context, conversation []chat.Message, definitions []tool.Definition) (*chat.Message, error) {
	llmCtx := ctx
	if a.llmTimeout > 0 {
		var cancel context.CancelFunc
		llmCtx, cancel = context.WithTimeout(ctx, a.llmTimeout)
		defer cancel()
	}

	assistant, err := a.llmClient.Chat(llmCtx, conversation, definitions)
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeModelUnavailable, err, "模型推理超时")
		}
		if stdErrors.Is(err, context.Canceled) {
			return nil, err
		}
		if _, ok := xerrors.From(err); ok {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeModelUnavailable, err, "模型推理失败")
	}
	if assistant == nil || assistant.Role != chat.RoleAssistant {
		return nil, xerrors.New(xerrors.CodeModelUnavailable, "模型网关返回了非助手消息")
	}
	return assistant, nil
}
