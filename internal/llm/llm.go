package llm

import (
	"context"

	"OpenTrip-Agent/internal/chat"
	"OpenTrip-Agent/internal/tool"
)

// Client 定义了调用大模型的统一接口。
// 实现必须返回一条格式完好的助手消息：正文、工具调用请求，或两者
// 兼有。调用失败（网络、限流、响应畸形）以 MODEL_UNAVAILABLE 错误
// 返回，由编排器决定后续策略，网关自身不做重试。
type Client interface {
	Chat(ctx context.Context, messages []chat.Message, tools []tool.Definition) (*chat.Message, error)
}
