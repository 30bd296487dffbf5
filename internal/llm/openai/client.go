package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"OpenTrip-Agent/internal/chat"
	xerrors "OpenTrip-Agent/internal/errors"
	"OpenTrip-Agent/internal/tool"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o"
	defaultTimeout   = 60 * time.Second
)

// Config 描述了调用 OpenAI Chat Completions API 所需的信息。
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// Client 通过 HTTP 调用 OpenAI 提供的大模型能力，并把下发的工具
// 描述转换为 function calling 形式。
type Client struct {
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	httpClient  *http.Client
}

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	temperature := cfg.Temperature
	if temperature <= 0 {
		temperature = 0.2
	}

	return &Client{
		apiKey:      apiKey,
		baseURL:     baseURL,
		model:       model,
		temperature: temperature,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

// Chat 调用 OpenAI 生成下一条助手消息。
func (c *Client) Chat(ctx context.Context, messages []chat.Message, tools []tool.Definition) (*chat.Message, error) {
	payload, err := c.buildPayload(messages, tools)
	if err != nil {
		return nil, err
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeModelUnavailable, err, "构建 OpenAI 请求失败")
	}

	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeModelUnavailable, err, "请求 OpenAI 失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, xerrors.New(xerrors.CodeModelUnavailable,
			fmt.Sprintf("OpenAI 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var decoded struct {
		Choices []struct {
			Message wireMessage `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeModelUnavailable, err, "解析 OpenAI 响应失败")
	}
	if len(decoded.Choices) == 0 {
		return nil, xerrors.New(xerrors.CodeModelUnavailable, "OpenAI 响应中没有有效的 choices")
	}

	return decodeAssistant(decoded.Choices[0].Message)
}

func (c *Client) buildPayload(messages []chat.Message, tools []tool.Definition) ([]byte, error) {
	wires := make([]wireMessage, 0, len(messages))
	for _, msg := range messages {
		wire := wireMessage{
			Role:       string(msg.Role),
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, call := range msg.ToolCalls {
			encodedArgs, err := json.Marshal(call.Arguments)
			if err != nil {
				return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化工具调用参数失败")
			}
			wire.ToolCalls = append(wire.ToolCalls, wireToolCall{
				ID:   call.ID,
				Type: "function",
				Function: wireFunction{
					Name:      call.Name,
					Arguments: string(encodedArgs),
				},
			})
		}
		wires = append(wires, wire)
	}

	body := map[string]any{
		"model":       c.model,
		"messages":    wires,
		"temperature": c.temperature,
	}
	if len(tools) > 0 {
		wireTools := make([]wireTool, 0, len(tools))
		for _, def := range tools {
			var wt wireTool
			wt.Type = "function"
			wt.Function.Name = def.Name
			wt.Function.Description = def.Description
			wt.Function.Parameters = def.Parameters
			wireTools = append(wireTools, wt)
		}
		body["tools"] = wireTools
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeModelUnavailable, err, "序列化 OpenAI 请求失败")
	}
	return encoded, nil
}

// decodeAssistant 把响应消息转换为对话模型中的助手消息。
// 工具调用参数在线上是 JSON 字符串，这里解码为无类型映射，
// 留给工具执行器按模式校验。
func decodeAssistant(wire wireMessage) (*chat.Message, error) {
	msg := chat.Assistant(strings.TrimSpace(wire.Content))
	for _, call := range wire.ToolCalls {
		arguments := map[string]any{}
		raw := strings.TrimSpace(call.Function.Arguments)
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &arguments); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeModelUnavailable, err,
					"工具调用 "+call.Function.Name+" 的参数不是合法 JSON")
			}
		}
		id := call.ID
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		msg.ToolCalls = append(msg.ToolCalls, chat.ToolCall{
			ID:        id,
			Name:      call.Function.Name,
			Arguments: arguments,
		})
	}
	if msg.Content == "" && len(msg.ToolCalls) == 0 {
		return nil, xerrors.New(xerrors.CodeModelUnavailable, "OpenAI 响应内容为空")
	}
	return &msg, nil
}
