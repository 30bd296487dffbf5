package serpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	xerrors "OpenTrip-Agent/internal/errors"
)

const (
	defaultBaseURL = "https://serpapi.com"
	defaultTimeout = 30 * time.Second
)

// Config 描述了调用 SerpAPI 搜索服务所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// Client 通过 HTTPS 调用 SerpAPI 的各类搜索引擎。
// 上游返回的数据结构由搜索服务自身拥有，这里只负责传输与
// 错误规范化。
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewClient 根据配置创建 SerpAPI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未提供 SerpAPI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Search 以指定引擎执行一次检索，返回解码后的完整响应。
// 超时、网络故障、非 2xx 状态与上游报告的检索错误统一转换为
// TOOL_EXECUTION 错误。
func (c *Client) Search(ctx context.Context, engine string, params map[string]string) (map[string]any, error) {
	if strings.TrimSpace(engine) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "engine 不能为空")
	}

	query := url.Values{}
	query.Set("engine", engine)
	query.Set("api_key", c.apiKey)
	for key, value := range params {
		if value != "" {
			query.Set(key, value)
		}
	}

	endpoint := c.baseURL + "/search?" + query.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeToolExecution, err, "构建 SerpAPI 请求失败")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeToolExecution, err, "请求 SerpAPI 失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, xerrors.New(xerrors.CodeToolExecution,
			fmt.Sprintf("SerpAPI 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeToolExecution, err, "解析 SerpAPI 响应失败")
	}

	// 上游以 200 状态返回的检索失败通过 error 字段报告。
	if msg, ok := decoded["error"].(string); ok && msg != "" {
		return nil, xerrors.New(xerrors.CodeToolExecution, "SerpAPI 检索失败: "+msg)
	}
	return decoded, nil
}
