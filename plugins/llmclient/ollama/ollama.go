package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
	"github.com/ollama/ollama/envconfig"

	"quizgen/pkg/contract"
)

// Options: 本地 Ollama 服务配置。
type Options struct {
	// Host: 服务地址；为空时取 OLLAMA_HOST（默认 http://127.0.0.1:11434）。
	Host  string `json:"host"`
	Model string `json:"model"` // 默认 qwen2.5:7b
	// TimeoutSeconds: HTTP 客户端超时（秒），默认 120。
	TimeoutSeconds int      `json:"timeout_seconds"`
	Temperature    *float64 `json:"temperature,omitempty"`
	// NumPredict: 最大生成 token 数；<=0 不设置。
	NumPredict int `json:"num_predict"`
	// JSONMode: 无 schema 时也要求 format=json。
	JSONMode bool `json:"json_mode"`
}

func (o *Options) defaults() {
	if o.Model == "" {
		o.Model = "qwen2.5:7b"
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 120
	}
}

// chatter: api.Client 的最小子集（测试缝）。
type chatter interface {
	Chat(ctx context.Context, req *api.ChatRequest, fn api.ChatResponseFunc) error
}

type Client struct {
	api      chatter
	model    string
	options  map[string]any
	jsonMode bool
	host     string
}

// New 从原样 JSON 选项构造客户端。
func New(raw json.RawMessage) (contract.LLMClient, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("ollama options: %w", err)
		}
	}
	opts.defaults()
	base := envconfig.Host()
	if strings.TrimSpace(opts.Host) != "" {
		u, err := url.Parse(strings.TrimSpace(opts.Host))
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("ollama: %w: bad host %q", contract.ErrInvalidInput, opts.Host)
		}
		base = u
	}
	hc := &http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second}
	o := map[string]any{}
	if opts.Temperature != nil {
		o["temperature"] = *opts.Temperature
	}
	if opts.NumPredict > 0 {
		o["num_predict"] = opts.NumPredict
	}
	return &Client{
		api:      api.NewClient(base, hc),
		model:    opts.Model,
		options:  o,
		jsonMode: opts.JSONMode,
		host:     base.String(),
	}, nil
}

func (c *Client) request(p contract.Prompt) (*api.ChatRequest, error) {
	stream := false
	req := &api.ChatRequest{Model: c.model, Stream: &stream}
	if len(c.options) > 0 {
		req.Options = c.options
	}
	switch v := p.(type) {
	case contract.TextPrompt:
		req.Messages = []api.Message{{Role: "user", Content: string(v)}}
	case contract.ChatPrompt:
		for _, m := range v {
			role := strings.ToLower(strings.TrimSpace(m.Role))
			if role == contract.RoleJSONSchema {
				var raw json.RawMessage
				if json.Unmarshal([]byte(m.Content), &raw) == nil && len(raw) > 0 {
					req.Format = raw
				}
				continue
			}
			req.Messages = append(req.Messages, api.Message{Role: role, Content: m.Content})
		}
	default:
		return nil, contract.ErrInvalidInput
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("ollama: %w: empty prompt", contract.ErrInvalidInput)
	}
	if req.Format == nil && c.jsonMode {
		req.Format = json.RawMessage(`"json"`)
	}
	return req, nil
}

// Invoke: 非流式 Chat 调用；回调可能多次触发，按序拼接内容。
func (c *Client) Invoke(ctx context.Context, j contract.Job, p contract.Prompt) (contract.Raw, error) {
	req, err := c.request(p)
	if err != nil {
		return contract.Raw{}, err
	}
	var sb strings.Builder
	err = c.api.Chat(ctx, req, func(resp api.ChatResponse) error {
		sb.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return contract.Raw{}, ctx.Err()
		}
		var se api.StatusError
		if errors.As(err, &se) {
			switch {
			case se.StatusCode == http.StatusTooManyRequests:
				return contract.Raw{}, contract.ErrRateLimited
			case se.StatusCode == http.StatusRequestTimeout || se.StatusCode/100 == 5:
				return contract.Raw{}, upstreamError{status: se.StatusCode, msg: se.ErrorMessage}
			case se.StatusCode/100 == 4:
				return contract.Raw{}, fmt.Errorf("ollama %d: %s: %w", se.StatusCode, se.ErrorMessage, contract.ErrInvalidInput)
			}
		}
		return contract.Raw{}, fmt.Errorf("ollama chat %s: %w", c.host, err)
	}
	if strings.TrimSpace(sb.String()) == "" {
		return contract.Raw{}, contract.ErrResponseInvalid
	}
	return contract.Raw{Text: sb.String()}, nil
}

// upstreamError 实现 net.Error：5xx/408 归为网络类。
type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string           { return fmt.Sprintf("ollama upstream %d: %s", e.status, e.msg) }
func (e upstreamError) Timeout() bool           { return e.status == http.StatusRequestTimeout }
func (e upstreamError) Temporary() bool         { return e.status/100 == 5 }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

var _ contract.LLMClient = (*Client)(nil)
