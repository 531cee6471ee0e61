package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"quizgen/pkg/contract"
)

// Options: OpenAI 兼容 chat/completions 客户端配置。
type Options struct {
	// Preset: 预置服务商，"deepseek" 填充 base_url/model/api_key_env/temperature 的默认值。
	Preset         string   `json:"preset"`
	BaseURL        string   `json:"base_url"`        // 例如 https://api.deepseek.com/v1
	Model          string   `json:"model"`           // 为空则使用默认
	APIKeyEnv      string   `json:"api_key_env"`     // 优先从环境变量读取
	APIKey         string   `json:"api_key"`         // 明文传入（仅测试）
	TimeoutSeconds int      `json:"timeout_seconds"` // client 级超时（秒），默认 120
	Temperature    *float64 `json:"temperature,omitempty"`
	// 第三方兼容（最小）：
	EndpointPath       string            `json:"endpoint_path"`        // 覆盖默认 /chat/completions；可为完整 URL
	DisableDefaultAuth bool              `json:"disable_default_auth"` // 关闭 Authorization: Bearer 注入
	ExtraHeaders       map[string]string `json:"extra_headers"`
	// DisableJSONSchema: 忽略 Prompt 携带的 schema，不发送 response_format（DeepSeek 等不支持 json_schema 的服务）。
	DisableJSONSchema bool `json:"disable_json_schema"`
}

// DeepSeek 预置。
const (
	DeepSeekBaseURL   = "https://api.deepseek.com/v1"
	DeepSeekModel     = "deepseek-chat"
	DeepSeekAPIKeyEnv = "DEEPSEEK_API_KEY"
)

func (o *Options) defaults() {
	if strings.EqualFold(strings.TrimSpace(o.Preset), "deepseek") {
		if o.BaseURL == "" {
			o.BaseURL = DeepSeekBaseURL
		}
		if o.Model == "" {
			o.Model = DeepSeekModel
		}
		if o.APIKeyEnv == "" && o.APIKey == "" {
			o.APIKeyEnv = DeepSeekAPIKeyEnv
		}
		if o.Temperature == nil {
			t := 0.4
			o.Temperature = &t
		}
		o.DisableJSONSchema = true
	}
	if o.BaseURL == "" {
		o.BaseURL = "https://api.openai.com/v1"
	}
	if o.Model == "" {
		o.Model = "gpt-4.1-mini"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "OPENAI_API_KEY"
	}
	if o.EndpointPath == "" {
		o.EndpointPath = "/chat/completions"
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 120
	}
}

type Client struct {
	hc          *http.Client
	url         string
	apiKey      string
	temp        *float64
	model       string
	extraH      map[string]string
	disableAuth bool
	noSchema    bool
	do          func(*http.Request) (*http.Response, error)
}

// New 从原样 JSON 选项构造客户端；API Key 在此一次性解析。
func New(raw json.RawMessage) (contract.LLMClient, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("openai options: %w", err)
		}
	}
	opts.defaults()
	key := opts.APIKey
	if key == "" && opts.APIKeyEnv != "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" {
		return nil, fmt.Errorf("openai: %w: missing api key (%s)", contract.ErrInvalidInput, opts.APIKeyEnv)
	}
	hc := &http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second}
	fullURL := opts.EndpointPath
	if !(strings.HasPrefix(fullURL, "http://") || strings.HasPrefix(fullURL, "https://")) {
		fullURL = strings.TrimRight(opts.BaseURL, "/") + "/" + strings.TrimLeft(opts.EndpointPath, "/")
	}
	return &Client{
		hc:          hc,
		url:         fullURL,
		apiKey:      key,
		temp:        opts.Temperature,
		model:       opts.Model,
		extraH:      opts.ExtraHeaders,
		disableAuth: opts.DisableDefaultAuth,
		noSchema:    opts.DisableJSONSchema,
		do:          hc.Do,
	}, nil
}

type oaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaReq struct {
	Model          string            `json:"model"`
	Messages       []oaMessage       `json:"messages"`
	Temperature    *float64          `json:"temperature,omitempty"`
	ResponseFormat *oaResponseFormat `json:"response_format,omitempty"`
}

type oaResp struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type oaResponseFormat struct {
	Type       string        `json:"type"`
	JSONSchema *oaJSONSchema `json:"json_schema,omitempty"`
}

type oaJSONSchema struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
	Strict bool            `json:"strict,omitempty"`
}

// upstreamError 实现 net.Error：5xx/408 归为网络类，便于分类与重试判定。
type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string           { return fmt.Sprintf("openai upstream %d: %s", e.status, e.msg) }
func (e upstreamError) Timeout() bool           { return e.status == http.StatusRequestTimeout }
func (e upstreamError) Temporary() bool         { return e.status/100 == 5 }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

// extractJSONSchema: 取出 role=json_schema 的消息内容作为 schema，并从对话中移除。
// 内容不是合法 JSON 时视为无 schema。
func extractJSONSchema(p contract.Prompt) (contract.Prompt, json.RawMessage) {
	cp, ok := p.(contract.ChatPrompt)
	if !ok {
		return p, nil
	}
	out := make(contract.ChatPrompt, 0, len(cp))
	var schema json.RawMessage
	for _, m := range cp {
		if strings.EqualFold(strings.TrimSpace(m.Role), contract.RoleJSONSchema) {
			var raw json.RawMessage
			if json.Unmarshal([]byte(m.Content), &raw) == nil && len(raw) > 0 {
				schema = raw
			}
			continue
		}
		out = append(out, m)
	}
	return out, schema
}

// schemaWrapField: 非对象根 schema 的包装字段；strict json_schema 要求根为 object。
const schemaWrapField = "questions"

// objectRoot 在 schema 根不是 object 时将其包装为 {"questions": <schema>}，返回是否发生包装。
func objectRoot(schema json.RawMessage) (json.RawMessage, bool) {
	var head struct {
		Type string `json:"type"`
	}
	if json.Unmarshal(schema, &head) == nil && head.Type == "object" {
		return schema, false
	}
	wrapped, err := json.Marshal(map[string]any{
		"type":                 "object",
		"properties":           map[string]json.RawMessage{schemaWrapField: schema},
		"required":             []string{schemaWrapField},
		"additionalProperties": false,
	})
	if err != nil {
		return schema, false
	}
	return wrapped, true
}

// unwrapContent 取出包装字段的内容；回复不是预期对象时原样返回，交由解码器判定。
func unwrapContent(text string) string {
	var obj map[string]json.RawMessage
	if json.Unmarshal([]byte(text), &obj) != nil {
		return text
	}
	if inner, ok := obj[schemaWrapField]; ok && len(inner) > 0 {
		return string(inner)
	}
	return text
}

func (c *Client) encodePrompt(p contract.Prompt, rf *oaResponseFormat) ([]byte, error) {
	req := oaReq{Model: c.model, Temperature: c.temp, ResponseFormat: rf}
	switch v := p.(type) {
	case contract.TextPrompt:
		req.Messages = []oaMessage{{Role: "user", Content: string(v)}}
	case contract.ChatPrompt:
		req.Messages = make([]oaMessage, 0, len(v))
		for _, m := range v {
			req.Messages = append(req.Messages, oaMessage{Role: m.Role, Content: m.Content})
		}
	default:
		return nil, contract.ErrInvalidInput
	}
	return json.Marshal(&req)
}

// Invoke: 单次同步调用，返回首个 choice 的文本。
func (c *Client) Invoke(ctx context.Context, j contract.Job, p contract.Prompt) (contract.Raw, error) {
	pp, schema := extractJSONSchema(p)
	var rf *oaResponseFormat
	wrapped := false
	if len(schema) > 0 && !c.noSchema {
		schema, wrapped = objectRoot(schema)
		rf = &oaResponseFormat{Type: "json_schema", JSONSchema: &oaJSONSchema{Name: "questions", Schema: schema, Strict: true}}
	}
	body, err := c.encodePrompt(pp, rf)
	if err != nil {
		if errors.Is(err, contract.ErrInvalidInput) {
			return contract.Raw{}, err
		}
		return contract.Raw{}, fmt.Errorf("encode: %v: %w", err, contract.ErrInvalidInput)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return contract.Raw{}, fmt.Errorf("new request: %v: %w", err, contract.ErrInvalidInput)
	}
	if !c.disableAuth {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range c.extraH {
		if k != "" {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.do(req)
	if err != nil {
		if ctx.Err() != nil {
			return contract.Raw{}, ctx.Err()
		}
		return contract.Raw{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return contract.Raw{}, contract.ErrRateLimited
	}
	if resp.StatusCode/100 != 2 {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		msg := strings.TrimSpace(string(slurp))
		if resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode/100 == 5 {
			return contract.Raw{}, upstreamError{status: resp.StatusCode, msg: msg}
		}
		return contract.Raw{}, fmt.Errorf("openai upstream %d: %s: %w", resp.StatusCode, msg, contract.ErrInvalidInput)
	}
	var or oaResp
	if err := json.NewDecoder(resp.Body).Decode(&or); err != nil {
		return contract.Raw{}, fmt.Errorf("decode: %w", contract.ErrResponseInvalid)
	}
	if len(or.Choices) == 0 || or.Choices[0].Message.Content == "" {
		return contract.Raw{}, contract.ErrResponseInvalid
	}
	text := or.Choices[0].Message.Content
	if wrapped {
		text = unwrapContent(text)
	}
	return contract.Raw{Text: text}, nil
}

var _ contract.LLMClient = (*Client)(nil)
