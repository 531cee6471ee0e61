package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"quizgen/pkg/contract"
)

// Options: Google Generative Language API (Gemini) 配置。
type Options struct {
	BaseURL   string `json:"base_url"`    // https://generativelanguage.googleapis.com
	Model     string `json:"model"`       // 默认 gemini-2.5-flash
	APIKeyEnv string `json:"api_key_env"` // 默认 GOOGLE_API_KEY
	APIKey    string `json:"api_key"`
	// TimeoutSeconds: 客户端超时（秒），默认 120。
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
	// EndpointPath: 默认 /v1beta/models/{model}:generateContent；支持 {model} 占位。
	EndpointPath  string            `json:"endpoint_path"`
	APIKeyInQuery *bool             `json:"api_key_in_query"` // 默认 true；false 时使用 x-goog-api-key 头
	ExtraHeaders  map[string]string `json:"extra_headers"`
	ExtraQuery    map[string]string `json:"extra_query"`
	// ResponseMIMEType: 仅当 Prompt 携带 schema 时生效，默认 application/json。
	ResponseMIMEType string `json:"response_mime_type,omitempty"`
}

func (o *Options) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if o.Model == "" {
		o.Model = "gemini-2.5-flash"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "GOOGLE_API_KEY"
	}
	if o.EndpointPath == "" {
		o.EndpointPath = "/v1beta/models/{model}:generateContent"
	}
	if o.APIKeyInQuery == nil {
		t := true
		o.APIKeyInQuery = &t
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 120
	}
	if o.ResponseMIMEType == "" {
		o.ResponseMIMEType = "application/json"
	}
}

type Client struct {
	hc       *http.Client
	url      string
	apiKey   string
	inQuery  bool
	extraH   map[string]string
	extraQ   map[string]string
	temp     *float64
	respMIME string
	do       func(*http.Request) (*http.Response, error)
}

func New(raw json.RawMessage) (contract.LLMClient, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("gemini options: %w", err)
		}
	}
	opts.defaults()
	key := opts.APIKey
	if key == "" && opts.APIKeyEnv != "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" {
		return nil, fmt.Errorf("gemini: %w: missing api key (%s)", contract.ErrInvalidInput, opts.APIKeyEnv)
	}
	path := strings.ReplaceAll(opts.EndpointPath, "{model}", url.PathEscape(opts.Model))
	if !(strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://")) {
		path = strings.TrimRight(opts.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
	}
	hc := &http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second}
	return &Client{
		hc:       hc,
		url:      path,
		apiKey:   key,
		inQuery:  *opts.APIKeyInQuery,
		extraH:   opts.ExtraHeaders,
		extraQ:   opts.ExtraQuery,
		temp:     opts.Temperature,
		respMIME: opts.ResponseMIMEType,
		do:       hc.Do,
	}, nil
}

type gmPart struct {
	Text string `json:"text"`
}

type gmContent struct {
	Role  string   `json:"role,omitempty"`
	Parts []gmPart `json:"parts"`
}

type gmGenerationConfig struct {
	Temperature      *float64        `json:"temperature,omitempty"`
	ResponseMIMEType string          `json:"response_mime_type,omitempty"`
	ResponseSchema   json.RawMessage `json:"response_schema,omitempty"`
}

type gmReq struct {
	SystemInstruction *gmContent          `json:"system_instruction,omitempty"`
	Contents          []gmContent         `json:"contents"`
	GenerationConfig  *gmGenerationConfig `json:"generationConfig,omitempty"`
}

type gmResp struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// upstreamError 实现 net.Error：5xx/408 归为网络类。
type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string           { return fmt.Sprintf("gemini upstream %d: %s", e.status, e.msg) }
func (e upstreamError) Timeout() bool           { return e.status == http.StatusRequestTimeout }
func (e upstreamError) Temporary() bool         { return e.status/100 == 5 }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

// encodePrompt: system 消息合并进 system_instruction；json_schema 伪消息转为 response_schema。
func (c *Client) encodePrompt(p contract.Prompt) ([]byte, error) {
	var req gmReq
	gc := &gmGenerationConfig{Temperature: c.temp}
	switch v := p.(type) {
	case contract.TextPrompt:
		req.Contents = []gmContent{{Role: "user", Parts: []gmPart{{Text: string(v)}}}}
	case contract.ChatPrompt:
		var sys []gmPart
		for _, m := range v {
			switch strings.ToLower(strings.TrimSpace(m.Role)) {
			case contract.RoleJSONSchema:
				var raw json.RawMessage
				if json.Unmarshal([]byte(m.Content), &raw) == nil && len(raw) > 0 {
					gc.ResponseSchema = raw
					gc.ResponseMIMEType = c.respMIME
				}
			case "system":
				sys = append(sys, gmPart{Text: m.Content})
			case "assistant", "model":
				req.Contents = append(req.Contents, gmContent{Role: "model", Parts: []gmPart{{Text: m.Content}}})
			default:
				req.Contents = append(req.Contents, gmContent{Role: "user", Parts: []gmPart{{Text: m.Content}}})
			}
		}
		if len(sys) > 0 {
			req.SystemInstruction = &gmContent{Parts: sys}
		}
	default:
		return nil, contract.ErrInvalidInput
	}
	if len(req.Contents) == 0 {
		return nil, fmt.Errorf("gemini: %w: no user content", contract.ErrInvalidInput)
	}
	if gc.Temperature != nil || len(gc.ResponseSchema) > 0 {
		req.GenerationConfig = gc
	}
	return json.Marshal(&req)
}

// Invoke: 单次同步调用，返回首个候选的首段文本。
func (c *Client) Invoke(ctx context.Context, j contract.Job, p contract.Prompt) (contract.Raw, error) {
	body, err := c.encodePrompt(p)
	if err != nil {
		if errors.Is(err, contract.ErrInvalidInput) {
			return contract.Raw{}, err
		}
		return contract.Raw{}, fmt.Errorf("encode: %v: %w", err, contract.ErrInvalidInput)
	}
	u, err := url.Parse(c.url)
	if err != nil {
		return contract.Raw{}, fmt.Errorf("invalid url: %v: %w", err, contract.ErrInvalidInput)
	}
	q := u.Query()
	if c.inQuery {
		q.Set("key", c.apiKey)
	}
	for k, v := range c.extraQ {
		if k != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return contract.Raw{}, fmt.Errorf("new request: %v: %w", err, contract.ErrInvalidInput)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if !c.inQuery {
		req.Header.Set("x-goog-api-key", c.apiKey)
	}
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
		return contract.Raw{}, fmt.Errorf("gemini upstream %d: %s: %w", resp.StatusCode, msg, contract.ErrInvalidInput)
	}
	var gr gmResp
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return contract.Raw{}, fmt.Errorf("decode: %w", contract.ErrResponseInvalid)
	}
	if len(gr.Candidates) == 0 || len(gr.Candidates[0].Content.Parts) == 0 || gr.Candidates[0].Content.Parts[0].Text == "" {
		return contract.Raw{}, contract.ErrResponseInvalid
	}
	return contract.Raw{Text: gr.Candidates[0].Content.Parts[0].Text}, nil
}

var _ contract.LLMClient = (*Client)(nil)
