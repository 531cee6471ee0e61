package flaky

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"quizgen/pkg/contract"
)

// 脚本步骤。
const (
	StepRateLimited = "rate_limited" // 返回 ErrRateLimited
	StepInvalid     = "invalid"      // 返回无法解析的文本
	StepTimeout     = "timeout"      // 阻塞直到 ctx 结束
	StepUpstream    = "upstream"     // 返回 5xx 上游错误
	StepOK          = "ok"           // 返回一组合法题目
)

// Options 定义可选项。
type Options struct {
	Prefix string `json:"prefix"`
	// Script: 按调用次序执行的步骤；用尽后重复最后一步。默认 [rate_limited, invalid, ok]。
	Script []string `json:"script"`
	// LogPath: 调试用日志文件，记录每次调用的步骤（可选）。
	LogPath string `json:"log_path,omitempty"`
}

// Client 按脚本返回失败或成功，用于验证失败隔离与重跑收敛。
type Client struct {
	prefix  string
	logPath string
	script  []string
	mu      sync.Mutex
	calls   int
}

// New 构造 Client。
func New(raw json.RawMessage) (contract.LLMClient, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, err
		}
	}
	if o.Prefix == "" {
		o.Prefix = "FLAKY"
	}
	if len(o.Script) == 0 {
		o.Script = []string{StepRateLimited, StepInvalid, StepOK}
	}
	for _, s := range o.Script {
		switch s {
		case StepRateLimited, StepInvalid, StepTimeout, StepUpstream, StepOK:
		default:
			return nil, fmt.Errorf("flaky: %w: unknown step %q", contract.ErrInvalidInput, s)
		}
	}
	return &Client{prefix: o.Prefix, logPath: o.LogPath, script: o.Script}, nil
}

func (c *Client) next() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.calls
	c.calls++
	if i >= len(c.script) {
		i = len(c.script) - 1
	}
	return c.script[i]
}

// Calls 返回已发生的调用次数。
func (c *Client) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *Client) log(j contract.Job, step string) {
	if c.logPath == "" {
		return
	}
	f, err := os.OpenFile(c.logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.WriteString(j.Unit.String() + " " + step + "\n")
}

// Invoke 实现 contract.LLMClient。
func (c *Client) Invoke(ctx context.Context, j contract.Job, p contract.Prompt) (contract.Raw, error) {
	step := c.next()
	c.log(j, step)
	switch step {
	case StepRateLimited:
		return contract.Raw{}, contract.ErrRateLimited
	case StepInvalid:
		return contract.Raw{Text: "invalid"}, nil
	case StepTimeout:
		<-ctx.Done()
		return contract.Raw{}, ctx.Err()
	case StepUpstream:
		return contract.Raw{}, upstreamError{status: 503, msg: "scripted"}
	}
	items := make([]contract.QuestionItem, 0, contract.QuestionsPerUnit)
	for i := 1; i <= contract.QuestionsPerUnit; i++ {
		items = append(items, contract.QuestionItem{
			ID:          i,
			Question:    fmt.Sprintf("%s: %s #%d", c.prefix, j.Unit, i),
			Options:     []string{"甲", "乙", "丙", "丁"},
			Explanation: "脚本生成",
		})
	}
	bts, _ := json.Marshal(items)
	return contract.Raw{Text: string(bts)}, nil
}

type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string           { return fmt.Sprintf("flaky upstream %d: %s", e.status, e.msg) }
func (e upstreamError) Timeout() bool           { return false }
func (e upstreamError) Temporary() bool         { return true }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

var _ contract.LLMClient = (*Client)(nil)
