package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"quizgen/pkg/contract"
)

// Options: 无网络联调用的确定性题目生成配置。
type Options struct {
	Prefix string `json:"prefix"` // 题干前缀，默认 "MOCK"
	// APIKey: 仅用于限流分组，不参与任何网络请求。
	APIKey string `json:"api_key"`
	// Count: 每次返回的题目数，默认 10（可设为 12 以验证截断）。
	Count int `json:"count"`
	// OptionCount: 每题选项数，默认 4。
	OptionCount int `json:"option_count"`
	// Fence: 以 ```json 围栏包裹输出，模拟常见的格式噪声。
	Fence bool `json:"fence"`
	// AnswerField: 正确答案字段名，"correctIndex"（默认）或 "answer"。
	AnswerField string `json:"answer_field"`
	// ResponseMode: "quiz"（默认）输出题目数组；"echo" 回显 Prompt 摘要。
	ResponseMode string `json:"response_mode,omitempty"`
}

type Client struct {
	prefix      string
	count       int
	optionCount int
	fence       bool
	answerField string
	mode        string
}

func New(raw json.RawMessage) (contract.LLMClient, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("mock options: %w", err)
		}
	}
	if o.Prefix == "" {
		o.Prefix = "MOCK"
	}
	if o.Count <= 0 {
		o.Count = contract.QuestionsPerUnit
	}
	if o.OptionCount <= 0 {
		o.OptionCount = contract.MaxOptions
	}
	switch o.AnswerField {
	case "":
		o.AnswerField = "correctIndex"
	case "correctIndex", "answer":
	default:
		return nil, fmt.Errorf("mock: %w: answer_field %q", contract.ErrInvalidInput, o.AnswerField)
	}
	mode := strings.TrimSpace(o.ResponseMode)
	if mode == "" {
		mode = "quiz"
	}
	return &Client{prefix: o.Prefix, count: o.Count, optionCount: o.OptionCount, fence: o.Fence, answerField: o.AnswerField, mode: mode}, nil
}

// Invoke 依据 Job 的身份与正文生成确定性回复。
func (c *Client) Invoke(ctx context.Context, j contract.Job, p contract.Prompt) (contract.Raw, error) {
	select {
	case <-ctx.Done():
		return contract.Raw{}, ctx.Err()
	default:
	}
	if c.mode == "echo" {
		return contract.Raw{Text: echo(c.prefix, p)}, nil
	}
	u := j.Unit
	items := make([]map[string]any, 0, c.count)
	for i := 0; i < c.count; i++ {
		opts := make([]string, c.optionCount)
		for k := range opts {
			opts[k] = fmt.Sprintf("选项%c", 'A'+k)
		}
		items = append(items, map[string]any{
			"id":          i + 1,
			"question":    fmt.Sprintf("%s:《%s》%s L%d 第%d题（正文%d字）", c.prefix, u.Book, u.Chapter, u.Level, i+1, utf8.RuneCountInString(j.Text)),
			"options":     opts,
			c.answerField: i % c.optionCount,
			"explanation": "见原文",
		})
	}
	bts, err := json.Marshal(items)
	if err != nil {
		return contract.Raw{}, err
	}
	text := string(bts)
	if c.fence {
		text = "```json\n" + text + "\n```"
	}
	return contract.Raw{Text: text}, nil
}

func echo(prefix string, p contract.Prompt) string {
	switch v := p.(type) {
	case contract.TextPrompt:
		return fmt.Sprintf("%s(text): %s", prefix, string(v))
	case contract.ChatPrompt:
		if len(v) == 0 {
			return fmt.Sprintf("%s(chat): <empty>", prefix)
		}
		return fmt.Sprintf("%s(chat:%s): %s", prefix, v[0].Role, v[0].Content)
	default:
		return fmt.Sprintf("%s(unknown prompt type)", prefix)
	}
}

var _ contract.LLMClient = (*Client)(nil)
