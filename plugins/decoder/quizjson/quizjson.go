package quizjson

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"quizgen/pkg/contract"
)

// Options: 归一化参数。零值即默认。
type Options struct {
	// MaxItems: 题目数上限；<=0 或超过 contract.QuestionsPerUnit 时取 contract.QuestionsPerUnit。
	MaxItems int `json:"max_items"`
	// MaxOptions: 单题选项上限；<=0 或超过 contract.MaxOptions 时取 contract.MaxOptions。
	MaxOptions int `json:"max_options"`
	// DefaultExplanation: 缺失解析时的占位；为空使用 contract.DefaultExplanation。
	DefaultExplanation string `json:"default_explanation"`
	// DropBlankQuestions: 丢弃题干为空的条目（默认保留）。
	DropBlankQuestions bool `json:"drop_blank_questions"`
}

// Decoder 将模型回复解析为题目数组并做宽松修复。
type Decoder struct {
	maxItems   int
	maxOptions int
	explain    string
	dropBlank  bool
}

// New 创建解码器。
func New(opts *Options) *Decoder {
	d := &Decoder{maxItems: contract.QuestionsPerUnit, maxOptions: contract.MaxOptions, explain: contract.DefaultExplanation}
	if opts != nil {
		// 记录层拒收超出契约上限的题目，解码阶段不得放宽
		if opts.MaxItems > 0 && opts.MaxItems < d.maxItems {
			d.maxItems = opts.MaxItems
		}
		if opts.MaxOptions > 0 && opts.MaxOptions < d.maxOptions {
			d.maxOptions = opts.MaxOptions
		}
		if strings.TrimSpace(opts.DefaultExplanation) != "" {
			d.explain = opts.DefaultExplanation
		}
		d.dropBlank = opts.DropBlankQuestions
	}
	return d
}

var _ contract.Decoder = (*Decoder)(nil)

var (
	fenceHead = regexp.MustCompile("^```[A-Za-z]*\\s*")
	fenceTail = regexp.MustCompile("\\s*```$")
)

// StripFences 去掉包裹回复的 Markdown 代码围栏。
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	s = fenceHead.ReplaceAllString(s, "")
	s = fenceTail.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// Decode 归一化规则：
//   - 去代码围栏后按 JSON 数组解析，失败即 ErrResponseInvalid；
//   - 非对象条目跳过，其余按位置重新编号 1..N，最多保留 MaxItems 条；
//   - 选项截断到 MaxOptions，不补齐，非字符串转为字符串；
//   - 正确答案取 correctIndex，缺失时取 answer；非整数或越界修复为 0；
//   - 解析缺失或为空时使用占位文本。
func (d *Decoder) Decode(ctx context.Context, u contract.WorkUnit, raw contract.Raw) ([]contract.QuestionItem, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	body := StripFences(raw.Text)
	if body == "" {
		return nil, fmt.Errorf("decode %s: empty reply: %w", u, contract.ErrResponseInvalid)
	}
	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	var arr []any
	if err := dec.Decode(&arr); err != nil {
		return nil, fmt.Errorf("decode %s: %v: %w", u, err, contract.ErrResponseInvalid)
	}
	out := make([]contract.QuestionItem, 0, d.maxItems)
	for _, v := range arr {
		if len(out) == d.maxItems {
			break
		}
		obj, ok := v.(map[string]any)
		if !ok {
			continue
		}
		q := d.normalize(obj)
		if d.dropBlank && strings.TrimSpace(q.Question) == "" {
			continue
		}
		q.ID = len(out) + 1
		out = append(out, q)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("decode %s: no usable items: %w", u, contract.ErrResponseInvalid)
	}
	return out, nil
}

func (d *Decoder) normalize(obj map[string]any) contract.QuestionItem {
	q := contract.QuestionItem{Question: stringify(obj["question"]), Options: []string{}}
	if opts, ok := obj["options"].([]any); ok {
		for _, o := range opts {
			if len(q.Options) == d.maxOptions {
				break
			}
			q.Options = append(q.Options, stringify(o))
		}
	}
	ans, ok := obj["correctIndex"]
	if !ok {
		ans = obj["answer"]
	}
	q.CorrectIndex = toIndex(ans, len(q.Options))
	q.Explanation = stringify(obj["explanation"])
	if strings.TrimSpace(q.Explanation) == "" {
		q.Explanation = d.explain
	}
	return q
}

// toIndex: 仅接受整数且落在 [0,n) 内，其余一律为 0。
func toIndex(v any, n int) int {
	num, ok := v.(json.Number)
	if !ok {
		return 0
	}
	i, err := strconv.ParseInt(num.String(), 10, 64)
	if err != nil || i < 0 || i >= int64(n) {
		return 0
	}
	return int(i)
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	default:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(x); err != nil {
			return fmt.Sprint(x)
		}
		return strings.TrimSpace(buf.String())
	}
}
