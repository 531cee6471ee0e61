package quiz

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/template"

	"quizgen/pkg/contract"
)

// Options 为出题 PromptBuilder 的配置。
// - InlineSystemTemplate / SystemTemplatePath: system 模板（二选一，均为空时使用内置模板）。
// - LevelRequirements: 按等级覆盖难度要求文本，键为 "1".."3"。
type Options struct {
	InlineSystemTemplate string            `json:"inline_system_template"`
	SystemTemplatePath   string            `json:"system_template_path"`
	LevelRequirements    map[string]string `json:"level_requirements"`
	// WithSchema: 追加 json_schema 伪消息，供支持结构化输出的客户端启用 JSON 模式。
	WithSchema bool `json:"with_schema"`
}

// DefaultLevelRequirements: 各等级的出题要求。
var DefaultLevelRequirements = map[contract.Level]string{
	contract.LevelBasic:    "考察基础情节、人物名称、核心事件等直观内容。题目必须非常简单直接。",
	contract.LevelAnalysis: "考察人物动机、情节因果关系、隐含的深层含义等。需要一点点思考分析。",
	contract.LevelDeep:     "考察细节挖掘、逻辑推理、词句赏析、乃至作品背后的文化内涵或写作手法。",
}

// Builder: 以 Job 构造 ChatPrompt（system + user [+ json_schema]）。
// 模板在构造期解析，运行期不做 I/O。
type Builder struct {
	sysT   *template.Template
	reqs   map[contract.Level]string
	schema bool
}

// 模板可见字段。
type sysData struct {
	Book        string
	Chapter     string
	Level       int
	Requirement string
	Count       int
}

// New 创建出题 PromptBuilder。
func New(opts *Options) (*Builder, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	src := defaultSystemTemplate
	if o.InlineSystemTemplate != "" {
		src = o.InlineSystemTemplate
	} else if o.SystemTemplatePath != "" {
		b, err := os.ReadFile(o.SystemTemplatePath)
		if err != nil {
			return nil, fmt.Errorf("system template read: %w", err)
		}
		src = string(b)
	}
	tpl, err := template.New("system").Option("missingkey=error").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("system template parse: %w", err)
	}
	reqs := make(map[contract.Level]string, len(DefaultLevelRequirements))
	for k, v := range DefaultLevelRequirements {
		reqs[k] = v
	}
	for k, v := range o.LevelRequirements {
		n, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil || !contract.Level(n).Valid() {
			return nil, fmt.Errorf("prompt: %w: level_requirements key %q", contract.ErrInvalidInput, k)
		}
		if strings.TrimSpace(v) != "" {
			reqs[contract.Level(n)] = v
		}
	}
	return &Builder{sysT: tpl, reqs: reqs, schema: o.WithSchema}, nil
}

// Build: 基于 Job 构造 ChatPrompt。片段原文原样放入 user 消息。
func (b *Builder) Build(ctx context.Context, j contract.Job) (contract.Prompt, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	u := j.Unit
	if !u.Level.Valid() {
		return nil, fmt.Errorf("prompt: %w: level %d", contract.ErrInvalidInput, u.Level)
	}
	if strings.TrimSpace(j.Text) == "" {
		return nil, fmt.Errorf("prompt: %w: empty chunk text", contract.ErrInvalidInput)
	}
	sys, err := b.renderSystem(u)
	if err != nil {
		return nil, err
	}
	msgs := []contract.Message{
		{Role: "system", Content: sys},
		{Role: "user", Content: userMessage(j.Text, u.Level)},
	}
	if b.schema {
		msgs = append(msgs, contract.Message{Role: contract.RoleJSONSchema, Content: QuestionsJSONSchema})
	}
	return contract.ChatPrompt(msgs), nil
}

func (b *Builder) renderSystem(u contract.WorkUnit) (string, error) {
	var buf bytes.Buffer
	err := b.sysT.Execute(&buf, sysData{
		Book:        u.Book,
		Chapter:     u.Chapter,
		Level:       int(u.Level),
		Requirement: b.reqs[u.Level],
		Count:       contract.QuestionsPerUnit,
	})
	if err != nil {
		return "", fmt.Errorf("system render: %v: %w", err, contract.ErrInvalidInput)
	}
	return buf.String(), nil
}

func userMessage(text string, level contract.Level) string {
	var sb strings.Builder
	sb.Grow(len(text) + 160)
	sb.WriteString("以下是节选文本内容：\n\n")
	sb.WriteString(text)
	sb.WriteString("\n\n请针对以上文本，严格按照要求的难度等级（Level ")
	sb.WriteString(strconv.Itoa(int(level)))
	sb.WriteString("）生成 ")
	sb.WriteString(strconv.Itoa(contract.QuestionsPerUnit))
	sb.WriteString(" 道选择题。")
	return sb.String()
}

// EstimateOverheadTokens: 估算与片段正文无关的固定开销（最长等级要求下的 system + user 骨架 + schema）。
func (b *Builder) EstimateOverheadTokens(estimate contract.TokenEstimator) int {
	if estimate == nil {
		return 0
	}
	longest := 0
	for _, lv := range contract.Levels {
		sys, err := b.renderSystem(contract.WorkUnit{Level: lv})
		if err != nil {
			continue
		}
		if n := estimate(sys); n > longest {
			longest = n
		}
	}
	tokens := longest + estimate(userMessage("", contract.LevelDeep))
	if b.schema {
		tokens += estimate(QuestionsJSONSchema)
	}
	return tokens
}

var _ contract.PromptBuilder = (*Builder)(nil)

// 默认 system 模板。
const defaultSystemTemplate = `你是一位专业的阅读理解出题专家。你的任务是基于给定的原著节选文本，生成高质量的单项选择题。

【出题规则】
1. **书名**：《{{.Book}}》
2. **章节名称**：{{.Chapter}}
3. **难度等级**：Level {{.Level}}。要求：{{.Requirement}}
4. **题目数量**：必须生成 **{{.Count}}** 道单选题。
5. **绝对忠于文本**：所有题目的答案必须能够从给定的节选文本中找到依据。
6. **输出格式**：必须且只能输出一个 **纯 JSON 数组**，不要包含任何 Markdown 代码块标签（如 ` + "```json" + `），也不要解释文字。
格式范例：
[
  {
    "id": 1,
    "question": "题目内容？",
    "options": ["选项A", "选项B", "选项C", "选项D"],
    "correctIndex": 0,
    "explanation": "解析内容"
  }
]
`

// QuestionsJSONSchema: 题目数组的 JSON Schema。
const QuestionsJSONSchema = `{"type":"array","items":{"type":"object","additionalProperties":false,"properties":{"id":{"type":"integer"},"question":{"type":"string"},"options":{"type":"array","items":{"type":"string"},"maxItems":4},"correctIndex":{"type":"integer"},"explanation":{"type":"string"}},"required":["id","question","options","correctIndex","explanation"]}}`
