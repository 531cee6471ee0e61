package config

import (
	"encoding/json"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// 键使用 snake_case；未知字段在解析期失败。
type Config struct {
	Inputs []string `json:"inputs"`
	// TitlesPath: 书名登记表（JSONL）；为空则全部回退为原始文件名。
	TitlesPath          string `json:"titles_path"`
	TrimNameDecorations bool   `json:"trim_name_decorations"`
	// MaxChaptersPerBook: 每本书只取前 N 个片段；0 表示全部。
	MaxChaptersPerBook int `json:"max_chapters_per_book"`
	Concurrency        int `json:"concurrency"`
	// MinIntervalMS: 相邻两次模型调用开始时刻的最小间隔（全局）。
	MinIntervalMS      int `json:"min_interval_ms"`
	CallTimeoutSeconds int `json:"call_timeout_seconds"`
	// MaxRetries: 单元内最大重试次数（>=0）。0 表示不重试。
	MaxRetries    int     `json:"max_retries"`
	MaxTokens     int     `json:"max_tokens"`
	BytesPerToken int     `json:"bytes_per_token"`
	Logging       Logging `json:"logging"`
	Metrics       Metrics `json:"metrics"`

	// 组件名选择（空则使用默认名）。
	Components Components `json:"components"`

	// LLM Provider 选择与定义。
	LLM      string              `json:"llm"`
	Provider map[string]Provider `json:"provider"`

	// 各组件 Options 子树，原样 JSON 传入工厂。
	Options Options `json:"options"`
}

// Logging: 仅日志等级可配置；输出路径与轮转策略为固定默认。
type Logging struct {
	Level string `json:"level"`
}

// Metrics: 运行结束时写出 Prometheus textfile（为空则不写）。
type Metrics struct {
	Textfile string `json:"textfile"`
}

// Components: 组件名选择（注册表中的实现名）。
type Components struct {
	Reader        string `json:"reader"`
	Segmenter     string `json:"segmenter"`
	PromptBuilder string `json:"prompt_builder"`
	Decoder       string `json:"decoder"`
	Assembler     string `json:"assembler"`
	Store         string `json:"store"`
}

// Options: 各组件的原样 JSON Options。
type Options struct {
	Reader        json.RawMessage `json:"reader"`
	Segmenter     json.RawMessage `json:"segmenter"`
	PromptBuilder json.RawMessage `json:"prompt_builder"`
	Decoder       json.RawMessage `json:"decoder"`
	Assembler     json.RawMessage `json:"assembler"`
	Store         json.RawMessage `json:"store"`
}

// Provider: 命名 provider 定义（client 实现 + options + 限额）。
type Provider struct {
	Client  string          `json:"client"`
	Options json.RawMessage `json:"options"`
	Limits  Limits          `json:"limits"`
}

// Limits: 限流配置（仅承载；执行位于 rate.Gate）。
type Limits struct {
	RPM             int `json:"rpm"`
	TPM             int `json:"tpm"`
	MaxTokensPerReq int `json:"max_tokens_per_req"`
}
