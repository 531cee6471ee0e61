package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"quizgen/internal/pipeline"
	"quizgen/internal/rate"
	"quizgen/internal/titles"
	"quizgen/pkg/registry"
)

// Validate 对配置做静态校验（不触碰文件系统与网络）。
func Validate(cfg Config) error {
	if len(cfg.Inputs) == 0 {
		return errors.New("config: inputs empty")
	}
	for _, r := range cfg.Inputs {
		if strings.TrimSpace(r) == "" {
			return errors.New("config: input path cannot be empty")
		}
	}
	if cfg.Concurrency < 1 {
		return errors.New("config: concurrency must be >= 1")
	}
	if cfg.MinIntervalMS < 0 {
		return errors.New("config: min_interval_ms must be >= 0")
	}
	if cfg.CallTimeoutSeconds < 0 {
		return errors.New("config: call_timeout_seconds must be >= 0")
	}
	if cfg.MaxRetries < 0 {
		return errors.New("config: max_retries must be >= 0")
	}
	if cfg.MaxTokens < 0 {
		return errors.New("config: max_tokens must be >= 0")
	}
	if cfg.BytesPerToken < 0 {
		return errors.New("config: bytes_per_token must be >= 0")
	}
	if cfg.MaxChaptersPerBook < 0 {
		return errors.New("config: max_chapters_per_book must be >= 0")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: logging.level %q invalid", cfg.Logging.Level)
	}
	if cfg.LLM == "" {
		return errors.New("config: llm not set")
	}
	prov, ok := cfg.Provider[cfg.LLM]
	if !ok {
		return fmt.Errorf("config: provider %q not found", cfg.LLM)
	}
	if prov.Client == "" {
		return fmt.Errorf("config: provider %q missing client", cfg.LLM)
	}
	if prov.Limits.MaxTokensPerReq > 0 && cfg.MaxTokens > prov.Limits.MaxTokensPerReq {
		return fmt.Errorf("config: max_tokens(%d) exceeds provider.max_tokens_per_req(%d)", cfg.MaxTokens, prov.Limits.MaxTokensPerReq)
	}
	n := names(cfg)
	if registry.Reader[n.Reader] == nil {
		return fmt.Errorf("config: reader %q not registered", n.Reader)
	}
	if registry.Segmenter[n.Segmenter] == nil {
		return fmt.Errorf("config: segmenter %q not registered", n.Segmenter)
	}
	if registry.PromptBuilder[n.PromptBuilder] == nil {
		return fmt.Errorf("config: prompt_builder %q not registered", n.PromptBuilder)
	}
	if registry.Decoder[n.Decoder] == nil {
		return fmt.Errorf("config: decoder %q not registered", n.Decoder)
	}
	if registry.Assembler[n.Assembler] == nil {
		return fmt.Errorf("config: assembler %q not registered", n.Assembler)
	}
	if registry.Store[n.Store] == nil {
		return fmt.Errorf("config: store %q not registered", n.Store)
	}
	if registry.LLMClient[prov.Client] == nil {
		return fmt.Errorf("config: llm client %q not registered", prov.Client)
	}
	return nil
}

// Assemble 构造 Components 与 Settings（含全局闸门）。
// 严格 Options 解析在 registry（工厂）层进行；此处只传 raw JSON。
// 存储最后打开；之后的任何失败都不会遗留打开的句柄。
func Assemble(ctx context.Context, cfg Config) (pipeline.Components, pipeline.Settings, error) {
	var comp pipeline.Components
	if err := Validate(cfg); err != nil {
		return comp, pipeline.Settings{}, err
	}
	n := names(cfg)

	var err error
	if comp.Reader, err = registry.Reader[n.Reader](cfg.Options.Reader); err != nil {
		return comp, pipeline.Settings{}, fmt.Errorf("reader %s: %w", n.Reader, err)
	}
	if comp.Segmenter, err = registry.Segmenter[n.Segmenter](cfg.Options.Segmenter); err != nil {
		return comp, pipeline.Settings{}, fmt.Errorf("segmenter %s: %w", n.Segmenter, err)
	}
	if comp.PromptBuilder, err = registry.PromptBuilder[n.PromptBuilder](cfg.Options.PromptBuilder); err != nil {
		return comp, pipeline.Settings{}, fmt.Errorf("prompt_builder %s: %w", n.PromptBuilder, err)
	}
	if comp.Decoder, err = registry.Decoder[n.Decoder](cfg.Options.Decoder); err != nil {
		return comp, pipeline.Settings{}, fmt.Errorf("decoder %s: %w", n.Decoder, err)
	}
	if comp.Assembler, err = registry.Assembler[n.Assembler](cfg.Options.Assembler); err != nil {
		return comp, pipeline.Settings{}, fmt.Errorf("assembler %s: %w", n.Assembler, err)
	}

	prov := cfg.Provider[cfg.LLM]
	if comp.LLM, err = registry.LLMClient[prov.Client](prov.Options); err != nil {
		return comp, pipeline.Settings{}, fmt.Errorf("llm %s: %w", cfg.LLM, err)
	}

	reg, err := titles.Load(cfg.TitlesPath, &titles.Options{TrimDecorations: cfg.TrimNameDecorations})
	if err != nil {
		return comp, pipeline.Settings{}, err
	}
	comp.Titles = reg

	// 闸门：分组键优先由 API Key 派生；失败则退化为 provider 名称。
	key, derr := rate.KeyFor(prov.Client, prov.Options)
	if derr != nil {
		key = rate.Key(cfg.LLM)
	}
	gate := rate.New(map[rate.Key]rate.Limits{key: {
		RPM:             prov.Limits.RPM,
		TPM:             prov.Limits.TPM,
		MaxTokensPerReq: prov.Limits.MaxTokensPerReq,
		MinInterval:     time.Duration(cfg.MinIntervalMS) * time.Millisecond,
	}})

	if comp.Store, err = registry.Store[n.Store](ctx, cfg.Options.Store); err != nil {
		return comp, pipeline.Settings{}, fmt.Errorf("store %s: %w", n.Store, err)
	}

	set := pipeline.Settings{
		Inputs:             cloneStrings(cfg.Inputs),
		MaxChaptersPerBook: cfg.MaxChaptersPerBook,
		Concurrency:        cfg.Concurrency,
		MaxRetries:         cfg.MaxRetries,
		CallTimeout:        time.Duration(cfg.CallTimeoutSeconds) * time.Second,
		MaxTokens:          cfg.MaxTokens,
		BytesPerToken:      cfg.BytesPerToken,
		Gate:               gate,
		GateKey:            key,
		LLMName:            cfg.LLM,
	}
	return comp, set, nil
}

// names 返回各组件的有效实现名（空则取默认）。
func names(cfg Config) Components {
	d := Defaults().Components
	c := cfg.Components
	return Components{
		Reader:        effName(c.Reader, d.Reader),
		Segmenter:     effName(c.Segmenter, d.Segmenter),
		PromptBuilder: effName(c.PromptBuilder, d.PromptBuilder),
		Decoder:       effName(c.Decoder, d.Decoder),
		Assembler:     effName(c.Assembler, d.Assembler),
		Store:         effName(c.Store, d.Store),
	}
}

func effName(got, def string) string {
	if got == "" {
		return def
	}
	return got
}
