package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	cfgpkg "quizgen/internal/config"
	"quizgen/internal/diag"
	"quizgen/internal/pipeline"
	"quizgen/pkg/contract"
)

// 退出码。
const (
	exitOK       = 0
	exitRun      = 1
	exitStartup  = 3
	exitCanceled = 130
)

var (
	pipelineRun     = pipeline.Run
	pipelinePrepare = pipeline.Prepare
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// exitError 携带退出码；错误信息已由命令自行输出。
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func fail(code int, err error) error { return &exitError{code: code, err: err} }

// flags: 全局旗标（覆盖配置文件与环境变量）。
type flags struct {
	config      string
	llm         string
	titles      string
	concurrency int
	maxRetries  int
	maxChapters int
	intervalMS  int
	logLevel    string
	status      bool
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	// nil 会让 cobra 回退到 os.Args
	if args == nil {
		args = []string{}
	}
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	// cobra 自身的参数/旗标错误
	fprintf(stderr, "%v\n", err)
	return exitStartup
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var fl flags
	runCmd := func(cmd *cobra.Command, args []string) error {
		return runE(cmd.Context(), &fl, args, stderr)
	}
	root := &cobra.Command{
		Use:           "quizgen [roots...]",
		Short:         "按书 × 章节 × 等级批量生成阅读理解题（可断点续跑）",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		RunE:          runCmd,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&fl.config, "config", "", "配置文件（.json/.yaml）；缺省读取 ./config.json 或 ./config.yaml（若存在）")
	pf.StringVar(&fl.llm, "llm", "", "provider 名称（覆盖配置）")
	pf.StringVar(&fl.titles, "titles", "", "书名登记表 JSONL（覆盖配置）")
	pf.IntVar(&fl.concurrency, "concurrency", 0, "并发单元数（覆盖配置）")
	// 允许显式设置为 0；-1 表示未覆盖。
	pf.IntVar(&fl.maxRetries, "max-retries", -1, "单元内最大重试次数（覆盖配置；0 表示不重试）")
	pf.IntVar(&fl.maxChapters, "max-chapters", 0, "每本书只处理前 N 个章节（覆盖配置）")
	pf.IntVar(&fl.intervalMS, "min-interval-ms", -1, "相邻两次模型调用的最小间隔毫秒（覆盖配置）")
	pf.StringVar(&fl.logLevel, "log-level", "", "日志等级 debug|info|warn|error（覆盖配置）")
	pf.BoolVar(&fl.status, "status", true, "终端进度提示（stderr）")

	root.AddCommand(&cobra.Command{
		Use:   "run [roots...]",
		Short: "生成未完成的工作单元（默认命令）",
		RunE:  runCmd,
	})
	root.AddCommand(&cobra.Command{
		Use:   "plan [roots...]",
		Short: "只枚举并与存储求差，打印每本书的待生成数，不调用模型",
		RunE: func(cmd *cobra.Command, args []string) error {
			return planE(cmd.Context(), &fl, args, stdout, stderr)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "init-config [dir]",
		Short: "在目录中生成 config.json 与 .env 模板（已存在则跳过，不覆盖）",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 && strings.TrimSpace(args[0]) != "" {
				dir = strings.TrimSpace(args[0])
			}
			if err := initConfig(dir, stdout); err != nil {
				fprintf(stderr, "生成默认配置失败: %v\n", err)
				return fail(exitStartup, err)
			}
			return nil
		},
	})
	return root
}

// loadConfig 按优先级合成最终配置：默认 → 文件 → .env/ENV → CLI。
func loadConfig(fl *flags, roots []string) (cfgpkg.Config, error) {
	// .env 不覆盖已有环境变量
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return cfgpkg.Config{}, fmt.Errorf(".env: %w", err)
		}
	}
	path := fl.config
	if path == "" {
		path = os.Getenv("QUIZGEN_CONFIG_FILE")
	}
	if path == "" {
		for _, p := range []string{"config.json", "config.yaml", "config.yml"} {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}
	cfg := cfgpkg.Defaults()
	if path != "" {
		base, err := cfgpkg.Load(path)
		if err != nil {
			return cfg, fmt.Errorf("配置解析失败 %s: %w", path, err)
		}
		cfg = cfgpkg.Merge(cfg, base)
	}
	overEnv, err := cfgpkg.EnvOverlay(os.Environ())
	if err != nil {
		return cfg, fmt.Errorf("环境变量解析失败: %w", err)
	}
	cfg = cfgpkg.Merge(cfg, overEnv)

	over := cfgpkg.Overlay()
	over.LLM = fl.llm
	over.TitlesPath = fl.titles
	over.Logging.Level = fl.logLevel
	if fl.concurrency > 0 {
		over.Concurrency = fl.concurrency
	}
	if fl.maxChapters > 0 {
		over.MaxChaptersPerBook = fl.maxChapters
	}
	over.MaxRetries = fl.maxRetries
	over.MinIntervalMS = fl.intervalMS
	if len(roots) > 0 {
		over.Inputs = roots
	}
	cfg = cfgpkg.Merge(cfg, over)
	if err := cfgpkg.Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// startup 解析配置并装配组件；任何失败均为启动错误。
func startup(ctx context.Context, fl *flags, roots []string, stderr io.Writer) (cfgpkg.Config, pipeline.Components, pipeline.Settings, *diag.Logger, error) {
	corrID := strings.ReplaceAll(uuid.NewString(), "-", "")
	cfg, err := loadConfig(fl, roots)
	if err != nil {
		fprintf(stderr, "配置错误: %v\n", err)
		dumpConfig(stderr, cfg)
		return cfg, pipeline.Components{}, pipeline.Settings{}, nil, fail(exitStartup, err)
	}
	logger := diag.NewLogger(corrID, cfg.Logging.Level)
	start := time.Now()
	comp, set, err := cfgpkg.Assemble(ctx, cfg)
	if err != nil {
		fprintf(stderr, "装配失败: %v\n", err)
		logger.Error("pipeline", string(diag.Classify(err)), err.Error(), &start)
		_ = logger.Close()
		return cfg, comp, set, nil, fail(exitStartup, err)
	}
	logger.DebugStart("config", "effective", "", effectiveKV(cfg))
	return cfg, comp, set, logger, nil
}

func runE(ctx context.Context, fl *flags, roots []string, stderr io.Writer) error {
	cfg, comp, set, logger, err := startup(ctx, fl, roots, stderr)
	if err != nil {
		return err
	}
	defer logger.Close()
	defer comp.Store.Close()

	set.Terminal = diag.NewTerminal(stderr, fl.status)
	start := time.Now()
	t := logger.Start("pipeline", "run")
	sum, err := pipelineRun(ctx, comp, set, logger)
	writeMetrics(cfg, logger, stderr)
	if err != nil {
		code := diag.Classify(err)
		logger.Error("pipeline", string(code), err.Error(), &start)
		diag.IncOp("pipeline", "error", "error")
		diag.IncError("pipeline", string(code))
		switch {
		case errors.Is(err, context.Canceled) || ctx.Err() != nil:
			fprintf(stderr, "已中断：成功 %d | 失败 %d | 输出 %s（未完成单元将在下次运行继续）\n", sum.Succeeded, sum.Failed, comp.Store.Location())
			return fail(exitCanceled, err)
		case errors.Is(err, contract.ErrStoreAppend):
			fprintf(stderr, "写入存储失败，已中止: %v\n", err)
			return fail(exitRun, err)
		default:
			// 其余错误均发生在生成开始前（语料缺失、存储扫描失败、预算不足等）
			fprintf(stderr, "启动失败: %v\n", err)
			return fail(exitStartup, err)
		}
	}
	t.Finish("run", int64(sum.Succeeded))
	diag.IncOp("pipeline", "finish", "success")
	diag.ObserveDuration("pipeline", "finish", time.Since(start).Milliseconds())
	logger.InfoFinish("pipeline", "summary", start, int64(sum.Attempted))
	if sum.SkippedLines > 0 {
		set.Terminal.Note("warn", fmt.Sprintf("存储中有 %d 行无法解析，已跳过", sum.SkippedLines))
	}
	return nil
}

func planE(ctx context.Context, fl *flags, roots []string, stdout, stderr io.Writer) error {
	_, comp, set, logger, err := startup(ctx, fl, roots, stderr)
	if err != nil {
		return err
	}
	defer logger.Close()
	defer comp.Store.Close()

	rep, err := pipelinePrepare(ctx, comp, set, logger)
	if err != nil {
		fprintf(stderr, "计划失败: %v\n", err)
		if errors.Is(err, context.Canceled) {
			return fail(exitCanceled, err)
		}
		return fail(exitStartup, err)
	}
	for _, b := range rep.Books() {
		line := fmt.Sprintf("《%s》 %s | 章节 %d | 单元 %d | 待生成 %d", b.Title, b.FileID, b.Chunks, b.Units, b.Outstanding)
		if b.Dropped > 0 {
			line += fmt.Sprintf(" | 截断 %d", b.Dropped)
		}
		fprintf(stdout, "%s\n", line)
	}
	fprintf(stdout, "合计 单元 %d | 已完成 %d | 待生成 %d | 跳过坏行 %d | 存储 %s\n",
		len(rep.Plan.Jobs), len(rep.Plan.Jobs)-len(rep.Outstanding), len(rep.Outstanding), rep.Ledger.Skipped(), comp.Store.Location())
	return nil
}

func writeMetrics(cfg cfgpkg.Config, logger *diag.Logger, stderr io.Writer) {
	if cfg.Metrics.Textfile == "" {
		return
	}
	if err := diag.WriteTextfile(cfg.Metrics.Textfile); err != nil {
		logger.Error("metrics", string(diag.Classify(err)), err.Error(), nil)
		fprintf(stderr, "指标文件写入失败: %v\n", err)
	}
}

// effectiveKV: 运行配置摘要（不含密钥）。
func effectiveKV(cfg cfgpkg.Config) map[string]string {
	kv := map[string]string{
		"inputs_count":    fmt.Sprintf("%d", len(cfg.Inputs)),
		"concurrency":     fmt.Sprintf("%d", cfg.Concurrency),
		"min_interval_ms": fmt.Sprintf("%d", cfg.MinIntervalMS),
		"max_retries":     fmt.Sprintf("%d", cfg.MaxRetries),
		"llm":             cfg.LLM,
		"store":           cfg.Components.Store,
		"titles_path":     cfg.TitlesPath,
	}
	if p, ok := cfg.Provider[cfg.LLM]; ok {
		kv["provider_client"] = p.Client
		var s struct {
			Preset  string `json:"preset"`
			BaseURL string `json:"base_url"`
			Model   string `json:"model"`
			Host    string `json:"host"`
		}
		_ = json.Unmarshal(p.Options, &s)
		for k, v := range map[string]string{"preset": s.Preset, "base_url": s.BaseURL, "model": s.Model, "host": s.Host} {
			if v != "" {
				kv[k] = v
			}
		}
	}
	return kv
}

// dumpConfig 打印有效配置以便诊断；provider options 中的 api_key 被遮蔽。
func dumpConfig(w io.Writer, c cfgpkg.Config) {
	if len(c.Provider) > 0 {
		prov := make(map[string]cfgpkg.Provider, len(c.Provider))
		for name, p := range c.Provider {
			p.Options = maskKey(p.Options)
			prov[name] = p
		}
		c.Provider = prov
	}
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return
	}
	fprintf(w, "有效配置:\n%s\n", b)
}

func maskKey(raw json.RawMessage) json.RawMessage {
	var m map[string]any
	if len(raw) == 0 || json.Unmarshal(raw, &m) != nil {
		return raw
	}
	if v, ok := m["api_key"].(string); ok && v != "" {
		m["api_key"] = "***"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return raw
	}
	return b
}

func fprintf(w io.Writer, format string, a ...any) { _, _ = fmt.Fprintf(w, format, a...) }
