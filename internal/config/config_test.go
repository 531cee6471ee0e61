package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"quizgen/pkg/contract"
)

// UT-CFG-01: 解析完整 config.json，并与默认值合并
func TestLoadJSON(t *testing.T) {
	raw, err := Load("testdata/basic.json")
	if err != nil {
		t.Fatalf("加载失败: %v", err)
	}
	if raw.LLM != "gemini" || raw.Concurrency != 2 || raw.Components.Reader != "fs" {
		t.Fatalf("字段映射错误: %+v", raw)
	}
	cfg := Merge(Defaults(), raw)
	if cfg.MinIntervalMS != 0 {
		t.Fatalf("显式 0 应覆盖默认节拍, got %d", cfg.MinIntervalMS)
	}
	if cfg.CallTimeoutSeconds != 120 || cfg.MaxRetries != 1 || cfg.Logging.Level != "debug" {
		t.Fatalf("合并结果错误: %+v", cfg)
	}
	if cfg.Components.Segmenter != "markdown" || cfg.Components.Store != "jsonl" {
		t.Fatalf("组件默认名丢失: %+v", cfg.Components)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("校验失败: %v", err)
	}
}

// UT-CFG-02: YAML 与 JSON 等价，options 子树原样转交
func TestLoadYAML(t *testing.T) {
	raw, err := Load("testdata/basic.yaml")
	if err != nil {
		t.Fatalf("加载失败: %v", err)
	}
	if len(raw.Inputs) != 2 || raw.Inputs[1] != "extra/城南旧事.md" {
		t.Fatalf("inputs 解析错误: %v", raw.Inputs)
	}
	if !raw.TrimNameDecorations || raw.MaxChaptersPerBook != 3 || raw.Metrics.Textfile != "out/quizgen.prom" {
		t.Fatalf("标量解析错误: %+v", raw)
	}
	if raw.MaxRetries != -1 || raw.MinIntervalMS != -1 {
		t.Fatalf("缺省键应保持未设置: %+v", raw)
	}
	p := raw.Provider["local"]
	if p.Client != "ollama" || p.Limits.RPM != 20 {
		t.Fatalf("provider 解析错误: %+v", p)
	}
	var opts struct {
		Host     string `json:"host"`
		JSONMode bool   `json:"json_mode"`
	}
	if err := json.Unmarshal(p.Options, &opts); err != nil || opts.Host != "http://127.0.0.1:11434" || !opts.JSONMode {
		t.Fatalf("provider options 转换错误: %s (%v)", p.Options, err)
	}
	if !strings.Contains(string(raw.Options.Decoder), `"drop_blank_questions":true`) {
		t.Fatalf("decoder options 转换错误: %s", raw.Options.Decoder)
	}
	cfg := Merge(Defaults(), raw)
	if cfg.MinIntervalMS != 1000 || cfg.MaxRetries != 0 || cfg.CallTimeoutSeconds != 30 {
		t.Fatalf("合并结果错误: %+v", cfg)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("校验失败: %v", err)
	}
}

// UT-CFG-03: 未知字段在解析期失败
func TestLoadUnknown(t *testing.T) {
	if _, err := LoadJSON("", []byte(`{"unknown":1}`)); err == nil {
		t.Fatalf("JSON 未知字段应报错")
	}
	if _, err := LoadYAML("", []byte("concurrency: 1\nunknown: 2\n")); err == nil {
		t.Fatalf("YAML 未知字段应报错")
	}
	if _, err := LoadYAML("", []byte("logging:\n  level: info\n  file: x\n")); err == nil {
		t.Fatalf("YAML 嵌套未知字段应报错")
	}
	if _, err := LoadJSON("", nil); err == nil {
		t.Fatalf("无来源应报错")
	}
	cfg, err := LoadYAML("", []byte("# only comment\n"))
	if err != nil || cfg.MaxRetries != -1 {
		t.Fatalf("空文档应视为空覆盖: %+v %v", cfg, err)
	}
}

// UT-CFG-04: ENV 覆盖
func TestEnvOverlay(t *testing.T) {
	env := []string{
		"QUIZGEN_INPUTS=a, b",
		"QUIZGEN_CONCURRENCY=3",
		"QUIZGEN_MIN_INTERVAL_MS=0",
		"QUIZGEN_TRIM_NAME_DECORATIONS=true",
		"QUIZGEN_LLM=mock",
		"QUIZGEN_LOG_LEVEL=warn",
		"QUIZGEN_COMPONENTS_STORE=sqlite",
		"QUIZGEN_OPTIONS_STORE_JSON={\"path\":\"q.db\"}",
		"QUIZGEN_PROVIDER__mock__CLIENT=mock",
		"QUIZGEN_PROVIDER__mock__LIMITS_RPM=5",
		"QUIZGEN_PG_DSN=postgres://x",
		"OTHER=1",
	}
	over, err := EnvOverlay(env)
	if err != nil {
		t.Fatalf("EnvOverlay 错误: %v", err)
	}
	if over.LLM != "mock" || over.Concurrency != 3 || len(over.Inputs) != 2 || over.Inputs[1] != "b" {
		t.Fatalf("覆盖结果不正确: %+v", over)
	}
	if over.MinIntervalMS != 0 || over.MaxRetries != -1 {
		t.Fatalf("0 与未设置应可区分: %+v", over)
	}
	if !over.TrimNameDecorations || over.Logging.Level != "warn" || over.Components.Store != "sqlite" {
		t.Fatalf("覆盖结果不正确: %+v", over)
	}
	if string(over.Options.Store) != `{"path":"q.db"}` {
		t.Fatalf("options 覆盖错误: %s", over.Options.Store)
	}
	if p := over.Provider["mock"]; p.Client != "mock" || p.Limits.RPM != 5 {
		t.Fatalf("provider 覆盖错误: %+v", p)
	}
	if _, err := EnvOverlay([]string{"QUIZGEN_CONCURRENCY=abc"}); err == nil {
		t.Fatalf("非法数字应报错")
	}
	if _, err := EnvOverlay([]string{"QUIZGEN_TRIM_NAME_DECORATIONS=maybe"}); err == nil {
		t.Fatalf("非法布尔应报错")
	}
}

// UT-CFG-05: Merge 不深合并 options，但 provider 按字段覆盖
func TestMerge(t *testing.T) {
	base := DefaultTemplateConfig()
	over, _ := EnvOverlay([]string{"QUIZGEN_PROVIDER__deepseek__LIMITS_RPM=10"})
	got := Merge(base, over)
	p := got.Provider["deepseek"]
	if p.Client != "openai" || p.Limits.RPM != 10 || !strings.Contains(string(p.Options), "deepseek") {
		t.Fatalf("provider 字段覆盖错误: %+v", p)
	}
	if base.Provider["deepseek"].Limits.RPM != 60 {
		t.Fatalf("Merge 不应修改 base")
	}
	got = Merge(base, Config{MaxRetries: -1, MinIntervalMS: -1, Options: Options{Store: json.RawMessage(`{"path":"x"}`)}})
	if string(got.Options.Store) != `{"path":"x"}` || got.MinIntervalMS != base.MinIntervalMS {
		t.Fatalf("options 应整体替换: %s", got.Options.Store)
	}
	if string(got.Options.Decoder) != string(base.Options.Decoder) {
		t.Fatalf("未覆盖的 options 应保留")
	}
}

// UT-CFG-06: Validate 错误分支
func TestValidateErrors(t *testing.T) {
	if err := Validate(Config{}); err == nil {
		t.Fatal("空配置应失败")
	}
	cases := []struct {
		name string
		mut  func(*Config)
	}{
		{"空输入", func(c *Config) { c.Inputs = []string{" "} }},
		{"并发", func(c *Config) { c.Concurrency = 0 }},
		{"节拍", func(c *Config) { c.MinIntervalMS = -1 }},
		{"重试", func(c *Config) { c.MaxRetries = -1 }},
		{"日志等级", func(c *Config) { c.Logging.Level = "trace" }},
		{"未知 llm", func(c *Config) { c.LLM = "nope" }},
		{"缺 client", func(c *Config) { c.Provider["mock"] = Provider{} }},
		{"未注册组件", func(c *Config) { c.Components.Store = "redis" }},
		{"未注册客户端", func(c *Config) { c.Provider["mock"] = Provider{Client: "nope"} }},
		{"超出单请求上限", func(c *Config) {
			c.MaxTokens = 5000
			c.Provider["mock"] = Provider{Client: "mock", Limits: Limits{MaxTokensPerReq: 4096}}
		}},
	}
	for _, c := range cases {
		cfg := DefaultTemplateConfig()
		c.mut(&cfg)
		if err := Validate(cfg); err == nil {
			t.Fatalf("%s: 应失败", c.name)
		}
	}
	if err := Validate(DefaultTemplateConfig()); err != nil {
		t.Fatalf("模板配置应通过校验: %v", err)
	}
}

// UT-CFG-07: 模板可被严格解析（init-config 写出的文件可直接使用）
func TestTemplateStrict(t *testing.T) {
	b, err := json.MarshalIndent(DefaultTemplateConfig(), "", "  ")
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	cfg, err := LoadJSON("", b)
	if err != nil {
		t.Fatalf("模板应可严格解析: %v", err)
	}
	if err := Validate(Merge(Defaults(), cfg)); err != nil {
		t.Fatalf("模板校验失败: %v", err)
	}
}

func assembleConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultTemplateConfig()
	cfg.Inputs = []string{filepath.Join(dir, "books")}
	cfg.TitlesPath = ""
	cfg.Options.Store = json.RawMessage(fmt.Sprintf(`{"path":%q}`, filepath.Join(dir, "out", "q.jsonl")))
	return cfg
}

// UT-CFG-08: Assemble 构造全部组件与运行参数
func TestAssemble(t *testing.T) {
	cfg := assembleConfig(t)
	cfg.MaxChaptersPerBook = 2
	comp, set, err := Assemble(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	defer comp.Store.Close()
	if comp.Reader == nil || comp.Segmenter == nil || comp.Titles == nil || comp.PromptBuilder == nil ||
		comp.LLM == nil || comp.Decoder == nil || comp.Assembler == nil || comp.Store == nil {
		t.Fatalf("组件不完整: %+v", comp)
	}
	if !strings.HasSuffix(comp.Store.Location(), "q.jsonl") {
		t.Fatalf("存储位置错误: %s", comp.Store.Location())
	}
	if set.Gate.Limits(set.GateKey).MinInterval != time.Second || set.CallTimeout != 120*time.Second {
		t.Fatalf("节拍/超时错误: %+v %v", set.Gate.Limits(set.GateKey), set.CallTimeout)
	}
	if set.Gate == nil || !strings.HasPrefix(string(set.GateKey), "mock:") || set.LLMName != "mock" {
		t.Fatalf("限流参数错误: %q %q", set.GateKey, set.LLMName)
	}
	if set.Concurrency != 1 || set.MaxChaptersPerBook != 2 || set.MaxRetries != 0 {
		t.Fatalf("运行参数错误: %+v", set)
	}
	if got := comp.Titles.Resolve("RAG_背影_原著完整版"); got != "RAG_背影_原著完整版" {
		t.Fatalf("空登记表应回退原名: %q", got)
	}
}

// UT-CFG-09: 登记表缺失为启动错误，且不打开存储
func TestAssembleRegistryMissing(t *testing.T) {
	cfg := assembleConfig(t)
	cfg.TitlesPath = filepath.Join(t.TempDir(), "missing.jsonl")
	_, _, err := Assemble(context.Background(), cfg)
	if !errors.Is(err, contract.ErrRegistryMissing) {
		t.Fatalf("期望 ErrRegistryMissing, got %v", err)
	}

	// 登记表存在：按配置去除文件名装饰
	path := filepath.Join(t.TempDir(), "titles.jsonl")
	if err := os.WriteFile(path, []byte(`{"title":"背影"}`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.TitlesPath = path
	cfg.TrimNameDecorations = true
	comp, _, err := Assemble(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	defer comp.Store.Close()
	if got := comp.Titles.Resolve("RAG_城南旧事_全书完整版"); got != "城南旧事" {
		t.Fatalf("去装饰回退错误: %q", got)
	}
}

// UT-CFG-10: 组件选项错误在装配期暴露
func TestAssembleBadOptions(t *testing.T) {
	cfg := assembleConfig(t)
	cfg.Options.Decoder = json.RawMessage(`{"bogus":1}`)
	if _, _, err := Assemble(context.Background(), cfg); err == nil || !strings.Contains(err.Error(), "decoder") {
		t.Fatalf("decoder 未知字段应报错: %v", err)
	}
	cfg = assembleConfig(t)
	cfg.Options.Store = json.RawMessage(`{"path":""}`)
	if _, _, err := Assemble(context.Background(), cfg); !errors.Is(err, contract.ErrPathInvalid) {
		t.Fatalf("空存储路径应报 ErrPathInvalid: %v", err)
	}
}
