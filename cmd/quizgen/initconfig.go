package main

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	cfgpkg "quizgen/internal/config"
)

// initConfig 在 dir 下生成 config.json 与 .env 模板；已存在的文件保持不动。
func initConfig(dir string, stdout io.Writer) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	cfgPath := filepath.Join(dir, "config.json")
	wrote, err := writeConfig(cfgPath, cfgpkg.DefaultTemplateConfig())
	if err != nil {
		return err
	}
	report(stdout, cfgPath, wrote)

	envPath := filepath.Join(dir, ".env")
	wrote, err = writeNew(envPath, []byte(dotEnvTemplate()))
	if err != nil {
		return err
	}
	report(stdout, envPath, wrote)
	return nil
}

func report(w io.Writer, path string, wrote bool) {
	if wrote {
		fprintf(w, "已生成 %s\n", path)
		return
	}
	fprintf(w, "已存在，跳过 %s\n", path)
}

func writeConfig(path string, c cfgpkg.Config) (bool, error) {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return false, err
	}
	return writeNew(path, append(b, '\n'))
}

// writeNew 以 O_EXCL 创建文件；文件已存在返回 (false, nil)。
func writeNew(path string, data []byte) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return false, err
	}
	return true, f.Close()
}

func dotEnvTemplate() string {
	var b strings.Builder
	b.WriteString("# quizgen .env 模板（由 init-config 生成）\n")
	b.WriteString("# 优先级：CLI > ENV(.env) > 配置文件 > 默认值；已存在的环境变量不会被 .env 覆盖。\n")
	b.WriteString("# 空值表示未设置。\n\n")

	b.WriteString("# 配置文件（.json/.yaml）\n")
	b.WriteString("QUIZGEN_CONFIG_FILE=\n\n")

	b.WriteString("# 运行参数覆盖\n")
	for _, k := range []string{
		"INPUTS", "TITLES_PATH", "TRIM_NAME_DECORATIONS", "MAX_CHAPTERS_PER_BOOK",
		"CONCURRENCY", "MIN_INTERVAL_MS", "CALL_TIMEOUT_SECONDS", "MAX_RETRIES",
		"MAX_TOKENS", "BYTES_PER_TOKEN", "LOG_LEVEL", "METRICS_TEXTFILE", "LLM",
	} {
		b.WriteString(cfgpkg.EnvPrefix + k + "=\n")
	}
	b.WriteString("\n# 组件选择与选项（原样 JSON）\n")
	for _, c := range []string{"READER", "SEGMENTER", "PROMPT_BUILDER", "DECODER", "ASSEMBLER", "STORE"} {
		b.WriteString(cfgpkg.EnvPrefix + "COMPONENTS_" + c + "=\n")
		b.WriteString(cfgpkg.EnvPrefix + "OPTIONS_" + c + "_JSON=\n")
	}

	b.WriteString("\n# Provider 覆盖（deepseek）\n")
	for _, f := range []string{"CLIENT", "LIMITS_RPM", "LIMITS_TPM", "LIMITS_MAX_TOKENS_PER_REQ", "OPTIONS_JSON"} {
		b.WriteString(cfgpkg.EnvPrefix + "PROVIDER__deepseek__" + f + "=\n")
	}

	b.WriteString("\n# 供应商 API Key（由客户端按 api_key_env 读取）\n")
	b.WriteString("DEEPSEEK_API_KEY=\n")
	b.WriteString("OPENAI_API_KEY=\n")
	b.WriteString("GOOGLE_API_KEY=\n")
	b.WriteString("OLLAMA_HOST=\n")
	b.WriteString("\n# postgres 存储连接串\n")
	b.WriteString("QUIZGEN_PG_DSN=\n")
	return b.String()
}
