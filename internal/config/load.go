package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvPrefix: 环境变量覆盖前缀。
const EnvPrefix = "QUIZGEN_"

// Defaults 返回带有安全默认值的 Config 雏形。
// 注意：LLM 不设默认（必须由配置文件/ENV/CLI 提供）。
func Defaults() Config {
	return Config{
		Concurrency:        1,
		MinIntervalMS:      1000,
		CallTimeoutSeconds: 120,
		MaxRetries:         0,
		Logging:            Logging{Level: "info"},
		Components: Components{
			Reader:        "fs",
			Segmenter:     "markdown",
			PromptBuilder: "quiz",
			Decoder:       "quizjson",
			Assembler:     "record",
			Store:         "jsonl",
		},
	}
}

// Overlay 返回空覆盖层。0 有语义的字段以 -1 表示“未出现”，以便 Merge 区分。
func Overlay() Config {
	return Config{MaxRetries: -1, MinIntervalMS: -1}
}

// Load 按扩展名选择解析器：.yaml/.yml 走 YAML，其余按 JSON。
func Load(path string) (Config, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return LoadYAML(path, nil)
	default:
		return LoadJSON(path, nil)
	}
}

// LoadJSON 从文件路径或原始 JSON 解析 Config（严格拒绝未知字段）。
func LoadJSON(path string, raw []byte) (Config, error) {
	r, closeFn, err := open(path, raw)
	if err != nil {
		return Config{}, err
	}
	defer closeFn()
	return decodeJSON(r)
}

// LoadYAML 解析 YAML 配置。options 子树需原样转交工厂，
// 故先解码为通用文档，再转成 JSON 走同一套严格解码。
func LoadYAML(path string, raw []byte) (Config, error) {
	r, closeFn, err := open(path, raw)
	if err != nil {
		return Config{}, err
	}
	defer closeFn()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var doc any
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return Overlay(), nil
		}
		return Config{}, fmt.Errorf("config: yaml: %w", err)
	}
	if doc == nil {
		return Overlay(), nil
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return Config{}, fmt.Errorf("config: yaml to json: %w", err)
	}
	return decodeJSON(bytes.NewReader(b))
}

func open(path string, raw []byte) (io.Reader, func(), error) {
	switch {
	case len(raw) > 0:
		return bytes.NewReader(raw), func() {}, nil
	case path != "":
		f, err := os.Open(path)
		if err != nil {
			return nil, nil, err
		}
		return f, func() { _ = f.Close() }, nil
	default:
		return nil, nil, errors.New("no config source provided")
	}
}

func decodeJSON(r io.Reader) (Config, error) {
	cfg := Overlay()
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Merge 按优先级合并（后者覆盖前者）。
// 仅标量/字符串/原样 JSON 为“替换”；不做深度合并。
func Merge(base, over Config) Config {
	out := base
	if len(over.Inputs) > 0 {
		out.Inputs = cloneStrings(over.Inputs)
	}
	if strings.TrimSpace(over.TitlesPath) != "" {
		out.TitlesPath = strings.TrimSpace(over.TitlesPath)
	}
	if over.TrimNameDecorations {
		out.TrimNameDecorations = true
	}
	if over.MaxChaptersPerBook != 0 {
		out.MaxChaptersPerBook = over.MaxChaptersPerBook
	}
	if over.Concurrency != 0 {
		out.Concurrency = over.Concurrency
	}
	// 0 表示“不节拍”，需可显式覆盖；-1 视为未出现。
	if over.MinIntervalMS >= 0 {
		out.MinIntervalMS = over.MinIntervalMS
	}
	if over.CallTimeoutSeconds != 0 {
		out.CallTimeoutSeconds = over.CallTimeoutSeconds
	}
	// 0 表示禁用重试，同上。
	if over.MaxRetries >= 0 {
		out.MaxRetries = over.MaxRetries
	}
	if over.MaxTokens != 0 {
		out.MaxTokens = over.MaxTokens
	}
	if over.BytesPerToken != 0 {
		out.BytesPerToken = over.BytesPerToken
	}
	if strings.TrimSpace(over.Logging.Level) != "" {
		out.Logging.Level = strings.TrimSpace(over.Logging.Level)
	}
	if strings.TrimSpace(over.Metrics.Textfile) != "" {
		out.Metrics.Textfile = strings.TrimSpace(over.Metrics.Textfile)
	}

	// 组件名（空不覆盖）
	pick := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	pick(&out.Components.Reader, over.Components.Reader)
	pick(&out.Components.Segmenter, over.Components.Segmenter)
	pick(&out.Components.PromptBuilder, over.Components.PromptBuilder)
	pick(&out.Components.Decoder, over.Components.Decoder)
	pick(&out.Components.Assembler, over.Components.Assembler)
	pick(&out.Components.Store, over.Components.Store)

	// Provider：同名条目按字段覆盖（非零值生效）
	if len(over.Provider) > 0 {
		prov := make(map[string]Provider, len(out.Provider)+len(over.Provider))
		for k, v := range out.Provider {
			prov[k] = v
		}
		for k, v := range over.Provider {
			prov[k] = mergeProvider(prov[k], v)
		}
		out.Provider = prov
	}

	// Options（完整替换对应键）
	raw := func(dst *json.RawMessage, v json.RawMessage) {
		if len(v) > 0 {
			*dst = cloneRaw(v)
		}
	}
	raw(&out.Options.Reader, over.Options.Reader)
	raw(&out.Options.Segmenter, over.Options.Segmenter)
	raw(&out.Options.PromptBuilder, over.Options.PromptBuilder)
	raw(&out.Options.Decoder, over.Options.Decoder)
	raw(&out.Options.Assembler, over.Options.Assembler)
	raw(&out.Options.Store, over.Options.Store)

	if strings.TrimSpace(over.LLM) != "" {
		out.LLM = strings.TrimSpace(over.LLM)
	}
	return out
}

// EnvOverlay 从环境变量构建一个 Config 覆盖（仅解析有限键集合，其余忽略）。
// 支持：INPUTS, TITLES_PATH, TRIM_NAME_DECORATIONS, MAX_CHAPTERS_PER_BOOK, CONCURRENCY,
// MIN_INTERVAL_MS, CALL_TIMEOUT_SECONDS, MAX_RETRIES, MAX_TOKENS, BYTES_PER_TOKEN,
// LOG_LEVEL, METRICS_TEXTFILE, LLM, COMPONENTS_*, OPTIONS_<COMPONENT>_JSON
// 以及 PROVIDER__<name>__CLIENT / PROVIDER__<name>__LIMITS_{RPM,TPM,MAX_TOKENS_PER_REQ} / PROVIDER__<name>__OPTIONS_JSON
func EnvOverlay(environ []string) (Config, error) {
	over := Overlay()
	prov := map[string]Provider{}
	for _, kv := range environ {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq <= len(EnvPrefix) {
			continue
		}
		nk := strings.TrimPrefix(kv[:eq], EnvPrefix)
		val := kv[eq+1:]
		tv := strings.TrimSpace(val)
		setInt := func(dst *int) error {
			if tv == "" {
				return nil
			}
			v, err := atoi(tv)
			if err != nil {
				return fmt.Errorf("config: env %s%s: %w", EnvPrefix, nk, err)
			}
			*dst = v
			return nil
		}
		var err error
		switch nk {
		case "INPUTS":
			over.Inputs = splitComma(val)
		case "TITLES_PATH":
			over.TitlesPath = tv
		case "TRIM_NAME_DECORATIONS":
			if tv != "" {
				b, perr := strconv.ParseBool(tv)
				if perr != nil {
					return Config{}, fmt.Errorf("config: env %s%s: %w", EnvPrefix, nk, perr)
				}
				over.TrimNameDecorations = b
			}
		case "MAX_CHAPTERS_PER_BOOK":
			err = setInt(&over.MaxChaptersPerBook)
		case "CONCURRENCY":
			err = setInt(&over.Concurrency)
		case "MIN_INTERVAL_MS":
			err = setInt(&over.MinIntervalMS)
		case "CALL_TIMEOUT_SECONDS":
			err = setInt(&over.CallTimeoutSeconds)
		case "MAX_RETRIES":
			err = setInt(&over.MaxRetries)
		case "MAX_TOKENS":
			err = setInt(&over.MaxTokens)
		case "BYTES_PER_TOKEN":
			err = setInt(&over.BytesPerToken)
		case "LOG_LEVEL":
			over.Logging.Level = tv
		case "METRICS_TEXTFILE":
			over.Metrics.Textfile = tv
		case "LLM":
			over.LLM = tv
		case "COMPONENTS_READER":
			over.Components.Reader = tv
		case "COMPONENTS_SEGMENTER":
			over.Components.Segmenter = tv
		case "COMPONENTS_PROMPT_BUILDER":
			over.Components.PromptBuilder = tv
		case "COMPONENTS_DECODER":
			over.Components.Decoder = tv
		case "COMPONENTS_ASSEMBLER":
			over.Components.Assembler = tv
		case "COMPONENTS_STORE":
			over.Components.Store = tv
		case "OPTIONS_READER_JSON":
			over.Options.Reader = rawOrNil(tv)
		case "OPTIONS_SEGMENTER_JSON":
			over.Options.Segmenter = rawOrNil(tv)
		case "OPTIONS_PROMPT_BUILDER_JSON":
			over.Options.PromptBuilder = rawOrNil(tv)
		case "OPTIONS_DECODER_JSON":
			over.Options.Decoder = rawOrNil(tv)
		case "OPTIONS_ASSEMBLER_JSON":
			over.Options.Assembler = rawOrNil(tv)
		case "OPTIONS_STORE_JSON":
			over.Options.Store = rawOrNil(tv)
		default:
			if strings.HasPrefix(nk, "PROVIDER__") {
				err = providerEnv(prov, nk, tv)
			}
		}
		if err != nil {
			return Config{}, err
		}
	}
	if len(prov) > 0 {
		over.Provider = prov
	}
	return over, nil
}

// providerEnv: PROVIDER__name__FIELD。仅在发生有效变更时记录该 provider，避免空值覆盖配置文件。
func providerEnv(prov map[string]Provider, nk, val string) error {
	parts := strings.Split(nk, "__")
	if len(parts) < 3 {
		return nil
	}
	name := strings.TrimSpace(parts[1])
	if name == "" {
		return nil
	}
	field := strings.Join(parts[2:], "__")
	p := prov[name]
	changed := false
	num := func(dst *int) error {
		if val == "" {
			return nil
		}
		v, err := atoi(val)
		if err != nil {
			return fmt.Errorf("config: env %s%s: %w", EnvPrefix, nk, err)
		}
		*dst = v
		changed = true
		return nil
	}
	var err error
	switch field {
	case "CLIENT":
		if val != "" {
			p.Client = val
			changed = true
		}
	case "LIMITS_RPM":
		err = num(&p.Limits.RPM)
	case "LIMITS_TPM":
		err = num(&p.Limits.TPM)
	case "LIMITS_MAX_TOKENS_PER_REQ":
		err = num(&p.Limits.MaxTokensPerReq)
	case "OPTIONS_JSON":
		if val != "" {
			p.Options = json.RawMessage(val)
			changed = true
		}
	}
	if err != nil {
		return err
	}
	if changed {
		prov[name] = p
	}
	return nil
}

func mergeProvider(base, over Provider) Provider {
	out := base
	if over.Client != "" {
		out.Client = over.Client
	}
	if len(over.Options) > 0 {
		out.Options = cloneRaw(over.Options)
	}
	if over.Limits.RPM != 0 {
		out.Limits.RPM = over.Limits.RPM
	}
	if over.Limits.TPM != 0 {
		out.Limits.TPM = over.Limits.TPM
	}
	if over.Limits.MaxTokensPerReq != 0 {
		out.Limits.MaxTokensPerReq = over.Limits.MaxTokensPerReq
	}
	return out
}

func rawOrNil(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func atoi(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}
