package config

import "encoding/json"

// DefaultTemplateConfig 返回一个可直接运行的配置模板：
// 默认使用 mock LLM（离线可跑），其余 provider 给出全部选项键，切换 llm 即可。
func DefaultTemplateConfig() Config {
	d := Defaults()
	cfg := Config{
		Inputs:             []string{"books"},
		TitlesPath:         "titles.jsonl",
		Concurrency:        d.Concurrency,
		MinIntervalMS:      d.MinIntervalMS,
		CallTimeoutSeconds: d.CallTimeoutSeconds,
		MaxRetries:         0,
		MaxTokens:          0,
		BytesPerToken:      4,
		Logging:            d.Logging,
		Components:         d.Components,
		LLM:                "mock",
		Provider: map[string]Provider{
			"mock": {
				Client:  "mock",
				Options: json.RawMessage(`{"prefix":"","api_key":"","count":10,"option_count":4,"fence":false,"answer_field":""}`),
				Limits:  Limits{RPM: 60, TPM: 0, MaxTokensPerReq: 0},
			},
			"deepseek": {
				Client: "openai",
				Options: json.RawMessage(`{
  "preset": "deepseek",
  "api_key_env": "DEEPSEEK_API_KEY",
  "timeout_seconds": 120
}`),
				Limits: Limits{RPM: 60},
			},
			"openai": {
				Client: "openai",
				Options: json.RawMessage(`{
  "base_url": "",
  "model": "",
  "api_key_env": "OPENAI_API_KEY",
  "api_key": "",
  "timeout_seconds": 120,
  "temperature": null,
  "endpoint_path": "",
  "disable_default_auth": false,
  "extra_headers": {},
  "disable_json_schema": false
}`),
			},
			"gemini": {
				Client: "gemini",
				Options: json.RawMessage(`{
  "base_url": "",
  "model": "",
  "api_key_env": "GOOGLE_API_KEY",
  "api_key": "",
  "endpoint_path": "",
  "timeout_seconds": 120,
  "api_key_in_query": true,
  "extra_headers": {},
  "extra_query": {},
  "response_mime_type": "application/json"
}`),
			},
			"ollama": {
				Client: "ollama",
				Options: json.RawMessage(`{
  "host": "",
  "model": "",
  "timeout_seconds": 300,
  "num_predict": 0,
  "json_mode": true
}`),
			},
		},
	}
	cfg.Options.Reader = json.RawMessage(`{
  "extensions": [".md"],
  "exclude_dir_names": [".git", "node_modules"],
  "max_file_bytes": 0
}`)
	cfg.Options.Segmenter = json.RawMessage(`{
  "marker": "",
  "min_runes": 0
}`)
	cfg.Options.PromptBuilder = json.RawMessage(`{
  "inline_system_template": "",
  "system_template_path": "",
  "level_requirements": {},
  "with_schema": false
}`)
	cfg.Options.Decoder = json.RawMessage(`{
  "max_items": 10,
  "max_options": 4,
  "default_explanation": "",
  "drop_blank_questions": false
}`)
	cfg.Options.Assembler = json.RawMessage(`{"source": "ai_generated_batch"}`)
	cfg.Options.Store = json.RawMessage(`{"path": "output/questions.jsonl"}`)
	return cfg
}
