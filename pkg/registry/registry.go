package registry

import (
	"bytes"
	"context"
	"encoding/json"

	"quizgen/pkg/contract"
	arec "quizgen/plugins/assembler/record"
	dquiz "quizgen/plugins/decoder/quizjson"
	flaky "quizgen/plugins/llmclient/flaky"
	gmi "quizgen/plugins/llmclient/gemini"
	mock "quizgen/plugins/llmclient/mock"
	olm "quizgen/plugins/llmclient/ollama"
	oai "quizgen/plugins/llmclient/openai"
	pquiz "quizgen/plugins/prompt/quiz"
	rfs "quizgen/plugins/reader/filesystem"
	smd "quizgen/plugins/splitter/markdown"
	sjsonl "quizgen/plugins/store/jsonl"
	spg "quizgen/plugins/store/postgres"
	ssql "quizgen/plugins/store/sqlite"
)

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		// 保持零值（默认选项）
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// NewReader 工厂签名：接收原样 JSON Options。
type NewReader func(raw json.RawMessage) (contract.Reader, error)

// NewSegmenter 工厂签名：接收原样 JSON Options。
type NewSegmenter func(raw json.RawMessage) (contract.Segmenter, error)

// NewPromptBuilder 工厂签名：接收原样 JSON Options。
type NewPromptBuilder func(raw json.RawMessage) (contract.PromptBuilder, error)

// NewLLMClient 工厂签名：接收原样 JSON Options。
type NewLLMClient func(raw json.RawMessage) (contract.LLMClient, error)

// NewDecoder 工厂签名：接收原样 JSON Options。
type NewDecoder func(raw json.RawMessage) (contract.Decoder, error)

// NewAssembler 工厂签名：接收原样 JSON Options。
type NewAssembler func(raw json.RawMessage) (contract.Assembler, error)

// NewStore 工厂签名：打开存储可能涉及网络/磁盘，故接收 ctx。
type NewStore func(ctx context.Context, raw json.RawMessage) (contract.Store, error)

// Reader 工厂注册表（显式、零反射）。
var Reader = map[string]NewReader{
	// fs: 文件/目录语料
	"fs": func(raw json.RawMessage) (contract.Reader, error) {
		var opts rfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return rfs.New(&opts), nil
	},
}

// Segmenter 工厂注册表。
var Segmenter = map[string]NewSegmenter{
	// markdown: 按分块标记切分章节
	"markdown": func(raw json.RawMessage) (contract.Segmenter, error) {
		var opts smd.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return smd.New(&opts), nil
	},
}

// PromptBuilder 工厂注册表。
var PromptBuilder = map[string]NewPromptBuilder{
	// quiz: 分级阅读题 PromptBuilder（system 模板 + 片段原文）
	"quiz": func(raw json.RawMessage) (contract.PromptBuilder, error) {
		var opts pquiz.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return pquiz.New(&opts)
	},
}

// LLMClient 工厂注册表。各客户端自行解析选项（API Key 在构造时一次性解析）。
var LLMClient = map[string]NewLLMClient{
	"openai": func(raw json.RawMessage) (contract.LLMClient, error) { return oai.New(raw) },
	"gemini": func(raw json.RawMessage) (contract.LLMClient, error) { return gmi.New(raw) },
	"ollama": func(raw json.RawMessage) (contract.LLMClient, error) { return olm.New(raw) },
	"mock":   func(raw json.RawMessage) (contract.LLMClient, error) { return mock.New(raw) },
	"flaky":  func(raw json.RawMessage) (contract.LLMClient, error) { return flaky.New(raw) },
}

// Decoder 工厂注册表。
var Decoder = map[string]NewDecoder{
	// quizjson: 剥离围栏、解析题目数组并归一化
	"quizjson": func(raw json.RawMessage) (contract.Decoder, error) {
		var opts dquiz.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return dquiz.New(&opts), nil
	},
}

// Assembler 工厂注册表。
var Assembler = map[string]NewAssembler{
	// record: 补齐 _id/created_at/source/version
	"record": func(raw json.RawMessage) (contract.Assembler, error) {
		var opts arec.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return arec.New(&opts), nil
	},
}

// Store 工厂注册表。
var Store = map[string]NewStore{
	// jsonl: 只追加 JSONL 文件（云数据库导入格式）
	"jsonl": func(_ context.Context, raw json.RawMessage) (contract.Store, error) {
		var opts sjsonl.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return sjsonl.New(&opts)
	},
	"sqlite": func(ctx context.Context, raw json.RawMessage) (contract.Store, error) {
		var opts ssql.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return ssql.New(ctx, &opts)
	},
	"postgres": func(ctx context.Context, raw json.RawMessage) (contract.Store, error) {
		var opts spg.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return spg.New(ctx, &opts)
	},
}
