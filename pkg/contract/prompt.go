package contract

import "context"

// Prompt: 不透明载荷，由具体 PromptBuilder/LLMClient 配对解释。
type Prompt any

// Message: 最小会话消息形状（可用于 ChatPrompt）。
type Message struct {
	Role    string
	Content string
}

// TextPrompt: 文本型提示词载荷。
type TextPrompt string

// ChatPrompt: 会话型提示词载荷（最小集合）。
type ChatPrompt []Message

// RoleJSONSchema: 携带输出 schema 的伪角色；客户端取出后从对话中移除。
const RoleJSONSchema = "json_schema"

// PromptBuilder: 基于 Job 构造确定性的 Prompt。
// 约束：
//   - 纯计算，不做 I/O；
//   - 不改写片段原文；
//   - 失败快速返回错误。
type PromptBuilder interface {
	Build(ctx context.Context, j Job) (Prompt, error)
	// EstimateOverheadTokens: 估算与片段无关的固定提示词开销（system 模板骨架 + schema）。
	EstimateOverheadTokens(estimate TokenEstimator) int
}

// TokenEstimator: 文本→token 的近似估算函数。
// 典型实现：ceil(len(utf8_bytes)/BytesPerToken)。
type TokenEstimator func(s string) int
