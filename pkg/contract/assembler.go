package contract

import "context"

// Assembler: 将归一化题目装配为可持久化记录（补齐 _id/时间/来源/版本）。
// 纯计算，不做 I/O。
type Assembler interface {
	Assemble(ctx context.Context, u WorkUnit, items []QuestionItem) (QuestionRecord, error)
}
