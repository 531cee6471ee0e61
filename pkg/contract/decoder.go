package contract

import "context"

// Decoder: 将 Raw 解析并归一化为题目列表。
// 约束：永不假设响应良构；无法得到任何可用题目时返回 ErrResponseInvalid。
type Decoder interface {
	Decode(ctx context.Context, u WorkUnit, raw Raw) ([]QuestionItem, error)
}
