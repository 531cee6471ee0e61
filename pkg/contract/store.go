package contract

import "context"

// Store: 只追加的记录存储。
// 约束：
//  1. Append 成功返回即已持久（落盘/提交），不得缓冲到下一次调用；
//  2. 单写者：实现内部串行化 Append；
//  3. 记录只追加一次，永不改写/删除；
//  4. Scan 逐条回调身份三元组，无法解析的条目跳过并计数，不中断扫描。
type Store interface {
	Scan(ctx context.Context, yield func(u WorkUnit) error) (skipped int, err error)
	Append(ctx context.Context, rec QuestionRecord) error
	// Location: 面向用户的存储位置描述（路径或脱敏 DSN）。
	Location() string
	Close() error
}
