package contract

import "errors"

// 最小错误分类（用于上层策略判定与日志分类）。
var (
	// ErrPathInvalid: 标识映射为无效/越界路径。
	ErrPathInvalid = errors.New("path invalid")
	// ErrBudgetExceeded: 预算或配额不足（如 token 预算、上游配额）。
	ErrBudgetExceeded = errors.New("budget exceeded")
	// ErrInvariantViolation: 领域不变量违例（通用哨兵）。
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrCorpusMissing: 语料根不存在或不可读（启动期致命）。
	ErrCorpusMissing = errors.New("corpus missing")
	// ErrRegistryMissing: 已配置的书名登记表缺失或无效（启动期致命）。
	ErrRegistryMissing = errors.New("title registry missing")
	// ErrStoreAppend: 记录追加失败；持久性无法保证，运行应中止。
	ErrStoreAppend = errors.New("store append failed")
)
