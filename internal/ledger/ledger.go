package ledger

import (
	"context"
	"fmt"

	"quizgen/pkg/contract"
)

// Ledger: 已完成单元的身份集合，由存储全量扫描得出，不单独持久化。
// 运行开始时读取一次，运行中不再刷新。
type Ledger struct {
	done    map[contract.WorkUnit]int
	records int
	skipped int
}

// Load 扫描存储重建台账。无法解析的条目由存储跳过并计数，不中断扫描。
func Load(ctx context.Context, st contract.Store) (*Ledger, error) {
	l := &Ledger{done: map[contract.WorkUnit]int{}}
	if st == nil {
		return l, nil
	}
	skipped, err := st.Scan(ctx, func(u contract.WorkUnit) error {
		l.done[u]++
		l.records++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: scan %s: %w", st.Location(), err)
	}
	l.skipped = skipped
	return l, nil
}

// Contains 判断单元是否已有至少一条记录。
func (l *Ledger) Contains(u contract.WorkUnit) bool {
	_, ok := l.done[u]
	return ok
}

// Len 返回去重后的已完成单元数。
func (l *Ledger) Len() int { return len(l.done) }

// Records 返回扫描到的有效记录总数（含重复）。
func (l *Ledger) Records() int { return l.records }

// Duplicates 返回重复记录数；重复无害，仅用于报告。
func (l *Ledger) Duplicates() int { return l.records - len(l.done) }

// Skipped 返回扫描时跳过的损坏条目数。
func (l *Ledger) Skipped() int { return l.skipped }
