package record

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"quizgen/pkg/contract"
)

// Options: 记录装配配置。
type Options struct {
	// Source: 来源标记；为空使用 contract.SourceBatch。
	Source string `json:"source"`
}

// Assembler 为题目补齐 _id、时间、来源与版本。
type Assembler struct {
	source string
	newID  func() string
	now    func() time.Time
}

// New 创建装配器。
func New(opts *Options) *Assembler {
	a := &Assembler{source: contract.SourceBatch, newID: NewID, now: time.Now}
	if opts != nil && strings.TrimSpace(opts.Source) != "" {
		a.source = strings.TrimSpace(opts.Source)
	}
	return a
}

var _ contract.Assembler = (*Assembler)(nil)

// NewID 生成 32 位十六进制随机 ID（UUIDv4 去连字符）。
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Assemble 校验身份与题目后构造记录。
func (a *Assembler) Assemble(ctx context.Context, u contract.WorkUnit, items []contract.QuestionItem) (contract.QuestionRecord, error) {
	select {
	case <-ctx.Done():
		return contract.QuestionRecord{}, ctx.Err()
	default:
	}
	if strings.TrimSpace(u.Book) == "" || strings.TrimSpace(u.Chapter) == "" || !u.Level.Valid() {
		return contract.QuestionRecord{}, fmt.Errorf("assemble %s: %w: bad identity", u, contract.ErrInvariantViolation)
	}
	if len(items) == 0 || len(items) > contract.QuestionsPerUnit {
		return contract.QuestionRecord{}, fmt.Errorf("assemble %s: %w: %d items", u, contract.ErrInvariantViolation, len(items))
	}
	for i, q := range items {
		if q.ID != i+1 || len(q.Options) > contract.MaxOptions {
			return contract.QuestionRecord{}, fmt.Errorf("assemble %s: %w: item %d", u, contract.ErrInvariantViolation, i)
		}
	}
	qs := make([]contract.QuestionItem, len(items))
	copy(qs, items)
	return contract.QuestionRecord{
		ID:        a.newID(),
		BookName:  u.Book,
		Chapter:   u.Chapter,
		Level:     u.Level,
		Questions: qs,
		CreatedAt: contract.NewDate(a.now()),
		Source:    a.source,
		Version:   contract.RecordVersion,
	}, nil
}
