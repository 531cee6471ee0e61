package plan

import (
	"context"
	"fmt"

	"quizgen/pkg/contract"
)

// Resolver: 原始文件名 → 规范书名（总是成功）。
type Resolver interface {
	Resolve(raw string) string
}

// Options: 枚举配置。
type Options struct {
	// MaxChaptersPerBook: 每本书只取前 N 个存活片段；<=0 表示全部。
	// 截断发生在枚举阶段，先于与台账求差。
	MaxChaptersPerBook int
}

// Book: 单本书的枚举结果摘要（供 plan 输出与日志）。
type Book struct {
	FileID   contract.FileID
	RawName  string
	Title    string
	Chunks   int // 截断后的片段数
	Dropped  int // 因截断舍弃的片段数
	Units    int
	FirstSeq int // 本书首个 Job 的 Seq
}

// Plan: 完整工作集，顺序为 书 × 片段 × 等级。
type Plan struct {
	Jobs  []contract.Job
	Books []Book
}

// Enumerate 遍历语料并展开全部工作单元。
// 同一语料与登记表下结果逐字节一致。
func Enumerate(ctx context.Context, rd contract.Reader, roots []string, seg contract.Segmenter, res Resolver, opts Options) (*Plan, error) {
	if rd == nil || seg == nil || res == nil {
		return nil, fmt.Errorf("plan: %w: nil component", contract.ErrInvalidInput)
	}
	p := &Plan{}
	err := rd.Iterate(ctx, roots, func(doc contract.Document) error {
		chunks, err := seg.Segment(ctx, doc)
		if err != nil {
			return fmt.Errorf("plan: segment %s: %w", doc.FileID, err)
		}
		title := res.Resolve(doc.RawName)
		b := Book{FileID: doc.FileID, RawName: doc.RawName, Title: title, FirstSeq: len(p.Jobs)}
		if n := opts.MaxChaptersPerBook; n > 0 && len(chunks) > n {
			b.Dropped = len(chunks) - n
			chunks = chunks[:n]
		}
		b.Chunks = len(chunks)
		for _, c := range chunks {
			for _, lv := range contract.Levels {
				p.Jobs = append(p.Jobs, contract.Job{
					Unit: contract.WorkUnit{Book: title, Chapter: c.Chapter, Level: lv},
					Text: c.Text,
					Seq:  len(p.Jobs),
				})
				b.Units++
			}
		}
		p.Books = append(p.Books, b)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Units 返回按枚举顺序排列的身份序列。
func (p *Plan) Units() []contract.WorkUnit {
	out := make([]contract.WorkUnit, len(p.Jobs))
	for i, j := range p.Jobs {
		out[i] = j.Unit
	}
	return out
}

// Done: 台账查询。
type Done interface {
	Contains(u contract.WorkUnit) bool
}

// Diff 返回未完成的 Job，保持输入顺序；不做额外去重。
func Diff(jobs []contract.Job, done Done) []contract.Job {
	out := make([]contract.Job, 0, len(jobs))
	for _, j := range jobs {
		if done != nil && done.Contains(j.Unit) {
			continue
		}
		out = append(out, j)
	}
	return out
}
