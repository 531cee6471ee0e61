package titles

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"quizgen/pkg/contract"
)

// Registry: 已知书名登记表（运行期只读）。
// 按长度降序保存，保证子串匹配时更具体的书名优先。
type Registry struct {
	exact  map[string]struct{}
	byLen  []string
	trim   bool
	Loaded int // 有效书名条数
	Bad    int // 无法解析而跳过的行数
}

// Options: 书名解析配置。
type Options struct {
	// TrimDecorations: 解析前去除语料文件名上的已知前后缀。
	TrimDecorations bool
}

// New 由书名列表构建登记表；空白条目忽略，重复折叠。
func New(list []string, opts *Options) *Registry {
	r := &Registry{exact: map[string]struct{}{}}
	if opts != nil {
		r.trim = opts.TrimDecorations
	}
	for _, t := range list {
		r.add(t)
	}
	r.sortByLen()
	return r
}

func (r *Registry) add(t string) {
	t = norm.NFC.String(strings.TrimSpace(t))
	if t == "" {
		return
	}
	if _, dup := r.exact[t]; dup {
		return
	}
	r.exact[t] = struct{}{}
	r.byLen = append(r.byLen, t)
	r.Loaded++
}

func (r *Registry) sortByLen() {
	// 长度相同按字典序，保证结果确定
	sort.SliceStable(r.byLen, func(i, j int) bool {
		li, lj := len([]rune(r.byLen[i])), len([]rune(r.byLen[j]))
		if li != lj {
			return li > lj
		}
		return r.byLen[i] < r.byLen[j]
	})
}

// Load 读取 JSONL 登记表：每行一个含 title 字段的对象。
// path 为空返回空登记表；已配置但不可读返回 ErrRegistryMissing。
func Load(path string, opts *Options) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return New(nil, opts), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("titles: %w: %v", contract.ErrRegistryMissing, err)
	}
	defer f.Close()
	r, err := Parse(f, opts)
	if err != nil {
		return nil, fmt.Errorf("titles: %w: %v", contract.ErrRegistryMissing, err)
	}
	return r, nil
}

// Parse 从流中解析登记表。空行与无法解析的行跳过（计入 Bad）。
func Parse(rd io.Reader, opts *Options) (*Registry, error) {
	r := New(nil, opts)
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var row struct {
			Title *string `json:"title"`
		}
		if err := json.Unmarshal([]byte(line), &row); err != nil || row.Title == nil {
			r.Bad++
			continue
		}
		r.add(*row.Title)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	r.sortByLen()
	return r, nil
}

// Len 返回登记表中的书名数。
func (r *Registry) Len() int { return len(r.byLen) }

// Resolve 将原始文件名映射为规范书名，总是成功：
// 精确命中 → 按长度降序首个作为子串出现的书名 → 原名。
func (r *Registry) Resolve(raw string) string {
	name := norm.NFC.String(raw)
	if r.trim {
		name = contract.TrimNameDecorations(name)
	}
	if _, ok := r.exact[name]; ok {
		return name
	}
	for _, t := range r.byLen {
		if strings.Contains(name, t) {
			return t
		}
	}
	return name
}
