package jsonl

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"quizgen/pkg/contract"
)

// Options: JSONL 记录文件配置。
type Options struct {
	// Path: 输出文件路径（必需）。
	Path string `json:"path"`
	// PermFile/PermDir: 可选权限；为 0 使用默认 0644/0755。
	PermFile os.FileMode `json:"perm_file,omitempty"`
	PermDir  os.FileMode `json:"perm_dir,omitempty"`
	// NoSync: 关闭每条记录后的 fsync（仅用于测试/基准）。
	NoSync bool `json:"no_sync,omitempty"`
}

// Store: 只追加的 JSONL 文件，每行一条自包含记录。
// 文件在首次 Append 时才创建，只读场景（扫描、dry run）不留下空文件。
type Store struct {
	path   string
	permF  os.FileMode
	permD  os.FileMode
	noSync bool

	mu sync.Mutex
	f  *os.File
}

// New 创建 JSONL 存储。
func New(opts *Options) (*Store, error) {
	if opts == nil || strings.TrimSpace(opts.Path) == "" {
		return nil, fmt.Errorf("jsonl: %w: empty path", contract.ErrPathInvalid)
	}
	pf := opts.PermFile
	if pf == 0 {
		pf = 0o644
	}
	pd := opts.PermDir
	if pd == 0 {
		pd = 0o755
	}
	return &Store{path: filepath.Clean(opts.Path), permF: pf, permD: pd, noSync: opts.NoSync}, nil
}

var _ contract.Store = (*Store)(nil)

// Location 返回文件路径。
func (s *Store) Location() string { return s.path }

// identity: 台账只需要身份三元组，其余字段忽略。
type identity struct {
	BookName *string `json:"book_name"`
	Chapter  *string `json:"chapter"`
	Level    *int    `json:"level"`
}

// Scan 逐行读取身份三元组。空行忽略；无法解析或身份不完整的行跳过并计数。
// 文件不存在视为空存储。
func (s *Store) Scan(ctx context.Context, yield func(u contract.WorkUnit) error) (int, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	br := bufio.NewReaderSize(f, 256*1024)
	skipped := 0
	for n := 0; ; n++ {
		if n%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return skipped, err
			}
		}
		line, rerr := br.ReadBytes('\n')
		if rerr != nil && !errors.Is(rerr, io.EOF) {
			return skipped, rerr
		}
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			u, ok := parseIdentity(trimmed)
			if !ok {
				skipped++
			} else if err := yield(u); err != nil {
				return skipped, err
			}
		}
		if rerr != nil {
			return skipped, nil
		}
	}
}

func parseIdentity(line []byte) (contract.WorkUnit, bool) {
	var id identity
	if err := json.Unmarshal(line, &id); err != nil {
		return contract.WorkUnit{}, false
	}
	if id.BookName == nil || id.Chapter == nil || id.Level == nil {
		return contract.WorkUnit{}, false
	}
	lv := contract.Level(*id.Level)
	if !lv.Valid() {
		return contract.WorkUnit{}, false
	}
	return contract.WorkUnit{Book: *id.BookName, Chapter: *id.Chapter, Level: lv}, true
}

// Append 序列化为单行并立即落盘；返回即已持久。
func (s *Store) Append(ctx context.Context, rec contract.QuestionRecord) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	line, err := encodeLine(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		if err := s.open(); err != nil {
			return err
		}
	}
	if _, err := s.f.Write(line); err != nil {
		return err
	}
	if s.noSync {
		return nil
	}
	return s.f.Sync()
}

func encodeLine(rec contract.QuestionRecord) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Encode 自带结尾换行；记录内的换行已被转义
	if err := enc.Encode(rec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// open 以追加模式打开文件；若上次运行在行中途中断，先补一个换行，保证下一条记录独立成行。
func (s *Store) open() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, s.permD); err != nil {
		return err
	}
	_, statErr := os.Stat(s.path)
	created := errors.Is(statErr, os.ErrNotExist)
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, s.permF)
	if err != nil {
		return err
	}
	torn, err := tornTail(s.path)
	if err != nil {
		_ = f.Close()
		return err
	}
	if torn {
		if _, err := f.Write([]byte{'\n'}); err != nil {
			_ = f.Close()
			return err
		}
	}
	if created {
		// 新建文件时同步父目录，确保目录项持久
		_ = syncDir(dir)
	}
	s.f = f
	return nil
}

// tornTail 判断非空文件是否未以换行结尾。
func tornTail(path string) (bool, error) {
	r, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer r.Close()
	st, err := r.Stat()
	if err != nil {
		return false, err
	}
	if st.Size() == 0 {
		return false, nil
	}
	last := make([]byte, 1)
	if _, err := r.ReadAt(last, st.Size()-1); err != nil {
		return false, err
	}
	return last[0] != '\n', nil
}

// Close 关闭底层文件；可重复调用。
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
