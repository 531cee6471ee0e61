package filesystem

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/text/unicode/norm"

	"quizgen/pkg/contract"
)

// Options 为语料 Reader 的可选配置。
type Options struct {
	// Extensions: 参与枚举的扩展名（大小写不敏感，含点）。默认 [".md"]。
	// 包含 ".pdf" 时对 PDF 做纯文本抽取。
	Extensions []string `json:"extensions"`
	// ExcludeDirNames: 扫描目录时跳过这些目录名（基名完全匹配，大小写不敏感）。
	ExcludeDirNames []string `json:"exclude_dir_names"`
	// MaxFileBytes: 单文件大小上限；<=0 表示不限。超限文件跳过。
	MaxFileBytes int64 `json:"max_file_bytes"`
}

// FileSystem 以文件系统目录为语料源。
type FileSystem struct {
	exts       map[string]struct{}
	excludeDir map[string]struct{}
	maxBytes   int64
	// 可替换的 PDF 抽取函数（测试缝）。
	extractPDF func(path string) (string, error)
}

// New 创建 FileSystem Reader。
func New(opts *Options) *FileSystem {
	exts := map[string]struct{}{}
	ex := map[string]struct{}{}
	var maxBytes int64
	if opts != nil {
		for _, e := range opts.Extensions {
			e = strings.ToLower(strings.TrimSpace(e))
			if e == "" {
				continue
			}
			if !strings.HasPrefix(e, ".") {
				e = "." + e
			}
			exts[e] = struct{}{}
		}
		for _, name := range opts.ExcludeDirNames {
			if name == "" {
				continue
			}
			ex[strings.ToLower(name)] = struct{}{}
		}
		maxBytes = opts.MaxFileBytes
	}
	if len(exts) == 0 {
		exts[".md"] = struct{}{}
	}
	return &FileSystem{exts: exts, excludeDir: ex, maxBytes: maxBytes, extractPDF: pdfPlainText}
}

var _ contract.Reader = (*FileSystem)(nil)

// Iterate 遍历 roots，按字典序对每个匹配扩展名的常规文件调用 yield。
// root 不存在时返回 ErrCorpusMissing。
func (r *FileSystem) Iterate(ctx context.Context, roots []string, yield func(doc contract.Document) error) error {
	if len(roots) == 0 {
		return fmt.Errorf("reader: %w: no roots", contract.ErrCorpusMissing)
	}
	for _, root := range roots {
		if err := ctx.Err(); err != nil {
			return err
		}
		info, err := os.Stat(root)
		if err != nil {
			return fmt.Errorf("reader: %w: %v", contract.ErrCorpusMissing, err)
		}
		if info.IsDir() {
			if err := r.walkDir(ctx, root, yield); err != nil {
				return err
			}
			continue
		}
		if info.Mode().IsRegular() {
			// 显式指定的单文件不受扩展名过滤
			if err := r.emit(root, yield); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *FileSystem) walkDir(ctx context.Context, dir string, yield func(contract.Document) error) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	// 稳定顺序：字典序；目录与文件交错按名称排序，保证“文件名顺序”。
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		p := filepath.Join(dir, e.Name())
		if e.IsDir() {
			if _, skip := r.excludeDir[strings.ToLower(e.Name())]; skip {
				continue
			}
			if err := r.walkDir(ctx, p, yield); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if _, ok := r.exts[strings.ToLower(filepath.Ext(e.Name()))]; !ok {
			continue
		}
		// 符号链接仅跟随到常规文件；目录链接忽略
		st, err := os.Stat(p)
		if err != nil {
			return err
		}
		if !st.Mode().IsRegular() {
			continue
		}
		if r.maxBytes > 0 && st.Size() > r.maxBytes {
			continue
		}
		if err := r.emit(p, yield); err != nil {
			return err
		}
	}
	return nil
}

func (r *FileSystem) emit(p string, yield func(contract.Document) error) error {
	var text string
	if strings.EqualFold(filepath.Ext(p), ".pdf") {
		s, err := r.extractPDF(p)
		if err != nil {
			return fmt.Errorf("reader: pdf %s: %w", p, err)
		}
		text = s
	} else {
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		text = string(b)
	}
	return yield(contract.Document{
		FileID:  contract.NormalizeFileID(p),
		RawName: RawName(p),
		Text:    NormalizeText(text),
	})
}

// RawName 返回文件基名去扩展名，并做 NFC 归一（macOS 文件名常为 NFD）。
func RawName(p string) string {
	base := filepath.Base(p)
	return norm.NFC.String(strings.TrimSuffix(base, filepath.Ext(base)))
}

// NormalizeText: 去 BOM、CRLF→LF、NFC 归一。
func NormalizeText(s string) string {
	s = strings.TrimPrefix(s, "\ufeff")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return norm.NFC.String(s)
}

func pdfPlainText(p string) (string, error) {
	f, rd, err := pdf.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	pr, err := rd.GetPlainText()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, pr); err != nil {
		return "", err
	}
	return buf.String(), nil
}
