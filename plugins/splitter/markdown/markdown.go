package markdown

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"quizgen/pkg/contract"
)

// DefaultMarker: 显式分块标记。
const DefaultMarker = "===CHUNK==="

// 任意级别标题行：取首个匹配作为章节名。分隔空白含全角空格（U+3000）等 Unicode 空格。
var headingRe = regexp.MustCompile(`(?m)^#+[\s\p{Zs}]+(.+)$`)

// Options: 分块配置。
type Options struct {
	// Marker: 显式分块标记；为空使用 DefaultMarker。
	Marker string `json:"marker"`
	// MinRunes: 片段最小字符数；<=0 使用 contract.MinChunkRunes。
	MinRunes int `json:"min_runes"`
}

// Segmenter 按标记或二级标题切分 Markdown 书稿。
type Segmenter struct {
	marker   string
	minRunes int
}

// New 创建 Segmenter。
func New(opts *Options) *Segmenter {
	s := &Segmenter{marker: DefaultMarker, minRunes: contract.MinChunkRunes}
	if opts != nil {
		if strings.TrimSpace(opts.Marker) != "" {
			s.marker = opts.Marker
		}
		if opts.MinRunes > 0 {
			s.minRunes = opts.MinRunes
		}
	}
	return s
}

var _ contract.Segmenter = (*Segmenter)(nil)

// Segment 切分文档：
//  1. 含标记则按标记切分；否则在每个 "## " 行之前切分（标题留在其引出的片段内）；
//  2. 去首尾空白，空片段直接丢弃且不占序号；
//  3. 章节名取片段内首个标题行，否则为 "片段 N"（N 为 1 基序号）；
//  4. 不足 minRunes 的片段丢弃，但其序号仍被占用。
//
// 文档既无标记也无任何标题时，唯一片段以去装饰的文件名命名。
func (s *Segmenter) Segment(ctx context.Context, doc contract.Document) ([]contract.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hasMarker := strings.Contains(doc.Text, s.marker)
	var parts []string
	if hasMarker {
		parts = strings.Split(doc.Text, s.marker)
	} else {
		parts = splitBeforeH2(doc.Text)
	}
	plain := !hasMarker && !headingRe.MatchString(doc.Text)

	var out []contract.Chunk
	index := 0
	for _, p := range parts {
		text := strings.TrimSpace(p)
		if text == "" {
			continue
		}
		idx := index
		index++
		if utf8.RuneCountInString(text) < s.minRunes {
			continue
		}
		out = append(out, contract.Chunk{
			Book:    doc.RawName,
			Index:   idx,
			Chapter: chapterName(text, idx, plain, doc.RawName),
			Text:    text,
		})
	}
	return out, nil
}

func chapterName(text string, idx int, plain bool, rawName string) string {
	if m := headingRe.FindStringSubmatch(text); m != nil {
		if name := strings.TrimSpace(m[1]); name != "" {
			return name
		}
	}
	if plain {
		if name := contract.TrimNameDecorations(rawName); name != "" {
			return name
		}
	}
	return "片段 " + strconv.Itoa(idx+1)
}

// splitBeforeH2 在每个紧跟 "## " 的换行处切分，换行本身被消耗。
// 等价于按 `\n(?=## )` 切分；RE2 不支持前瞻，手工实现。
func splitBeforeH2(text string) []string {
	const sep = "\n## "
	var parts []string
	start := 0
	for {
		i := strings.Index(text[start:], sep)
		if i < 0 {
			break
		}
		parts = append(parts, text[start:start+i])
		start += i + 1
	}
	return append(parts, text[start:])
}
