package contract

import "strings"

// 语料文件名上的已知装饰（导出脚本遗留的前后缀）。
var (
	NamePrefixes = []string{"RAG_"}
	NameSuffixes = []string{"_原著完整版", "_全书完整版", "_完整试读版"}
)

// TrimNameDecorations 去掉文件名上的已知前后缀与首尾空白。
// 去除后为空时返回原名（去空白）。
func TrimNameDecorations(name string) string {
	s := strings.TrimSpace(name)
	for _, p := range NamePrefixes {
		s = strings.TrimPrefix(s, p)
	}
	for _, suf := range NameSuffixes {
		s = strings.TrimSuffix(s, suf)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return strings.TrimSpace(name)
	}
	return s
}
