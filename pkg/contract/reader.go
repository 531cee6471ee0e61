package contract

import "context"

// Reader: 语料源抽象（文件/目录）。
// 约束：
// 1) 按稳定的字典序逐文档回调；
// 2) FileID 稳定且去平台差异化；
// 3) 只做文本抽取与编码归一，不做业务解析；
// 4) 不在内部起并发。
type Reader interface {
	Iterate(ctx context.Context, roots []string, yield func(doc Document) error) error
}
