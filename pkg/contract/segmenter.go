package contract

import "context"

// MinChunkRunes: 片段最小有效长度（按字符计），更短的片段不产生工作单元。
const MinChunkRunes = 50

// Segmenter: 将一份文档切分为有序、具名的片段。
// 约束：
//   - 纯计算，确定性；
//   - 仅返回长度达标的片段，但 Index 按过滤前的位置保留；
//   - Chunk.Book 为文档 RawName（书名解析由上层完成）。
type Segmenter interface {
	Segment(ctx context.Context, doc Document) ([]Chunk, error)
}
