package contract

import "fmt"

// FileID: 逻辑文档ID（规范化路径，跨平台一致）。
type FileID string

// Document: 单本书的原文（运行期只读，不持久化）。
// 约束：
// - Text 已做 CRLF→LF 与 NFC 归一，不做业务清洗；
// - RawName 为文件名去扩展名，是书名解析的输入。
type Document struct {
	FileID  FileID
	RawName string
	Text    string
}

// Chunk: 文档内一个具名片段。
// Index 为其在“非空片段”中的 0 基位置，在长度过滤之前确定。
type Chunk struct {
	Book    string
	Index   int
	Chapter string
	Text    string
}

// Level: 难度等级，取值 1..3。
type Level int

const (
	LevelBasic    Level = 1 // 基础情节
	LevelAnalysis Level = 2 // 动机与因果
	LevelDeep     Level = 3 // 细节、推理与赏析
)

// Levels 为枚举顺序（也是生成顺序）。
var Levels = []Level{LevelBasic, LevelAnalysis, LevelDeep}

// Valid 判断等级是否在 1..3。
func (l Level) Valid() bool { return l >= LevelBasic && l <= LevelDeep }

// WorkUnit: 工作单元的身份三元组（结构化唯一，无代理 ID）。
// 可比较，直接作为 map 键使用。
type WorkUnit struct {
	Book    string
	Chapter string
	Level   Level
}

func (u WorkUnit) String() string {
	return fmt.Sprintf("《%s》/%s/L%d", u.Book, u.Chapter, u.Level)
}

// Job: 待生成的单元及其源文本。
// Seq 为枚举序号（0 基），仅用于进度展示。
type Job struct {
	Unit WorkUnit
	Text string
	Seq  int
}
