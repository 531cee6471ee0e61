package contract

import (
	"encoding/json"
	"strings"
	"time"
)

const (
	// QuestionsPerUnit: 每个单元要求的题目数，同时是解码截断上限。
	QuestionsPerUnit = 10
	// MaxOptions: 单题选项上限（不足不补）。
	MaxOptions = 4
	// DefaultExplanation: 缺失解析时的占位文本。
	DefaultExplanation = "暂无解析"
	// RecordVersion: 记录格式版本。
	RecordVersion = 1
	// SourceBatch: 默认来源标记。
	SourceBatch = "ai_generated_batch"
)

// QuestionItem: 归一化后的单选题。
type QuestionItem struct {
	ID           int      `json:"id"`
	Question     string   `json:"question"`
	Options      []string `json:"options"`
	CorrectIndex int      `json:"correctIndex"`
	Explanation  string   `json:"explanation"`
}

// QuestionRecord: 一个单元的持久化产物，存储中一行一条。
// 字段形状对齐云数据库导入格式（_id、created_at.$date）。
type QuestionRecord struct {
	ID        string         `json:"_id"`
	BookName  string         `json:"book_name"`
	Chapter   string         `json:"chapter"`
	Level     Level          `json:"level"`
	Questions []QuestionItem `json:"questions"`
	CreatedAt Date           `json:"created_at"`
	Source    string         `json:"source"`
	Version   int            `json:"version"`
}

// Unit 返回记录对应的身份三元组。
func (r QuestionRecord) Unit() WorkUnit {
	return WorkUnit{Book: r.BookName, Chapter: r.Chapter, Level: r.Level}
}

// dateLayout: 微秒精度 + 字面量 Z（UTC）。
const dateLayout = "2006-01-02T15:04:05.000000Z"

// Date 以 {"$date": "..."} 形式编码的时间。
type Date struct {
	time.Time
}

// NewDate 取 UTC。
func NewDate(t time.Time) Date { return Date{Time: t.UTC()} }

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Date string `json:"$date"`
	}{Date: d.UTC().Format(dateLayout)})
}

// UnmarshalJSON 同时接受 {"$date": "..."} 与裸字符串；时间格式宽松（RFC3339 或带 Z 的无时区格式）。
func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if len(b) > 0 && b[0] == '{' {
		var obj struct {
			Date string `json:"$date"`
		}
		if err := json.Unmarshal(b, &obj); err != nil {
			return err
		}
		s = obj.Date
	} else if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		d.Time = time.Time{}
		return nil
	}
	for _, layout := range []string{dateLayout, time.RFC3339Nano, "2006-01-02T15:04:05.999999999Z"} {
		if t, err := time.Parse(layout, s); err == nil {
			d.Time = t.UTC()
			return nil
		}
	}
	return &time.ParseError{Layout: dateLayout, Value: s}
}
