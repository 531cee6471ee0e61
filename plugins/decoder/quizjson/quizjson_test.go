package quizjson

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"quizgen/pkg/contract"
)

var unit = contract.WorkUnit{Book: "背影", Chapter: "一", Level: 1}

func decode(t *testing.T, d *Decoder, text string) []contract.QuestionItem {
	t.Helper()
	items, err := d.Decode(context.Background(), unit, contract.Raw{Text: text})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return items
}

func items(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf(`{"id":%d,"question":"问%d","options":["A","B","C","D"],"correctIndex":1,"explanation":"因为"}`, 100+i, i)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// UT-DEC-01: 12 条截断为 10 条并重新编号
func TestDecodeTruncatesAndRenumbers(t *testing.T) {
	got := decode(t, New(nil), items(12))
	if len(got) != 10 {
		t.Fatalf("期望 10 条, got %d", len(got))
	}
	for i, q := range got {
		if q.ID != i+1 {
			t.Fatalf("第 %d 条编号应为 %d, got %d", i, i+1, q.ID)
		}
	}
	if got[9].Question != "问9" {
		t.Fatalf("应保留前 10 条: %q", got[9].Question)
	}
}

// UT-DEC-01b: 上限选项不能超过记录层的契约上限
func TestDecodeLimitsCappedAtContract(t *testing.T) {
	d := New(&Options{MaxItems: 12, MaxOptions: 6})
	got := decode(t, d, items(12))
	if len(got) != contract.QuestionsPerUnit {
		t.Fatalf("max_items 超限时应取 %d, got %d", contract.QuestionsPerUnit, len(got))
	}
	got = decode(t, d, `[{"question":"q","options":["a","b","c","d","e","f"]}]`)
	if len(got[0].Options) != contract.MaxOptions {
		t.Fatalf("max_options 超限时应取 %d, got %d", contract.MaxOptions, len(got[0].Options))
	}
	got = decode(t, New(&Options{MaxItems: 3, MaxOptions: 2}), items(5))
	if len(got) != 3 || len(got[0].Options) != 2 {
		t.Fatalf("更严格的上限应生效: %d 条, %d 个选项", len(got), len(got[0].Options))
	}
}

// UT-DEC-02: answer 字段兼容
func TestDecodeAnswerField(t *testing.T) {
	got := decode(t, New(nil), `[{"question":"q","options":["a","b","c"],"answer":2,"explanation":"e"}]`)
	if got[0].CorrectIndex != 2 {
		t.Fatalf("answer 应被采纳, got %d", got[0].CorrectIndex)
	}
	// correctIndex 优先
	got = decode(t, New(nil), `[{"question":"q","options":["a","b","c"],"correctIndex":1,"answer":2}]`)
	if got[0].CorrectIndex != 1 {
		t.Fatalf("correctIndex 应优先")
	}
}

// UT-DEC-03: 5 个选项截断为 4，不补齐
func TestDecodeOptions(t *testing.T) {
	got := decode(t, New(nil), `[{"question":"q","options":["a","b","c","d","e"],"correctIndex":0},{"question":"q2","options":["x",2,true,null]}]`)
	if len(got[0].Options) != 4 || got[0].Options[3] != "d" {
		t.Fatalf("选项应截断为 4: %v", got[0].Options)
	}
	if want := []string{"x", "2", "true", ""}; strings.Join(got[1].Options, "|") != strings.Join(want, "|") {
		t.Fatalf("非字符串选项应转换: %q", got[1].Options)
	}
	got = decode(t, New(nil), `[{"question":"q","options":["a"]},{"question":"q2"}]`)
	if len(got[0].Options) != 1 {
		t.Fatalf("不应补齐选项")
	}
	if got[1].Options == nil {
		t.Fatalf("缺失选项应为空数组而非 null")
	}
	b, _ := json.Marshal(got[1])
	if !strings.Contains(string(b), `"options":[]`) {
		t.Fatalf("序列化形状错误: %s", b)
	}
}

// UT-DEC-04: 非整数或越界的正确答案修复为 0
func TestDecodeRepairsIndex(t *testing.T) {
	cases := []string{`"2"`, `1.5`, `null`, `-1`, `9`, `true`}
	for _, c := range cases {
		got := decode(t, New(nil), `[{"question":"q","options":["a","b","c"],"correctIndex":`+c+`}]`)
		if got[0].CorrectIndex != 0 {
			t.Fatalf("%s 应修复为 0, got %d", c, got[0].CorrectIndex)
		}
	}
	got := decode(t, New(nil), `[{"question":"q","options":["a","b"]}]`)
	if got[0].CorrectIndex != 0 {
		t.Fatalf("缺失应为 0")
	}
}

// UT-DEC-05: 代码围栏
func TestDecodeStripsFences(t *testing.T) {
	for _, text := range []string{
		"```json\n" + items(2) + "\n```",
		"```\n" + items(2) + "\n```",
		"  ```JSON " + items(2) + "```  ",
		items(2),
	} {
		if got := decode(t, New(nil), text); len(got) != 2 {
			t.Fatalf("围栏处理失败: %q", text)
		}
	}
}

// UT-DEC-06: 缺失解析使用占位
func TestDecodeDefaultExplanation(t *testing.T) {
	got := decode(t, New(nil), `[{"question":"q","options":["a"]},{"question":"q","options":["a"],"explanation":"  "}]`)
	if got[0].Explanation != contract.DefaultExplanation || got[1].Explanation != contract.DefaultExplanation {
		t.Fatalf("应使用占位解析: %+v", got)
	}
	got = decode(t, New(&Options{DefaultExplanation: "略"}), `[{"question":"q"}]`)
	if got[0].Explanation != "略" {
		t.Fatalf("自定义占位未生效")
	}
}

// UT-DEC-07: 非对象条目跳过，编号按跳过后位置
func TestDecodeSkipsNonObjects(t *testing.T) {
	got := decode(t, New(nil), `[1,"x",{"question":"a"},null,{"question":"b"}]`)
	if len(got) != 2 || got[0].ID != 1 || got[1].ID != 2 || got[1].Question != "b" {
		t.Fatalf("跳过非对象失败: %+v", got)
	}
	got = decode(t, New(&Options{DropBlankQuestions: true}), `[{"question":" "},{"question":"b"}]`)
	if len(got) != 1 || got[0].Question != "b" || got[0].ID != 1 {
		t.Fatalf("空题干应被丢弃: %+v", got)
	}
}

// UT-DEC-08: 无法解析或无可用条目
func TestDecodeInvalid(t *testing.T) {
	for _, text := range []string{"", "not json", `{"question":"q"}`, `[]`, `[1,2]`, "```json\n```", `null`} {
		_, err := New(nil).Decode(context.Background(), unit, contract.Raw{Text: text})
		if !errors.Is(err, contract.ErrResponseInvalid) {
			t.Fatalf("%q 应返回 ErrResponseInvalid, got %v", text, err)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(nil).Decode(ctx, unit, contract.Raw{Text: items(1)}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expect canceled")
	}
}

func TestStripFences(t *testing.T) {
	if got := StripFences("```json\n[1]\n```"); got != "[1]" {
		t.Fatalf("StripFences = %q", got)
	}
	if got := StripFences("[1]"); got != "[1]" {
		t.Fatalf("无围栏应原样返回")
	}
}
