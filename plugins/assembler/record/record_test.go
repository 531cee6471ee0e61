package record

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"quizgen/pkg/contract"
)

var unit = contract.WorkUnit{Book: "背影", Chapter: "一", Level: 2}

func questions(n int) []contract.QuestionItem {
	out := make([]contract.QuestionItem, n)
	for i := range out {
		out[i] = contract.QuestionItem{ID: i + 1, Question: "q", Options: []string{"a", "b"}, Explanation: "e"}
	}
	return out
}

// TestAssemble 字段补齐
func TestAssemble(t *testing.T) {
	a := New(nil)
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	a.now = func() time.Time { return fixed }
	a.newID = func() string { return "id-1" }
	rec, err := a.Assemble(context.Background(), unit, questions(10))
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if rec.ID != "id-1" || rec.Unit() != unit || len(rec.Questions) != 10 {
		t.Fatalf("记录错误: %+v", rec)
	}
	if !rec.CreatedAt.Equal(fixed) || rec.Source != contract.SourceBatch || rec.Version != contract.RecordVersion {
		t.Fatalf("元数据错误: %+v", rec)
	}
	if New(&Options{Source: "manual"}).source != "manual" {
		t.Fatalf("来源覆盖未生效")
	}
}

// TestNewID 32 位十六进制且不重复
func TestNewID(t *testing.T) {
	re := regexp.MustCompile(`^[0-9a-f]{32}$`)
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewID()
		if !re.MatchString(id) {
			t.Fatalf("ID 格式错误: %q", id)
		}
		if seen[id] {
			t.Fatalf("ID 重复")
		}
		seen[id] = true
	}
}

// TestAssembleRejects 违反不变量时拒绝
func TestAssembleRejects(t *testing.T) {
	a := New(nil)
	bad := questions(2)
	bad[1].ID = 5
	cases := []struct {
		u     contract.WorkUnit
		items []contract.QuestionItem
	}{
		{contract.WorkUnit{Book: "", Chapter: "一", Level: 1}, questions(1)},
		{contract.WorkUnit{Book: "背影", Chapter: "一", Level: 0}, questions(1)},
		{unit, nil},
		{unit, questions(11)},
		{unit, bad},
		{unit, []contract.QuestionItem{{ID: 1, Options: []string{"1", "2", "3", "4", "5"}}}},
	}
	for i, c := range cases {
		if _, err := a.Assemble(context.Background(), c.u, c.items); !errors.Is(err, contract.ErrInvariantViolation) {
			t.Fatalf("case %d 应拒绝, got %v", i, err)
		}
	}
}

// TestAssembleCopiesItems 记录不与调用方共享切片
func TestAssembleCopiesItems(t *testing.T) {
	qs := questions(1)
	rec, _ := New(nil).Assemble(context.Background(), unit, qs)
	qs[0].Question = "changed"
	if rec.Questions[0].Question != "q" {
		t.Fatalf("应复制题目切片")
	}
}
