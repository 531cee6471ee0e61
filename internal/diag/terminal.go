package diag

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Terminal: 终端进度提示（非日志）。
// - 每个工作单元结束打印一行 [ok]/[fail]，运行开始与结束各打印一行；
// - TTY 下标签着色，并在行间以 \r 覆盖显示整体进度；非 TTY/CI 为纯文本；
// - 并发安全；写失败后进入禁用态为 no-op。
type Terminal struct {
	w       io.Writer
	enabled bool
	isTTY   bool

	styles map[string]lipgloss.Style

	concurrency int
	total       int
	done        int
	failed      int
	runStart    time.Time

	lastLen   int
	lastFlush time.Time

	mu sync.Mutex
}

// NewTerminal 构造终端提示器。enabled=false 时总是 no-op。
func NewTerminal(w io.Writer, enabled bool) *Terminal {
	if w == nil {
		w = os.Stderr
	}
	t := &Terminal{w: w, enabled: enabled}
	if os.Getenv("CI") == "" {
		if f, ok := w.(*os.File); ok {
			t.isTTY = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
		}
	}
	r := lipgloss.NewRenderer(w)
	t.styles = map[string]lipgloss.Style{
		"ok":   r.NewStyle().Bold(true).Foreground(lipgloss.Color("42")),
		"fail": r.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
		"run":  r.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		"plan": r.NewStyle().Foreground(lipgloss.Color("39")),
		"warn": r.NewStyle().Foreground(lipgloss.Color("214")),
	}
	return t
}

func (t *Terminal) tag(name string) string {
	s := "[" + name + "]"
	if !t.isTTY {
		return s
	}
	if st, ok := t.styles[name]; ok {
		return st.Render(s)
	}
	return s
}

// RunStart: 记录运行上下文并打印运行头。
func (t *Terminal) RunStart(concurrency int, llm string, outstanding, alreadyDone int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.concurrency = concurrency
	t.total = outstanding
	t.done, t.failed = 0, 0
	t.runStart = time.Now()
	t.println(fmt.Sprintf("%s 并发=%d | llm=%s | 待生成=%d | 已完成=%d", t.tag("run"), concurrency, safe(llm), outstanding, alreadyDone))
}

// UnitFinish: 单元结束一行；失败时附带错误分类。
func (t *Terminal) UnitFinish(unit string, ok bool, questions int, code string, dur time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.done++
	if t.isTTY && t.lastLen > 0 {
		t.printInline("")
	}
	if ok {
		t.println(fmt.Sprintf("%s (%d/%d) %s | %d 题 | %s", t.tag("ok"), t.done, t.total, safe(unit), questions, formatDur(dur)))
	} else {
		t.failed++
		t.println(fmt.Sprintf("%s (%d/%d) %s | %s | %s", t.tag("fail"), t.done, t.total, safe(unit), code, formatDur(dur)))
	}
	t.progress()
}

// progress: TTY 下以 \r 覆盖显示整体进度（≥100ms 节流）。
func (t *Terminal) progress() {
	if !t.isTTY {
		return
	}
	now := time.Now()
	if now.Sub(t.lastFlush) < 100*time.Millisecond {
		return
	}
	t.lastFlush = now
	t.printInline(fmt.Sprintf("进度 %d/%d | 失败 %d | 并发 %d | 用时 %s",
		t.done, t.total, t.failed, t.concurrency, formatSince(t.runStart)))
}

// Note: 任意带标签的一行（计划摘要、告警等）。
func (t *Terminal) Note(tag, msg string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	if t.isTTY && t.lastLen > 0 {
		t.printInline("")
	}
	t.println(t.tag(tag) + " " + safe(msg))
}

// RunFinish: 结束总览。
func (t *Terminal) RunFinish(ok bool, succeeded, failed int, store string, dur time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	if t.isTTY && t.lastLen > 0 {
		t.printInline("")
	}
	tag := "ok"
	if !ok {
		tag = "fail"
	}
	t.println(fmt.Sprintf("%s 结束 | 成功 %d | 失败 %d | 输出 %s | 总用时 %s", t.tag(tag), succeeded, failed, safe(store), formatDur(dur)))
}

func (t *Terminal) println(s string) {
	if !t.enabled {
		return
	}
	if _, err := io.WriteString(t.w, s+"\n"); err != nil {
		t.enabled = false
	}
	t.lastLen = 0
}

func (t *Terminal) printInline(s string) {
	if !t.enabled {
		return
	}
	// 新行比旧行短时以空格覆盖残留
	pad := 0
	if l := visLen(s); t.lastLen > l {
		pad = t.lastLen - l
	}
	var b strings.Builder
	b.WriteByte('\r')
	b.WriteString(s)
	if pad > 0 {
		b.WriteString(strings.Repeat(" ", pad))
	}
	if pad > 0 && s == "" {
		b.WriteByte('\r')
	}
	if _, err := io.WriteString(t.w, b.String()); err != nil {
		t.enabled = false
		return
	}
	t.lastLen = visLen(s)
}

func visLen(s string) int { return len([]rune(s)) }

func safe(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	return s
}

func formatSince(t0 time.Time) string { return formatDur(time.Since(t0)) }

func formatDur(d time.Duration) string {
	if d < time.Second {
		ms := d.Milliseconds()
		if ms < 0 {
			ms = 0
		}
		return fmt.Sprintf("%dms", ms)
	}
	return fmt.Sprintf("%.1fs", float64(d.Milliseconds())/1000.0)
}
