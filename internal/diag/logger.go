package diag

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger: 结构化事件日志（单行 JSON），事件词汇为 comp/stage/code。
// 默认写入 logs/ 下按大小轮转的文件；与终端进度提示分离。
type Logger struct {
	zl   zerolog.Logger
	sink *RotatingFile
}

// NewLogger 通过配置的 level 初始化，日志写入 logs/quizgen-current.log，10 MiB 轮转。
func NewLogger(corrID, level string) *Logger {
	sink := NewRotatingFile("logs", 10*1024*1024)
	l := NewLoggerTo(sink, corrID, level)
	l.sink = sink
	return l
}

// NewLoggerTo 写入任意 io.Writer；w 为 nil 时写 stderr。
func NewLoggerTo(w io.Writer, corrID, level string) *Logger {
	if w == nil {
		w = os.Stderr
	}
	zl := zerolog.New(w).Level(ParseLevel(level)).With().Timestamp().Str("corr_id", corrID).Logger()
	return &Logger{zl: zl}
}

// Nop 返回丢弃一切事件的日志器。
func Nop() *Logger { return &Logger{zl: zerolog.Nop()} }

// ParseLevel 解析 debug|info|warn|error；其余取 info。
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Close 关闭文件 sink（若有）。
func (l *Logger) Close() error {
	if l == nil || l.sink == nil {
		return nil
	}
	return l.sink.Close()
}

func withKV(e *zerolog.Event, kv map[string]string) *zerolog.Event {
	if len(kv) == 0 {
		return e
	}
	d := zerolog.Dict()
	for k, v := range kv {
		d = d.Str(k, v)
	}
	return e.Dict("kv", d)
}

func withUnit(e *zerolog.Event, unit string) *zerolog.Event {
	if unit != "" {
		e = e.Str("unit", unit)
	}
	return e
}

func since(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return time.Since(*t).Milliseconds()
}

// Start 记录 start 事件；返回计时器用于 Finish。
func (l *Logger) Start(comp, msg string) *Timer {
	l.zl.Info().Str("comp", comp).Str("stage", "start").Msg(msg)
	return &Timer{l: l, comp: comp, t0: time.Now()}
}

// StartWith 记录带工作单元的 start。
func (l *Logger) StartWith(comp, msg, unit string) *Timer {
	withUnit(l.zl.Info().Str("comp", comp).Str("stage", "start"), unit).Msg(msg)
	return &Timer{l: l, comp: comp, unit: unit, t0: time.Now()}
}

// StartWithKV 记录带工作单元与键值的 start。
func (l *Logger) StartWithKV(comp, msg, unit string, kv map[string]string) *Timer {
	withKV(withUnit(l.zl.Info().Str("comp", comp).Str("stage", "start"), unit), kv).Msg(msg)
	return &Timer{l: l, comp: comp, unit: unit, t0: time.Now()}
}

// Warn 记录可恢复的异常（例如跳过的损坏行）。
func (l *Logger) Warn(comp, msg string, kv map[string]string) {
	withKV(l.zl.Warn().Str("comp", comp).Str("stage", "warn"), kv).Msg(msg)
}

// Error 记录 error 事件。
func (l *Logger) Error(comp, code, msg string, durSince *time.Time) {
	l.zl.Error().Str("comp", comp).Str("stage", "error").Str("code", code).Int64("dur_ms", since(durSince)).Msg(msg)
}

// ErrorWith 附带工作单元。
func (l *Logger) ErrorWith(comp, code, msg string, durSince *time.Time, unit string) {
	withUnit(l.zl.Error().Str("comp", comp).Str("stage", "error").Str("code", code).Int64("dur_ms", since(durSince)), unit).Msg(msg)
}

// ErrorWithKV 支持附带键值对（例如 HTTP 状态码、上游错误片段）。
func (l *Logger) ErrorWithKV(comp, code, msg string, durSince *time.Time, unit string, kv map[string]string) {
	e := withUnit(l.zl.Error().Str("comp", comp).Str("stage", "error").Str("code", code).Int64("dur_ms", since(durSince)), unit)
	withKV(e, kv).Msg(msg)
}

// InfoFinish 在已有起点的情况下记录 finish。
func (l *Logger) InfoFinish(comp, msg string, start time.Time, count int64) {
	l.zl.Info().Str("comp", comp).Str("stage", "finish").Int64("dur_ms", time.Since(start).Milliseconds()).Int64("count", count).Msg(msg)
}

// DebugStart 输出调试级别的 start 事件（仅在 level=debug 时生效）。
func (l *Logger) DebugStart(comp, msg, unit string, kv map[string]string) {
	withKV(withUnit(l.zl.Debug().Str("comp", comp).Str("stage", "start"), unit), kv).Msg(msg)
}

// Timer 用于 start→finish 计时。
type Timer struct {
	l    *Logger
	comp string
	unit string
	t0   time.Time
}

// Finish 记录 finish；可选 count。
func (t *Timer) Finish(msg string, count int64) {
	if t == nil || t.l == nil {
		return
	}
	e := t.l.zl.Info().Str("comp", t.comp).Str("stage", "finish").Int64("dur_ms", time.Since(t.t0).Milliseconds()).Int64("count", count)
	withUnit(e, t.unit).Msg(msg)
}

// Elapsed 返回自 start 以来的耗时。
func (t *Timer) Elapsed() time.Duration {
	if t == nil {
		return 0
	}
	return time.Since(t.t0)
}

