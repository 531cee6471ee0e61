package diag

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 进程级指标，注册在私有 Registry 中（批处理 CLI 不开 HTTP 端口）：
// - quizgen_op_total{comp,stage,result}
// - quizgen_error_total{comp,code}
// - quizgen_op_duration_seconds{comp,stage}
// - quizgen_units{state}
var (
	registry = prometheus.NewRegistry()

	opTotal = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "quizgen_op_total",
		Help: "Pipeline operations by component, stage and result.",
	}, []string{"comp", "stage", "result"})

	errorTotal = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "quizgen_error_total",
		Help: "Errors by component and classification code.",
	}, []string{"comp", "code"})

	opDuration = promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quizgen_op_duration_seconds",
		Help:    "Stage latency.",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"comp", "stage"})

	units = promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
		Name: "quizgen_units",
		Help: "Work units by state (enumerated, done, outstanding, succeeded, failed).",
	}, []string{"state"})
)

// IncOp 累加操作计数（result=success|error）。
func IncOp(comp, stage, result string) {
	opTotal.WithLabelValues(comp, stage, result).Inc()
}

// IncError 按分类累加错误计数。
func IncError(comp, code string) {
	errorTotal.WithLabelValues(comp, code).Inc()
}

// ObserveDuration 记录阶段耗时（毫秒）。
func ObserveDuration(comp, stage string, durMS int64) {
	opDuration.WithLabelValues(comp, stage).Observe(float64(durMS) / 1000)
}

// SetUnits 设置某一状态下的单元数。
func SetUnits(state string, n int) {
	units.WithLabelValues(state).Set(float64(n))
}

// Registry 暴露私有 Registry（测试与导出用）。
func Registry() *prometheus.Registry { return registry }

// WriteTextfile 以 node-exporter textfile 格式原子写出全部指标。
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, registry)
}
