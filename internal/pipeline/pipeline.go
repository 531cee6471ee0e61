package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"quizgen/internal/diag"
	"quizgen/internal/ledger"
	"quizgen/internal/plan"
	"quizgen/internal/prompt"
	"quizgen/internal/rate"
	"quizgen/pkg/contract"
)

// - 单点并发：仅此层管理并发；原子组件均为同步、无内部并发。
// - 失败隔离：单元级失败只记录与计数，不影响其它单元；重跑即重试。
// - 持久优先：记录生成后立即追加；追加失败无法保证持久性，整体中止。
// - 取消：在单元之间停止派发，已完成的记录全部保留。

// Components 聚合运行所需的原子组件。
type Components struct {
	Reader        contract.Reader
	Segmenter     contract.Segmenter
	Titles        plan.Resolver
	PromptBuilder contract.PromptBuilder
	LLM           contract.LLMClient
	Decoder       contract.Decoder
	Assembler     contract.Assembler
	Store         contract.Store
}

// Settings 运行期配置（最小必要）。
type Settings struct {
	Inputs             []string
	MaxChaptersPerBook int
	// Concurrency: 同时在途的单元数；1 为严格顺序。
	Concurrency int
	// MaxRetries: 单元内对调用/解码的重试次数；0 表示不重试（重跑即重试）。
	MaxRetries int
	// CallTimeout: 单次模型调用的超时；<=0 不设。
	CallTimeout time.Duration
	// 预算：单请求 token 上限与估算参数；MaxTokens<=0 关闭预算检查。
	MaxTokens     int
	BytesPerToken int
	// Gate: 全局闸门（可选）：最小调用间隔与 RPM/TPM 限额，所有 worker 共享。
	Gate    *rate.Gate
	GateKey rate.Key
	// LLMName: 仅用于终端提示。
	LLMName string
	// Terminal: 终端进度（可选）。
	Terminal *diag.Terminal
}

// Summary: 一次运行的统计。
type Summary struct {
	Enumerated   int
	AlreadyDone  int
	Outstanding  int
	Attempted    int
	Succeeded    int
	Failed       int
	SkippedLines int
	Store        string
}

// Report: 枚举 + 台账 + 求差的结果（dry run 与 Run 共用）。
type Report struct {
	Plan        *plan.Plan
	Ledger      *ledger.Ledger
	Outstanding []contract.Job
}

// BookStatus: 单本书的计划摘要。
type BookStatus struct {
	Title       string
	FileID      contract.FileID
	Chunks      int
	Dropped     int
	Units       int
	Outstanding int
}

// Books 按枚举顺序给出每本书的单元数与待生成数。
func (r *Report) Books() []BookStatus {
	out := make([]BookStatus, 0, len(r.Plan.Books))
	for _, b := range r.Plan.Books {
		st := BookStatus{Title: b.Title, FileID: b.FileID, Chunks: b.Chunks, Dropped: b.Dropped, Units: b.Units}
		for _, j := range r.Plan.Jobs[b.FirstSeq : b.FirstSeq+b.Units] {
			if !r.Ledger.Contains(j.Unit) {
				st.Outstanding++
			}
		}
		out = append(out, st)
	}
	return out
}

// Prepare 枚举工作集、扫描存储并求差；不发起任何模型调用。
func Prepare(ctx context.Context, comp Components, set Settings, logger *diag.Logger) (*Report, error) {
	if logger == nil {
		logger = diag.Nop()
	}
	if comp.Reader == nil || comp.Segmenter == nil || comp.Titles == nil || comp.Store == nil {
		return nil, errors.New("pipeline: missing components")
	}
	if len(set.Inputs) == 0 {
		return nil, errors.New("pipeline: empty inputs")
	}
	t := logger.Start("plan", "enumerate")
	p, err := plan.Enumerate(ctx, comp.Reader, set.Inputs, comp.Segmenter, comp.Titles, plan.Options{MaxChaptersPerBook: set.MaxChaptersPerBook})
	if err != nil {
		logger.Error("plan", string(diag.Classify(err)), err.Error(), nil)
		return nil, err
	}
	t.Finish("enumerate", int64(len(p.Jobs)))

	t = logger.Start("ledger", "scan")
	l, err := ledger.Load(ctx, comp.Store)
	if err != nil {
		logger.Error("ledger", string(diag.Classify(err)), err.Error(), nil)
		return nil, err
	}
	t.Finish("scan", int64(l.Len()))
	if l.Skipped() > 0 {
		logger.Warn("ledger", "skipped unparseable records", map[string]string{
			"count": fmt.Sprintf("%d", l.Skipped()),
			"store": comp.Store.Location(),
		})
	}
	out := plan.Diff(p.Jobs, l)
	diag.SetUnits("enumerated", len(p.Jobs))
	diag.SetUnits("done", len(p.Jobs)-len(out))
	diag.SetUnits("outstanding", len(out))
	return &Report{Plan: p, Ledger: l, Outstanding: out}, nil
}

// Run 执行完整流水线：枚举 → 台账 → 求差 → Gate → Prompt → LLM → Decoder → Assembler → Store。
// 返回的 error 仅表示启动失败、存储追加失败或取消；单元级失败体现在 Summary.Failed。
func Run(ctx context.Context, comp Components, set Settings, logger *diag.Logger) (Summary, error) {
	if logger == nil {
		logger = diag.Nop()
	}
	if err := sanity(comp); err != nil {
		return Summary{}, fmt.Errorf("sanity: %w", err)
	}
	rep, err := Prepare(ctx, comp, set, logger)
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{
		Enumerated:   len(rep.Plan.Jobs),
		Outstanding:  len(rep.Outstanding),
		SkippedLines: rep.Ledger.Skipped(),
		Store:        comp.Store.Location(),
	}
	sum.AlreadyDone = sum.Enumerated - sum.Outstanding

	// 片段预算：扣除与片段无关的固定提示开销
	effMax := 0
	if set.MaxTokens > 0 {
		eff, overhead := prompt.EffectiveMaxTokens(comp.PromptBuilder, set.BytesPerToken, set.MaxTokens)
		if eff <= 0 {
			return sum, fmt.Errorf("%w: effective token budget <= 0 after overhead %d", contract.ErrBudgetExceeded, overhead)
		}
		effMax = eff
	}

	conc := set.Concurrency
	if conc < 1 {
		conc = 1
	}
	set.Terminal.RunStart(conc, set.LLMName, sum.Outstanding, sum.AlreadyDone)
	start := time.Now()

	w := &worker{comp: comp, set: set, logger: logger, effMax: effMax, est: prompt.MakeEstimator(set.BytesPerToken)}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(conc)
	for _, j := range rep.Outstanding {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return w.process(gctx, j)
		})
	}
	err = g.Wait()

	sum.Attempted, sum.Succeeded, sum.Failed = w.counts()
	diag.SetUnits("succeeded", sum.Succeeded)
	diag.SetUnits("failed", sum.Failed)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	set.Terminal.RunFinish(err == nil && sum.Failed == 0, sum.Succeeded, sum.Failed, sum.Store, time.Since(start))
	if err != nil {
		return sum, err
	}
	logger.InfoFinish("pipeline", "run", start, int64(sum.Succeeded))
	return sum, nil
}

type worker struct {
	comp   Components
	set    Settings
	logger *diag.Logger
	effMax int
	est    contract.TokenEstimator

	mu        sync.Mutex
	attempted int
	succeeded int
	failed    int
}

func (w *worker) counts() (attempted, succeeded, failed int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.attempted, w.succeeded, w.failed
}

// process 处理单个单元。仅在存储追加失败时返回错误（触发整体中止）；
// 取消时静默返回，单元保持未完成。
func (w *worker) process(ctx context.Context, j contract.Job) error {
	if ctx.Err() != nil {
		return nil
	}
	unit := j.Unit.String()
	t0 := time.Now()
	rec, err := w.generate(ctx, j)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		code := diag.Classify(err)
		w.logger.ErrorWith("pipeline", string(code), err.Error(), &t0, unit)
		diag.IncOp("unit", "error", "error")
		w.mu.Lock()
		w.attempted++
		w.failed++
		w.mu.Unlock()
		w.set.Terminal.UnitFinish(unit, false, 0, string(code), time.Since(t0))
		return nil
	}

	st := w.logger.StartWith("store", "append", unit)
	if err := w.comp.Store.Append(ctx, rec); err != nil {
		w.logger.ErrorWith("store", string(diag.CodeIO), err.Error(), &t0, unit)
		diag.IncError("store", string(diag.CodeIO))
		w.mu.Lock()
		w.attempted++
		w.failed++
		w.mu.Unlock()
		w.set.Terminal.UnitFinish(unit, false, 0, string(diag.CodeIO), time.Since(t0))
		return fmt.Errorf("%w: %s: %w", contract.ErrStoreAppend, unit, err)
	}
	st.Finish("append", int64(len(rec.Questions)))
	diag.IncOp("unit", "finish", "success")
	diag.ObserveDuration("unit", "finish", time.Since(t0).Milliseconds())
	w.mu.Lock()
	w.attempted++
	w.succeeded++
	w.mu.Unlock()
	w.set.Terminal.UnitFinish(unit, true, len(rec.Questions), "", time.Since(t0))
	return nil
}

// generate: Prompt → Gate → LLM → Decoder → Assembler，带可选重试。
func (w *worker) generate(ctx context.Context, j contract.Job) (contract.QuestionRecord, error) {
	unit := j.Unit.String()
	if w.effMax > 0 {
		if n := w.est(j.Text); n > w.effMax {
			return contract.QuestionRecord{}, fmt.Errorf("%w: chunk needs ~%d tokens, budget %d", contract.ErrBudgetExceeded, n, w.effMax)
		}
	}
	p, err := w.comp.PromptBuilder.Build(ctx, j)
	if err != nil {
		return contract.QuestionRecord{}, fmt.Errorf("prompt: %w", err)
	}
	tokens := prompt.PromptTokens(p, w.set.BytesPerToken)

	attempts := w.set.MaxRetries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		w.logger.DebugStart("gate", "ask", unit, map[string]string{
			"tokens":  fmt.Sprintf("%d", tokens),
			"attempt": fmt.Sprintf("%d", attempt+1),
		})
		release, err := w.set.Gate.Acquire(ctx, w.set.GateKey, tokens)
		if err != nil {
			// 闸门错误不重试（取消或单请求超限）
			if errors.Is(err, contract.ErrInvalidInput) {
				err = fmt.Errorf("%w: prompt ~%d tokens exceeds provider limit", contract.ErrBudgetExceeded, tokens)
			}
			return contract.QuestionRecord{}, err
		}
		raw, err := w.invoke(ctx, j, p, tokens, attempt)
		release()
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return contract.QuestionRecord{}, ctx.Err()
			}
			if attempt+1 < attempts && shouldRetryInvoke(err) {
				continue
			}
			break
		}

		dt := w.logger.StartWith("decoder", "decode", unit)
		items, err := w.comp.Decoder.Decode(ctx, j.Unit, raw)
		if err != nil {
			lastErr = fmt.Errorf("decode: %w", err)
			w.logger.ErrorWith("decoder", string(diag.Classify(err)), "decode failed", nil, unit)
			diag.IncOp("decoder", "error", "error")
			diag.IncError("decoder", string(diag.Classify(err)))
			if attempt+1 < attempts && shouldRetryDecode(err) {
				continue
			}
			break
		}
		dt.Finish("decode", int64(len(items)))
		diag.IncOp("decoder", "finish", "success")

		rec, err := w.comp.Assembler.Assemble(ctx, j.Unit, items)
		if err != nil {
			return contract.QuestionRecord{}, fmt.Errorf("assemble: %w", err)
		}
		return rec, nil
	}
	return contract.QuestionRecord{}, lastErr
}

// invoke 单次模型调用；单次超时归为网络类（可重试），与整体取消区分。
func (w *worker) invoke(ctx context.Context, j contract.Job, p contract.Prompt, tokens, attempt int) (contract.Raw, error) {
	unit := j.Unit.String()
	cctx := ctx
	if w.set.CallTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, w.set.CallTimeout)
		defer cancel()
	}
	lt := w.logger.StartWithKV("llm_client", "invoke", unit, map[string]string{
		"tokens":  fmt.Sprintf("%d", tokens),
		"attempt": fmt.Sprintf("%d", attempt+1),
	})
	raw, err := w.comp.LLM.Invoke(cctx, j, p)
	if err != nil {
		if ctx.Err() == nil && cctx.Err() != nil {
			err = callTimeoutError{d: w.set.CallTimeout}
		}
		code := diag.Classify(err)
		var ue contract.UpstreamError
		if errors.As(err, &ue) {
			kv := map[string]string{"http_status": fmt.Sprintf("%d", ue.UpstreamStatus())}
			if m := strings.TrimSpace(ue.UpstreamMessage()); m != "" {
				if len(m) > 200 {
					m = m[:200]
				}
				kv["upstream_msg"] = m
			}
			w.logger.ErrorWithKV("llm_client", string(code), "invoke failed", nil, unit, kv)
		} else {
			w.logger.ErrorWith("llm_client", string(code), "invoke failed", nil, unit)
		}
		diag.IncOp("llm_client", "error", "error")
		if code != diag.CodeUnknown {
			diag.IncError("llm_client", string(code))
		}
		return contract.Raw{}, fmt.Errorf("invoke: %w", err)
	}
	lt.Finish("invoke", int64(tokens))
	diag.IncOp("llm_client", "finish", "success")
	diag.ObserveDuration("llm_client", "invoke", lt.Elapsed().Milliseconds())
	return raw, nil
}

// callTimeoutError 实现 net.Error，使单次调用超时归入网络类。
type callTimeoutError struct{ d time.Duration }

func (e callTimeoutError) Error() string   { return fmt.Sprintf("call timeout after %s", e.d) }
func (e callTimeoutError) Timeout() bool   { return true }
func (e callTimeoutError) Temporary() bool { return true }

func sanity(c Components) error {
	if c.Reader == nil || c.Segmenter == nil || c.Titles == nil || c.PromptBuilder == nil ||
		c.LLM == nil || c.Decoder == nil || c.Assembler == nil || c.Store == nil {
		return errors.New("pipeline: missing components")
	}
	return nil
}

// shouldRetryInvoke: 预算/限流与网络类错误重试；取消与其他错误不重试。
func shouldRetryInvoke(err error) bool {
	switch diag.Classify(err) {
	case diag.CodeBudget, diag.CodeNetwork:
		return true
	default:
		return false
	}
}

// shouldRetryDecode: 仅对响应无效（协议类）重试。
func shouldRetryDecode(err error) bool {
	return diag.Classify(err) == diag.CodeProtocol
}
