package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"quizgen/internal/diag"
	"quizgen/internal/rate"
	"quizgen/internal/titles"
	"quizgen/pkg/contract"
	arec "quizgen/plugins/assembler/record"
	dquiz "quizgen/plugins/decoder/quizjson"
	"quizgen/plugins/llmclient/flaky"
	"quizgen/plugins/llmclient/mock"
	pquiz "quizgen/plugins/prompt/quiz"
	rfs "quizgen/plugins/reader/filesystem"
	smd "quizgen/plugins/splitter/markdown"
	sjsonl "quizgen/plugins/store/jsonl"
)

// testdata/corpus: 两本书各 2 个有效片段 → 12 个单元。
const corpusUnits = 12

func newComponents(t *testing.T, out string, llm contract.LLMClient) Components {
	t.Helper()
	reg, err := titles.Load(filepath.Join("testdata", "titles.jsonl"), nil)
	if err != nil {
		t.Fatalf("titles: %v", err)
	}
	pb, err := pquiz.New(nil)
	if err != nil {
		t.Fatalf("prompt: %v", err)
	}
	if llm == nil {
		llm, err = mock.New(nil)
		if err != nil {
			t.Fatalf("mock: %v", err)
		}
	}
	st, err := sjsonl.New(&sjsonl.Options{Path: out, NoSync: true})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return Components{
		Reader:        rfs.New(nil),
		Segmenter:     smd.New(nil),
		Titles:        reg,
		PromptBuilder: pb,
		LLM:           llm,
		Decoder:       dquiz.New(nil),
		Assembler:     arec.New(nil),
		Store:         st,
	}
}

func settings() Settings {
	return Settings{Inputs: []string{filepath.Join("testdata", "corpus")}, Concurrency: 1}
}

func readUnits(t *testing.T, path string) []contract.WorkUnit {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	var out []contract.WorkUnit
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		var rec contract.QuestionRecord
		if json.Unmarshal(sc.Bytes(), &rec) != nil || rec.BookName == "" {
			continue
		}
		out = append(out, rec.Unit())
	}
	return out
}

// E2E-01: 首次运行生成全部单元；重跑无调用且输出不变
func TestRunConverges(t *testing.T) {
	out := filepath.Join(t.TempDir(), "questions.jsonl")
	sum, err := Run(context.Background(), newComponents(t, out, nil), settings(), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Enumerated != corpusUnits || sum.Succeeded != corpusUnits || sum.Failed != 0 || sum.AlreadyDone != 0 {
		t.Fatalf("首次运行统计错误: %+v", sum)
	}
	units := readUnits(t, out)
	if len(units) != corpusUnits {
		t.Fatalf("期望 %d 条记录, got %d", corpusUnits, len(units))
	}
	if units[0] != (contract.WorkUnit{Book: "背影", Chapter: "一", Level: 1}) {
		t.Fatalf("书名应解析为登记标题且按枚举顺序写出: %+v", units[0])
	}
	if units[6].Book != "城南旧事" || units[6].Chapter != "惠安馆" {
		t.Fatalf("未登记书名应回落为文件名: %+v", units[6])
	}
	before, _ := os.ReadFile(out)

	fl, _ := flaky.New(json.RawMessage(`{"script":["invalid"]}`))
	sum, err = Run(context.Background(), newComponents(t, out, fl), settings(), nil)
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if sum.Outstanding != 0 || sum.Attempted != 0 || sum.AlreadyDone != corpusUnits {
		t.Fatalf("重跑应无待生成单元: %+v", sum)
	}
	if fl.(*flaky.Client).Calls() != 0 {
		t.Fatalf("重跑不应发起调用")
	}
	after, _ := os.ReadFile(out)
	if !bytes.Equal(before, after) {
		t.Fatalf("重跑不应改动输出")
	}
}

// E2E-02: 中途崩溃后续跑：已完成的 3 个单元跳过，残缺的第 4 行被容忍，第 4 个单元重新生成
func TestRunResumesAfterCrash(t *testing.T) {
	out := filepath.Join(t.TempDir(), "questions.jsonl")
	comp := newComponents(t, out, nil)
	rep, err := Prepare(context.Background(), comp, settings(), nil)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	for _, j := range rep.Plan.Jobs[:3] {
		items := []contract.QuestionItem{{ID: 1, Question: "q", Options: []string{"a"}, Explanation: "e"}}
		rec, err := comp.Assembler.Assemble(context.Background(), j.Unit, items)
		if err != nil {
			t.Fatalf("assemble: %v", err)
		}
		if err := comp.Store.Append(context.Background(), rec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	_ = comp.Store.Close()
	// 第 4 条写到一半
	f, err := os.OpenFile(out, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString(`{"_id":"torn","book_name":"背影","chapter":"二","lev`)
	_ = f.Close()

	sum, err := Run(context.Background(), newComponents(t, out, nil), settings(), nil)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if sum.AlreadyDone != 3 || sum.Outstanding != corpusUnits-3 || sum.Succeeded != corpusUnits-3 || sum.SkippedLines != 1 {
		t.Fatalf("续跑统计错误: %+v", sum)
	}
	units := readUnits(t, out)
	if len(units) != corpusUnits {
		t.Fatalf("续跑后应有 %d 条有效记录, got %d", corpusUnits, len(units))
	}
	if units[3] != rep.Plan.Jobs[3].Unit {
		t.Fatalf("第 4 个单元应被重新生成: %+v", units[3])
	}
	seen := map[contract.WorkUnit]bool{}
	for _, u := range units {
		if seen[u] {
			t.Fatalf("不应产生重复记录: %+v", u)
		}
		seen[u] = true
	}
}

// E2E-03: 单元失败被隔离，重跑补齐
func TestRunIsolatesFailures(t *testing.T) {
	out := filepath.Join(t.TempDir(), "questions.jsonl")
	fl, _ := flaky.New(json.RawMessage(`{"script":["invalid","upstream","ok"]}`))
	sum, err := Run(context.Background(), newComponents(t, out, fl), settings(), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Failed != 2 || sum.Succeeded != corpusUnits-2 || sum.Attempted != corpusUnits {
		t.Fatalf("失败应被隔离: %+v", sum)
	}
	if got := len(readUnits(t, out)); got != corpusUnits-2 {
		t.Fatalf("期望 %d 条记录, got %d", corpusUnits-2, got)
	}
	sum, err = Run(context.Background(), newComponents(t, out, nil), settings(), nil)
	if err != nil || sum.Outstanding != 2 || sum.Succeeded != 2 {
		t.Fatalf("重跑应只补齐失败单元: %+v %v", sum, err)
	}
	if got := len(readUnits(t, out)); got != corpusUnits {
		t.Fatalf("重跑后应收敛为 %d 条, got %d", corpusUnits, got)
	}
}

// E2E-04: 开启重试后限流与无效响应在单元内恢复
func TestRunRetries(t *testing.T) {
	out := filepath.Join(t.TempDir(), "questions.jsonl")
	fl, _ := flaky.New(nil) // rate_limited, invalid, ok...
	set := settings()
	set.MaxRetries = 2
	sum, err := Run(context.Background(), newComponents(t, out, fl), set, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Succeeded != corpusUnits || sum.Failed != 0 {
		t.Fatalf("重试后应全部成功: %+v", sum)
	}
	if calls := fl.(*flaky.Client).Calls(); calls != corpusUnits+2 {
		t.Fatalf("期望 %d 次调用, got %d", corpusUnits+2, calls)
	}
}

// E2E-05: 并发 + 节拍 + 闸门下输出完整且无重复
func TestRunConcurrent(t *testing.T) {
	out := filepath.Join(t.TempDir(), "questions.jsonl")
	set := settings()
	set.Concurrency = 4
	set.Gate = rate.New(map[rate.Key]rate.Limits{"k": {RPM: 6000, MinInterval: time.Millisecond}})
	set.GateKey = "k"
	var term bytes.Buffer
	set.Terminal = diag.NewTerminal(&term, true)
	set.LLMName = "mock"
	sum, err := Run(context.Background(), newComponents(t, out, nil), set, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Succeeded != corpusUnits {
		t.Fatalf("并发运行统计错误: %+v", sum)
	}
	units := readUnits(t, out)
	seen := map[contract.WorkUnit]bool{}
	for _, u := range units {
		seen[u] = true
	}
	if len(units) != corpusUnits || len(seen) != corpusUnits {
		t.Fatalf("并发输出不完整或重复: %d/%d", len(units), len(seen))
	}
	if strings.Count(term.String(), "[ok] (") != corpusUnits {
		t.Fatalf("终端应逐单元输出:\n%s", term.String())
	}
}

// slowLLM 记录每次调用的起止时刻。
type slowLLM struct {
	contract.LLMClient
	d      time.Duration
	mu     sync.Mutex
	starts []time.Time
	ends   []time.Time
}

func (s *slowLLM) Invoke(ctx context.Context, j contract.Job, p contract.Prompt) (contract.Raw, error) {
	s.mu.Lock()
	s.starts = append(s.starts, time.Now())
	s.mu.Unlock()
	time.Sleep(s.d)
	raw, err := s.LLMClient.Invoke(ctx, j, p)
	s.mu.Lock()
	s.ends = append(s.ends, time.Now())
	s.mu.Unlock()
	return raw, err
}

// E2E-05b: 最小间隔从上一次调用结束起算，即使调用耗时超过间隔
func TestRunIntervalAfterSlowCall(t *testing.T) {
	out := filepath.Join(t.TempDir(), "questions.jsonl")
	inner, err := mock.New(nil)
	if err != nil {
		t.Fatalf("mock: %v", err)
	}
	llm := &slowLLM{LLMClient: inner, d: 60 * time.Millisecond}
	set := settings()
	set.MaxChaptersPerBook = 1
	set.Gate = rate.New(map[rate.Key]rate.Limits{"k": {MinInterval: 40 * time.Millisecond}})
	set.GateKey = "k"
	if _, err := Run(context.Background(), newComponents(t, out, llm), set, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(llm.starts) < 2 {
		t.Fatalf("调用次数不足: %d", len(llm.starts))
	}
	for i := 1; i < len(llm.starts); i++ {
		if gap := llm.starts[i].Sub(llm.ends[i-1]); gap < 40*time.Millisecond {
			t.Fatalf("第 %d 次调用结束到第 %d 次开始仅间隔 %v", i, i+1, gap)
		}
	}
}

type failingStore struct {
	contract.Store
	appends int
}

func (s *failingStore) Append(context.Context, contract.QuestionRecord) error {
	s.appends++
	return errors.New("disk full")
}

// E2E-06: 追加失败中止运行
func TestRunAppendFailureAborts(t *testing.T) {
	out := filepath.Join(t.TempDir(), "questions.jsonl")
	comp := newComponents(t, out, nil)
	fs := &failingStore{Store: comp.Store}
	comp.Store = fs
	sum, err := Run(context.Background(), comp, settings(), nil)
	if !errors.Is(err, contract.ErrStoreAppend) {
		t.Fatalf("应返回 ErrStoreAppend, got %v", err)
	}
	if fs.appends != 1 || sum.Succeeded != 0 {
		t.Fatalf("首次追加失败后应停止派发: appends=%d %+v", fs.appends, sum)
	}
}

type cancelAfter struct {
	inner  contract.LLMClient
	n      int
	cancel context.CancelFunc
	mu     sync.Mutex
	calls  int
}

func (c *cancelAfter) Invoke(ctx context.Context, j contract.Job, p contract.Prompt) (contract.Raw, error) {
	c.mu.Lock()
	c.calls++
	n := c.calls
	c.mu.Unlock()
	if n > c.n {
		c.cancel()
		return contract.Raw{}, ctx.Err()
	}
	return c.inner.Invoke(ctx, j, p)
}

// E2E-07: 取消在单元之间生效，已完成记录保留
func TestRunCancel(t *testing.T) {
	out := filepath.Join(t.TempDir(), "questions.jsonl")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m, _ := mock.New(nil)
	llm := &cancelAfter{inner: m, n: 2, cancel: cancel}
	sum, err := Run(ctx, newComponents(t, out, llm), settings(), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("应返回取消错误, got %v", err)
	}
	if sum.Succeeded != 2 || sum.Failed != 0 {
		t.Fatalf("取消前完成的单元应保留且被取消单元不计失败: %+v", sum)
	}
	if got := len(readUnits(t, out)); got != 2 {
		t.Fatalf("期望 2 条记录, got %d", got)
	}
}

type blockingLLM struct{}

func (blockingLLM) Invoke(ctx context.Context, j contract.Job, p contract.Prompt) (contract.Raw, error) {
	<-ctx.Done()
	return contract.Raw{}, ctx.Err()
}

// E2E-08: 单次调用超时只让该单元失败
func TestRunCallTimeout(t *testing.T) {
	out := filepath.Join(t.TempDir(), "questions.jsonl")
	set := settings()
	set.MaxChaptersPerBook = 1
	set.CallTimeout = 10 * time.Millisecond
	var buf bytes.Buffer
	logger := diag.NewLoggerTo(&buf, "t", "info")
	sum, err := Run(context.Background(), newComponents(t, out, blockingLLM{}), set, logger)
	if err != nil {
		t.Fatalf("超时不应中止运行: %v", err)
	}
	if sum.Enumerated != 6 || sum.Failed != 6 || sum.Succeeded != 0 {
		t.Fatalf("超时统计错误: %+v", sum)
	}
	if !strings.Contains(buf.String(), `"code":"network"`) {
		t.Fatalf("超时应归为网络类:\n%s", buf.String())
	}
}

// E2E-09: 预算与启动期错误
func TestRunStartupErrors(t *testing.T) {
	out := filepath.Join(t.TempDir(), "questions.jsonl")
	set := settings()
	set.MaxTokens = 1
	if _, err := Run(context.Background(), newComponents(t, out, nil), set, nil); !errors.Is(err, contract.ErrBudgetExceeded) {
		t.Fatalf("固定开销超出预算应报错, got %v", err)
	}
	set = settings()
	set.Inputs = []string{filepath.Join("testdata", "nope")}
	if _, err := Run(context.Background(), newComponents(t, out, nil), set, nil); !errors.Is(err, contract.ErrCorpusMissing) {
		t.Fatalf("缺失语料应报错, got %v", err)
	}
	if _, err := Run(context.Background(), Components{}, settings(), nil); err == nil {
		t.Fatalf("缺少组件应报错")
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatalf("启动失败不应创建输出文件")
	}
}

// E2E-10: dry run 按书汇总
func TestPrepareBooks(t *testing.T) {
	out := filepath.Join(t.TempDir(), "questions.jsonl")
	set := settings()
	set.MaxChaptersPerBook = 1
	if _, err := Run(context.Background(), newComponents(t, out, nil), set, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	rep, err := Prepare(context.Background(), newComponents(t, out, nil), settings(), nil)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	books := rep.Books()
	if len(books) != 2 {
		t.Fatalf("期望 2 本书, got %d", len(books))
	}
	for _, b := range books {
		if b.Units != 6 || b.Outstanding != 3 || b.Chunks != 2 {
			t.Fatalf("书目统计错误: %+v", b)
		}
	}
	if books[0].Title != "背影" || len(rep.Outstanding) != 6 {
		t.Fatalf("汇总错误: %+v, outstanding=%d", books[0], len(rep.Outstanding))
	}
}

func TestRetryPolicy(t *testing.T) {
	if !shouldRetryInvoke(contract.ErrRateLimited) || !shouldRetryInvoke(callTimeoutError{}) {
		t.Fatalf("限流与单次超时应重试")
	}
	if shouldRetryInvoke(context.Canceled) || shouldRetryInvoke(contract.ErrInvalidInput) {
		t.Fatalf("取消与非法输入不应重试")
	}
	if !shouldRetryDecode(contract.ErrResponseInvalid) || shouldRetryDecode(errors.New("x")) {
		t.Fatalf("解码重试判定错误")
	}
}
