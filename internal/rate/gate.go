package rate

import (
	"context"
	"sync"
	"time"

	"quizgen/pkg/contract"
)

// Key: 限流分组键（client + API Key 摘要），同一把 Key 的所有调用共享额度。
type Key string

// Limits: 单个分组对模型服务的约束；各项为 0 表示不启用。
type Limits struct {
	RPM             int
	TPM             int
	MaxTokensPerReq int
	// MinInterval: 上一次调用结束到下一次调用开始的最小间隔，失败与超时的调用同样计入。
	// 相邻两次调用的开始时刻也至少相隔该值。
	MinInterval time.Duration
}

// Gate: 生成调用前的全局闸门，所有 worker 共享；nil Gate 直接放行。
type Gate struct {
	mu     sync.Mutex
	now    func() time.Time
	groups map[Key]*group
}

type group struct {
	lim  Limits
	req  bucket
	tok  bucket
	next time.Time // 下一次调用最早开始的时刻
}

// New 按分组配置构造闸门；未配置的 Key 不受限。
func New(limits map[Key]Limits) *Gate {
	return newGate(limits, time.Now)
}

func newGate(limits map[Key]Limits, now func() time.Time) *Gate {
	g := &Gate{now: now, groups: make(map[Key]*group, len(limits))}
	t := now()
	for k, lim := range limits {
		g.groups[k] = &group{lim: lim, req: newBucket(lim.RPM, t), tok: newBucket(lim.TPM, t)}
	}
	return g
}

// Limits 返回分组的配置。
func (g *Gate) Limits(key Key) Limits {
	if g == nil {
		return Limits{}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.group(key).lim
}

// Acquire 阻塞到本次调用可以开始；返回的 release 须在调用结束（无论成败）后执行一次。
// 无需等待时即使 ctx 已取消也放行，取消由调用方在调用前判断。
// 单次 tokens 超过单请求上限或 TPM 总量时立即返回 contract.ErrInvalidInput。
func (g *Gate) Acquire(ctx context.Context, key Key, tokens int) (release func(), err error) {
	if g == nil {
		return func() {}, nil
	}
	if tokens < 0 {
		return nil, contract.ErrInvalidInput
	}
	g.mu.Lock()
	grp := g.group(key)
	g.mu.Unlock()
	if grp.lim.MaxTokensPerReq > 0 && tokens > grp.lim.MaxTokensPerReq {
		return nil, contract.ErrInvalidInput
	}
	if grp.lim.TPM > 0 && tokens > grp.lim.TPM {
		return nil, contract.ErrInvalidInput
	}
	for {
		g.mu.Lock()
		now := g.now()
		d := grp.delay(now, tokens)
		if d <= 0 {
			grp.take(now, tokens)
			g.mu.Unlock()
			var once sync.Once
			return func() { once.Do(func() { g.finish(grp) }) }, nil
		}
		g.mu.Unlock()
		if err := sleep(ctx, d); err != nil {
			return nil, err
		}
	}
}

// finish 记录调用结束：下一次调用至少在 MinInterval 之后开始。
func (g *Gate) finish(grp *group) {
	if grp.lim.MinInterval <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if t := g.now().Add(grp.lim.MinInterval); t.After(grp.next) {
		grp.next = t
	}
}

// group 须持锁调用。
func (g *Gate) group(key Key) *group {
	grp := g.groups[key]
	if grp == nil {
		grp = &group{}
		g.groups[key] = grp
	}
	return grp
}

// delay 返回距离可放行还需等待的时长；<=0 表示立即放行。
func (grp *group) delay(now time.Time, tokens int) time.Duration {
	d := grp.next.Sub(now)
	grp.req.refill(now)
	grp.tok.refill(now)
	if w := grp.req.shortfall(1); w > d {
		d = w
	}
	if w := grp.tok.shortfall(tokens); w > d {
		d = w
	}
	return d
}

func (grp *group) take(now time.Time, tokens int) {
	grp.req.spend(1)
	grp.tok.spend(tokens)
	if grp.lim.MinInterval > 0 {
		grp.next = now.Add(grp.lim.MinInterval)
	}
}

// bucket: 按分钟额度匀速回填的令牌桶；perMin=0 时关闭。
type bucket struct {
	perMin int
	level  float64
	last   time.Time
}

func newBucket(perMin int, now time.Time) bucket {
	if perMin <= 0 {
		return bucket{}
	}
	return bucket{perMin: perMin, level: float64(perMin), last: now}
}

func (b *bucket) refill(now time.Time) {
	if b.perMin == 0 || !now.After(b.last) {
		return
	}
	b.level += now.Sub(b.last).Minutes() * float64(b.perMin)
	if b.level > float64(b.perMin) {
		b.level = float64(b.perMin)
	}
	b.last = now
}

// shortfall 返回攒够 n 个令牌还需的时长。
func (b *bucket) shortfall(n int) time.Duration {
	if b.perMin == 0 || n <= 0 {
		return 0
	}
	missing := float64(n) - b.level
	if missing <= 0 {
		return 0
	}
	d := time.Duration(missing / float64(b.perMin) * float64(time.Minute))
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

func (b *bucket) spend(n int) {
	if b.perMin == 0 || n <= 0 {
		return
	}
	b.level -= float64(n)
	if b.level < 0 {
		b.level = 0
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
