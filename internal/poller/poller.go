package poller

import (
	"context"
	"sync"
	"time"

	"agent-session-sync/internal/config"

	"github.com/cenkalti/backoff/v4"
)

type Options struct {
	Base   time.Duration
	Min    time.Duration
	Max    time.Duration
	Factor float64
}

// OptionsFromConfig 从配置构造轮询参数
func OptionsFromConfig(c config.PollerConfig) Options {
	return Options{
		Base:   c.BaseInterval,
		Min:    c.MinInterval,
		Max:    c.MaxInterval,
		Factor: c.BackoffFactor,
	}
}

func (o Options) normalized() Options {
	if o.Base <= 0 {
		o.Base = time.Second
	}
	if o.Min <= 0 || o.Min > o.Base {
		o.Min = o.Base
	}
	if o.Max < o.Base {
		o.Max = o.Base
	}
	if o.Factor < 1 {
		o.Factor = 1
	}
	return o
}

// newBackOff 不加随机抖动、不限总时长的指数退避
func (o Options) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.Base
	b.Multiplier = o.Factor
	b.MaxInterval = o.Max
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	return b
}

// Poller 定时执行回调：成功回到基础间隔，失败按倍数退避并限制在 [Min, Max]
type Poller struct {
	opts Options
	fn   func(ctx context.Context) error

	mu       sync.Mutex
	backoff  *backoff.ExponentialBackOff
	interval time.Duration
	errCount int
	active   bool
	closed   bool
	timer    *time.Timer
	gen      uint64

	runMu  sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New 创建轮询器，SetActive(true) 之后才开始计时
func New(opts Options, fn func(ctx context.Context) error) *Poller {
	opts = opts.normalized()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Poller{
		opts:    opts,
		fn:      fn,
		backoff: opts.newBackOff(),
		ctx:     ctx,
		cancel:  cancel,
	}
	p.restartLocked()
	return p
}

// Interval 下一次轮询的间隔
func (p *Poller) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

// ErrorCount 连续失败次数
func (p *Poller) ErrorCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.errCount
}

// Active 是否在定时轮询
func (p *Poller) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// SetActive 停用时清掉挂起的定时器；重新启用从当前（可能已退避的）间隔开始
func (p *Poller) SetActive(active bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.active == active {
		return
	}
	p.active = active
	if active {
		p.armLocked()
	} else {
		p.stopLocked()
	}
}

// Reset 回到基础间隔并清零错误计数
func (p *Poller) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.restartLocked()
	if p.active && !p.closed {
		p.armLocked()
	}
}

// Trigger 立即执行一次，和定时触发走同一条成功/失败路径。关闭之后调用是空操作
func (p *Poller) Trigger() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	err := p.run()

	p.mu.Lock()
	if p.active && !p.closed {
		p.armLocked()
	}
	p.mu.Unlock()
	return err
}

// Close 停止计时并取消正在执行的回调
func (p *Poller) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	p.active = false
	p.stopLocked()
	p.cancel()
}

func (p *Poller) run() error {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	err := p.fn(p.ctx)

	p.mu.Lock()
	p.recordLocked(err)
	p.mu.Unlock()
	return err
}

func (p *Poller) recordLocked(err error) {
	if err == nil {
		p.restartLocked()
		return
	}
	p.errCount++
	next := p.backoff.NextBackOff()
	if next < p.opts.Min {
		next = p.opts.Min
	}
	p.interval = next
}

// restartLocked 回到基础间隔。退避器先取走第一档，下一次失败直接得到 Base*Factor
func (p *Poller) restartLocked() {
	p.backoff.Reset()
	p.interval = p.backoff.NextBackOff()
	p.errCount = 0
}

func (p *Poller) armLocked() {
	p.stopLocked()
	gen := p.gen
	p.timer = time.AfterFunc(p.interval, func() { p.tick(gen) })
}

// stopLocked 通过代数让已经触发但还没拿到锁的旧定时器失效
func (p *Poller) stopLocked() {
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Poller) tick(gen uint64) {
	p.mu.Lock()
	if p.closed || !p.active || gen != p.gen {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	_ = p.run()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active && !p.closed && gen == p.gen {
		p.armLocked()
	}
}
