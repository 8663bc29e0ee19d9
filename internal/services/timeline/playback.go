package timeline

import (
	"sync"
	"time"
)

// State 是回放状态。
type State int

const (
	Stopped State = iota
	Playing
)

func (s State) String() string {
	if s == Playing {
		return "playing"
	}
	return "stopped"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Ticker 是回放使用的周期触发源。
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFunc 创建 Ticker；测试中替换为手动触发实现。
type TickerFunc func(d time.Duration) Ticker

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

// NewTimeTicker 是基于 time.Ticker 的默认实现。
func NewTimeTicker(d time.Duration) Ticker {
	return timeTicker{t: time.NewTicker(d)}
}

const (
	DefaultInterval = 500 * time.Millisecond
	DefaultStep     = 10
)

// ControllerOptions 配置回放控制器。
type ControllerOptions struct {
	Interval time.Duration
	// Step 是 StepForward/StepBackward 在 n<=0 时使用的步长。
	Step      int
	NewTicker TickerFunc
	// OnChange 在游标或状态变化后调用（不持锁），可以在回调内调用控制器方法。
	// 回调按变化发生的顺序逐个送达，不会并发执行。
	OnChange func(index int, state State)
}

// Controller 是时间轴回放状态机：Stopped / Playing。
//
// 同一时刻最多一个计时 goroutine。每次启动都会先取消旧的计时；
// Pause/Stop/Reset/Close 返回之后，任何迟到的 tick 都不会再推进游标。
type Controller struct {
	mu        sync.Mutex
	index     int
	length    int
	state     State
	gen       uint64
	done      chan struct{}
	closed    bool
	interval  time.Duration
	step      int
	newTicker TickerFunc
	onChange  func(int, State)

	// pending 按状态变化顺序排队；同一时刻只有一个 goroutine 负责送达。
	pending    []stateChange
	delivering bool
}

type stateChange struct {
	index int
	state State
}

func NewController(length int, opts ControllerOptions) *Controller {
	c := &Controller{
		length:    max(0, length),
		interval:  opts.Interval,
		step:      opts.Step,
		newTicker: opts.NewTicker,
		onChange:  opts.OnChange,
	}
	if c.interval <= 0 {
		c.interval = DefaultInterval
	}
	if c.step <= 0 {
		c.step = DefaultStep
	}
	if c.newTicker == nil {
		c.newTicker = NewTimeTicker
	}
	return c
}

func (c *Controller) Index() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.length
}

// Play 从当前游标开始回放。已在末尾或序列为空时不做任何事并返回 false。
func (c *Controller) Play() bool {
	c.mu.Lock()
	if c.closed || c.length == 0 || c.index >= c.length-1 {
		c.mu.Unlock()
		return false
	}
	c.cancelLocked()
	c.state = Playing
	gen := c.gen
	done := make(chan struct{})
	c.done = done
	t := c.newTicker(c.interval)
	c.queueLocked()
	c.mu.Unlock()

	go c.loop(gen, t, done)
	c.flush()
	return true
}

// Pause 停止回放；返回时计时已被取消。
func (c *Controller) Pause() {
	c.mu.Lock()
	if c.state != Playing {
		c.mu.Unlock()
		return
	}
	c.cancelLocked()
	c.state = Stopped
	c.queueLocked()
	c.mu.Unlock()
	c.flush()
}

// Toggle 在 Playing 与 Stopped 之间切换，返回切换后的状态。
func (c *Controller) Toggle() State {
	if c.State() == Playing {
		c.Pause()
	} else {
		c.Play()
	}
	return c.State()
}

// StepForward 前进 n 步（n<=0 使用默认步长），夹在末尾。不改变状态。
func (c *Controller) StepForward(n int) int {
	return c.move(func(i, step int) int { return i + step }, n)
}

// StepBackward 后退 n 步（n<=0 使用默认步长），夹在开头。不改变状态。
func (c *Controller) StepBackward(n int) int {
	return c.move(func(i, step int) int { return i - step }, n)
}

// Seek 直接设置游标（滑块），夹在 [0, len-1]。不改变状态。
func (c *Controller) Seek(i int) int {
	return c.move(func(int, int) int { return i }, 0)
}

func (c *Controller) move(next func(i, step int) int, n int) int {
	c.mu.Lock()
	if n <= 0 {
		n = c.step
	}
	c.index = c.clampLocked(next(c.index, n))
	idx := c.index
	c.queueLocked()
	c.mu.Unlock()
	c.flush()
	return idx
}

// Reset 用于过滤结果变化：停止回放，游标归零，长度替换为 length。
func (c *Controller) Reset(length int) {
	c.mu.Lock()
	c.cancelLocked()
	c.state = Stopped
	c.length = max(0, length)
	c.index = 0
	c.queueLocked()
	c.mu.Unlock()
	c.flush()
}

// Close 停止回放，之后 Play 不再生效。
func (c *Controller) Close() {
	c.mu.Lock()
	c.cancelLocked()
	c.state = Stopped
	c.closed = true
	c.mu.Unlock()
}

func (c *Controller) loop(gen uint64, t Ticker, done <-chan struct{}) {
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C():
			if !c.tick(gen) {
				return
			}
		}
	}
}

// tick 推进一步；gen 过期（已暂停/重启）时什么也不做。返回是否继续计时。
func (c *Controller) tick(gen uint64) bool {
	c.mu.Lock()
	if gen != c.gen || c.state != Playing {
		c.mu.Unlock()
		return false
	}
	if c.index < c.length-1 {
		c.index++
	}
	if c.index >= c.length-1 {
		c.cancelLocked()
		c.state = Stopped
	}
	playing := c.state == Playing
	c.queueLocked()
	c.mu.Unlock()
	c.flush()
	return playing
}

// cancelLocked 使当前计时失效。调用方持有 c.mu。
func (c *Controller) cancelLocked() {
	c.gen++
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
}

func (c *Controller) clampLocked(i int) int {
	if c.length == 0 || i < 0 {
		return 0
	}
	if i >= c.length {
		return c.length - 1
	}
	return i
}

// queueLocked 记录当前 (index, state)。调用方持有 c.mu。
func (c *Controller) queueLocked() {
	if c.onChange != nil {
		c.pending = append(c.pending, stateChange{c.index, c.state})
	}
}

// flush 按入队顺序送达回调。已有 goroutine 在送达时直接返回，由它继续处理队列；
// 回调内再次触发的变化也走这里，因此不会死锁。
func (c *Controller) flush() {
	c.mu.Lock()
	if c.delivering {
		c.mu.Unlock()
		return
	}
	c.delivering = true
	for len(c.pending) > 0 {
		ch := c.pending[0]
		c.pending = c.pending[1:]
		c.mu.Unlock()
		c.onChange(ch.index, ch.state)
		c.mu.Lock()
	}
	c.delivering = false
	c.mu.Unlock()
}
