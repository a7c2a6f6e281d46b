package progress

import (
	"log"
	"sync"
	"time"

	"podgen/server/internal/model"
)

// DefaultInterval 是脚本阶段进度刷新的间隔。
const DefaultInterval = 100 * time.Millisecond

// PublishFunc 接收新的估算进度；只有百分比严格上升时才会被调用。
// 注意：回调在 Ticker 的协程里执行，不能在回调里调用 Stop。
type PublishFunc func(percentage int, message string)

// Ticker 是一个可取消的定时任务，按固定间隔调用 Estimator 并发布进度。
// 同一时刻最多运行一个任务；Start 会先停掉上一个。
type Ticker struct {
	estimator *Estimator
	interval  time.Duration
	now       func() time.Time
	logger    *log.Logger

	mu      sync.Mutex
	running *run
}

type run struct {
	kind    model.GenerationKind
	startAt time.Time
	publish PublishFunc
	last    int
	stop    chan struct{}
	done    chan struct{}
}

// NewTicker 创建定时器；interval<=0 用默认值，now 为 nil 用 time.Now。
func NewTicker(estimator *Estimator, interval time.Duration, now func() time.Time, logger *log.Logger) *Ticker {
	if estimator == nil {
		estimator = NewEstimator(nil, nil)
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Ticker{
		estimator: estimator,
		interval:  interval,
		now:       now,
		logger:    logger,
	}
}

// Start 开始为 kind 估算进度。已有任务会被先停止，保证不泄漏定时器。
func (t *Ticker) Start(kind model.GenerationKind, publish PublishFunc) {
	t.Stop()

	r := &run{
		kind:    kind,
		startAt: t.now(),
		publish: publish,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	t.mu.Lock()
	t.running = r
	t.mu.Unlock()

	go t.loop(r)
	t.logger.Printf("[ProgressTicker] started: kind=%s interval=%v", kind, t.interval)
}

// Stop 取消当前任务并等待协程退出；返回后不会再有发布。可重复调用。
func (t *Ticker) Stop() {
	t.mu.Lock()
	r := t.running
	t.running = nil
	t.mu.Unlock()

	if r == nil {
		return
	}
	close(r.stop)
	<-r.done
	t.logger.Printf("[ProgressTicker] stopped: kind=%s last=%d", r.kind, r.last)
}

// Running 报告是否有任务在运行。
func (t *Ticker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running != nil
}

func (t *Ticker) loop(r *run) {
	defer close(r.done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			// stop 与 tick 同时就绪时优先退出
			select {
			case <-r.stop:
				return
			default:
			}
			t.step(r)
		}
	}
}

// step 计算一次进度，只有严格上升才发布。
func (t *Ticker) step(r *run) {
	pct, msg := t.estimator.Estimate(r.kind, t.now().Sub(r.startAt))
	if pct <= r.last {
		return
	}
	r.last = pct
	if r.publish != nil {
		r.publish(pct, msg)
	}
}
