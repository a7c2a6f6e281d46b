package eventqueue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// Task 是在队列协程里串行执行的一步操作。
type Task func(ctx context.Context) error

var (
	ErrClosed  = errors.New("event queue closed")
	ErrFull    = errors.New("event queue full")
	ErrTimeout = errors.New("event queue timeout")
)

// Queue 为一个组件提供串行执行（Actor Model）
// 解决问题：
// 1. 所有状态修改都在同一个协程里发生，避免并发修改
// 2. 保证处理顺序与入队顺序一致
//
// 注意：Task 内部只能用 Enqueue，不能用 EnqueueSync（会等待自己，死锁）。
type Queue struct {
	name      string
	eventChan chan *queuedTask
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	logger    *log.Logger
	timeout   time.Duration

	// 统计信息
	mu             sync.Mutex
	totalTasks     int64
	processedTasks int64
	droppedTasks   int64
}

type queuedTask struct {
	label     string
	task      Task
	timestamp time.Time
	resultCh  chan error // 同步调用时用于等待结果
}

const (
	// 队列容量：超过此值的任务将被丢弃（背压控制）
	DefaultCapacity = 100
	// 单个任务的处理超时
	DefaultTaskTimeout = 10 * time.Second
)

// New 创建并启动队列
func New(name string, logger *log.Logger) *Queue {
	return NewWithCapacity(name, DefaultCapacity, logger)
}

// NewWithCapacity 创建指定容量的队列
func NewWithCapacity(name string, capacity int, logger *log.Logger) *Queue {
	if logger == nil {
		logger = log.Default()
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	ctx, cancel := context.WithCancel(context.Background())

	q := &Queue{
		name:      name,
		eventChan: make(chan *queuedTask, capacity),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
		timeout:   DefaultTaskTimeout,
	}

	// 启动单协程处理器
	q.wg.Add(1)
	go q.processLoop()

	return q
}

// Enqueue 将任务加入队列（异步，非阻塞）
func (q *Queue) Enqueue(label string, task Task) error {
	select {
	case <-q.ctx.Done():
		return ErrClosed
	default:
	}

	qt := &queuedTask{
		label:     label,
		task:      task,
		timestamp: time.Now(),
	}

	select {
	case q.eventChan <- qt:
		q.mu.Lock()
		q.totalTasks++
		q.mu.Unlock()
		return nil
	default:
		q.mu.Lock()
		q.droppedTasks++
		q.mu.Unlock()
		q.logger.Printf("[EventQueue:%s] ⚠️  Queue full, dropping task: %s", q.name, label)
		return ErrFull
	}
}

// EnqueueWait 将任务加入队列，队列满时最多等待 timeout 直到有空位；不等待执行结果
func (q *Queue) EnqueueWait(label string, task Task, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = q.timeout
	}
	qt := &queuedTask{
		label:     label,
		task:      task,
		timestamp: time.Now(),
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-q.ctx.Done():
		return ErrClosed
	case q.eventChan <- qt:
		q.mu.Lock()
		q.totalTasks++
		q.mu.Unlock()
		return nil
	case <-timer.C:
		q.mu.Lock()
		q.droppedTasks++
		q.mu.Unlock()
		return fmt.Errorf("enqueue %s: %w", label, ErrTimeout)
	}
}

// EnqueueSync 将任务加入队列并等待执行完成（同步）
func (q *Queue) EnqueueSync(label string, task Task, timeout time.Duration) error {
	select {
	case <-q.ctx.Done():
		return ErrClosed
	default:
	}

	if timeout == 0 {
		timeout = q.timeout
	}

	qt := &queuedTask{
		label:     label,
		task:      task,
		timestamp: time.Now(),
		resultCh:  make(chan error, 1),
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case q.eventChan <- qt:
		q.mu.Lock()
		q.totalTasks++
		q.mu.Unlock()
	case <-timer.C:
		return fmt.Errorf("enqueue %s: %w", label, ErrTimeout)
	case <-q.ctx.Done():
		return ErrClosed
	}

	select {
	case err := <-qt.resultCh:
		return err
	case <-timer.C:
		return fmt.Errorf("wait %s: %w", label, ErrTimeout)
	case <-q.ctx.Done():
		return ErrClosed
	}
}

// processLoop 串行处理任务（单协程）
func (q *Queue) processLoop() {
	defer q.wg.Done()

	for {
		select {
		case <-q.ctx.Done():
			return
		case qt := <-q.eventChan:
			q.process(qt)
		}
	}
}

// process 执行单个任务
func (q *Queue) process(qt *queuedTask) {
	startTime := time.Now()

	ctx, cancel := context.WithTimeout(q.ctx, q.timeout)
	defer cancel()

	err := q.run(ctx, qt)
	processingTime := time.Since(startTime)

	if err != nil {
		q.logger.Printf("[EventQueue:%s] ❌ Task failed: %s error=%v processing_time=%v",
			q.name, qt.label, err, processingTime)
	}

	q.mu.Lock()
	q.processedTasks++
	q.mu.Unlock()

	if qt.resultCh != nil {
		select {
		case qt.resultCh <- err:
		default:
		}
	}

	// 监控：处理时间过长记录警告
	if processingTime > time.Second {
		q.logger.Printf("[EventQueue:%s] ⚠️  Slow task: %s processing_time=%v",
			q.name, qt.label, processingTime)
	}
}

// run 执行任务并把 panic 转成错误，避免一个任务拖垮整个队列
func (q *Queue) run(ctx context.Context, qt *queuedTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", qt.label, r)
		}
	}()
	return qt.task(ctx)
}

// Close 关闭队列，等待当前任务结束；未处理的任务被丢弃
func (q *Queue) Close() error {
	q.closeOnce.Do(func() {
		q.cancel()
		q.wg.Wait()

		stats := q.Stats()
		q.logger.Printf("[EventQueue:%s] Closed: total=%d processed=%d dropped=%d pending=%d",
			q.name, stats.Total, stats.Processed, stats.Dropped, stats.Pending)
	})
	return nil
}

// Stats 是队列统计信息
type Stats struct {
	Name      string `json:"name"`
	Total     int64  `json:"total"`
	Processed int64  `json:"processed"`
	Dropped   int64  `json:"dropped"`
	Pending   int    `json:"pending"`
	Capacity  int    `json:"capacity"`
}

// Stats 获取队列统计信息
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Stats{
		Name:      q.name,
		Total:     q.totalTasks,
		Processed: q.processedTasks,
		Dropped:   q.droppedTasks,
		Pending:   len(q.eventChan),
		Capacity:  cap(q.eventChan),
	}
}
