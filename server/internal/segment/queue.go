package segment

import (
	"log"
	"sort"
	"sync"

	"podgen/server/internal/model"
)

// Releaser 在片段被丢弃前释放它引用的临时资源（例如本地缓存文件）。
type Releaser interface {
	Release(seg model.AudioSegment)
}

// ReleaserFunc 把普通函数适配成 Releaser。
type ReleaserFunc func(seg model.AudioSegment)

func (f ReleaserFunc) Release(seg model.AudioSegment) { f(seg) }

// Queue 是按下标寻址的稀疏有序容器。
//
// 约定：
// - 片段可以乱序到达，但存放在声明的下标上，遍历顺序永远是脚本顺序。
// - 同一下标先写者胜：重复到达直接忽略并记日志，不会破坏已有数据。
// - Len 取流声明的 total 与最大已填下标+1 中较大的那个，未到齐前也能知道要等多少段。
type Queue struct {
	mu       sync.RWMutex
	segments map[int]model.AudioSegment
	total    int
	maxIndex int

	releasers []Releaser
	logger    *log.Logger
}

// NewQueue 创建空队列。
func NewQueue(logger *log.Logger, releasers ...Releaser) *Queue {
	if logger == nil {
		logger = log.Default()
	}
	return &Queue{
		segments:  make(map[int]model.AudioSegment),
		maxIndex:  -1,
		releasers: releasers,
		logger:    logger,
	}
}

// AddReleaser 追加一个释放钩子。
func (q *Queue) AddReleaser(r Releaser) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.releasers = append(q.releasers, r)
}

// Insert 把片段放到 index 上；已被占用时返回 false，原数据不变。
func (q *Queue) Insert(index int, seg model.AudioSegment) bool {
	if index < 0 {
		q.logger.Printf("[SegmentQueue] ⚠️  ignore negative index %d", index)
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.segments[index]; exists {
		q.logger.Printf("[SegmentQueue] ⚠️  duplicate segment ignored: index=%d", index)
		return false
	}
	seg.Index = index
	q.segments[index] = seg
	if index > q.maxIndex {
		q.maxIndex = index
	}
	return true
}

// SetTotal 记录流声明的片段总数，只增不减。
func (q *Queue) SetTotal(total int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if total > q.total {
		q.total = total
	}
}

// Get 返回 index 上的片段。
func (q *Queue) Get(index int) (model.AudioSegment, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	seg, ok := q.segments[index]
	return seg, ok
}

// IsReady 判断 index 上的片段是否已到达。
func (q *Queue) IsReady(index int) bool {
	_, ok := q.Get(index)
	return ok
}

// Len 返回预期的片段数（空队列为 0）。
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.lengthLocked()
}

// Ready 返回已到达的片段数。
func (q *Queue) Ready() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.segments)
}

// Segments 按下标升序返回已到达的片段副本。
func (q *Queue) Segments() []model.AudioSegment {
	q.mu.RLock()
	defer q.mu.RUnlock()

	indices := make([]int, 0, len(q.segments))
	for i := range q.segments {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	out := make([]model.AudioSegment, 0, len(indices))
	for _, i := range indices {
		out = append(out, q.segments[i])
	}
	return out
}

// Clear 清空队列；丢弃前把每个片段交给 Releaser 释放资源。
func (q *Queue) Clear() {
	q.mu.Lock()
	old := q.segments
	releasers := q.releasers
	q.segments = make(map[int]model.AudioSegment)
	q.total = 0
	q.maxIndex = -1
	q.mu.Unlock()

	for _, seg := range old {
		for _, r := range releasers {
			r.Release(seg)
		}
	}
	if len(old) > 0 {
		q.logger.Printf("[SegmentQueue] cleared %d segments", len(old))
	}
}

func (q *Queue) lengthLocked() int {
	n := q.maxIndex + 1
	if q.total > n {
		n = q.total
	}
	return n
}
