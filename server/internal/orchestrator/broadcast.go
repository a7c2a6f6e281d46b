package orchestrator

import (
	"sync"

	"podgen/server/internal/model"
)

// subscriberBuffer 是每个订阅者的缓冲区大小。
const subscriberBuffer = 32

// Update 是推送给订阅者的一次状态变化。
type Update struct {
	Lifecycle model.Lifecycle     `json:"lifecycle"`
	Progress  model.ProgressState `json:"progress"`
	// Segment 非空表示本次变化是一个新片段入队。
	Segment *model.AudioSegment `json:"segment,omitempty"`
	// Final 标记一次生成的最后一条更新（完成或失败），界面据此淡出进度条。
	Final bool `json:"final"`
}

// broadcaster 把更新非阻塞地分发给订阅者。
// 订阅者跟不上时丢弃它最旧的一条，保证最新状态总能送达。
type broadcaster struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Update
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]chan Update)}
}

func (b *broadcaster) subscribe(initial Update) (<-chan Update, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Update, subscriberBuffer)
	ch <- initial
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

func (b *broadcaster) publish(u Update) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- u:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- u:
		default:
		}
	}
}
