package playback

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"podgen/server/internal/eventqueue"
	"podgen/server/internal/model"
	"podgen/server/internal/segment"
)

// ErrOutOfRange 表示 seek 目标不在 [0, length) 内。
var ErrOutOfRange = errors.New("seek index out of range")

// DefaultOpTimeout 是同步操作等待串行队列的上限。
const DefaultOpTimeout = 5 * time.Second

// Options 控制 Sequencer 行为。
type Options struct {
	// AutoPlay 为 true 时，正在等待的片段到达后自动继续播放。
	AutoPlay  bool
	OpTimeout time.Duration
}

// Sequencer 按下标顺序播放 segment.Queue 里的片段。
//
// 所有操作和设备回调都在同一个 eventqueue 协程里串行执行，
// 因此下面标注为 loop-owned 的字段不需要加锁。
// 任意时刻最多持有一个 Output：获取新句柄之前一定先释放旧句柄。
type Sequencer struct {
	queue  *segment.Queue
	device Device
	events *eventqueue.Queue
	opts   Options
	logger *log.Logger

	// loop-owned
	state    model.PlayerState
	index    int
	out      Output
	handle   uint64
	loaded   bool
	playing  bool
	wantPlay bool
	holding  bool

	listenersMu sync.RWMutex
	listeners   map[int]func(model.PlaybackState)
	nextID      int
}

// NewSequencer 创建 Sequencer 并启动串行队列。
func NewSequencer(queue *segment.Queue, device Device, opts Options, logger *log.Logger) *Sequencer {
	if logger == nil {
		logger = log.Default()
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = DefaultOpTimeout
	}
	return &Sequencer{
		queue:     queue,
		device:    device,
		events:    eventqueue.New("sequencer", logger),
		opts:      opts,
		logger:    logger,
		state:     model.PlayerIdle,
		listeners: make(map[int]func(model.PlaybackState)),
	}
}

// OnChange 注册状态变化监听，返回取消函数。
// 监听函数在串行协程里被调用，不能再同步调用 Sequencer 的方法。
func (s *Sequencer) OnChange(fn func(model.PlaybackState)) func() {
	s.listenersMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.listenersMu.Unlock()

	return func() {
		s.listenersMu.Lock()
		delete(s.listeners, id)
		s.listenersMu.Unlock()
	}
}

// PlayNext 从当前下标开始播放。
func (s *Sequencer) PlayNext() error {
	return s.sync("play_next", func() error { return s.playNext() })
}

// TogglePlay 在播放与暂停之间切换；没有输出句柄时等同于 PlayNext。
func (s *Sequencer) TogglePlay() error {
	return s.sync("toggle", func() error { return s.toggle() })
}

// Stop 停止播放并把下标重置为 0，但保留输出句柄。
func (s *Sequencer) Stop() error {
	return s.sync("stop", func() error {
		if s.out != nil {
			if err := s.out.Stop(); err != nil {
				s.logger.Printf("[Sequencer] ⚠️  stop output failed: %v", err)
			}
		}
		s.playing = false
		s.wantPlay = false
		s.holding = false
		s.index = 0
		s.state = model.PlayerIdle
		return nil
	})
}

// SeekTo 释放当前输出，跳到 index 重新播放；越界时不做任何事并返回 ErrOutOfRange。
func (s *Sequencer) SeekTo(index int) error {
	return s.sync("seek", func() error {
		if index < 0 || index >= s.queue.Len() {
			s.logger.Printf("[Sequencer] ⚠️  seek rejected: index=%d length=%d", index, s.queue.Len())
			return fmt.Errorf("seek %d: %w", index, ErrOutOfRange)
		}
		s.release()
		s.index = index
		return s.playNext()
	})
}

// Reset 释放输出并回到初始状态；新一次生成开始时调用。
func (s *Sequencer) Reset() error {
	return s.sync("reset", func() error {
		s.release()
		s.index = 0
		s.holding = false
		s.state = model.PlayerIdle
		return nil
	})
}

// NotifyReady 告知 index 上的片段已到达。异步执行，不阻塞调用方。
func (s *Sequencer) NotifyReady(index int) {
	err := s.events.Enqueue("ready", func(ctx context.Context) error {
		if !s.holding || index != s.index || !s.opts.AutoPlay {
			return nil
		}
		s.logger.Printf("[Sequencer] segment %d arrived, resuming", index)
		err := s.playNext()
		s.notify()
		return err
	})
	if err != nil {
		s.logger.Printf("[Sequencer] ⚠️  notify ready dropped: index=%d err=%v", index, err)
	}
}

// State 返回当前快照。
func (s *Sequencer) State() model.PlaybackState {
	var st model.PlaybackState
	err := s.events.EnqueueSync("state", func(ctx context.Context) error {
		st = s.snapshot()
		return nil
	}, s.opts.OpTimeout)
	if err != nil {
		s.logger.Printf("[Sequencer] ⚠️  read state failed: %v", err)
	}
	return st
}

// Close 释放输出句柄并停止串行队列。
func (s *Sequencer) Close() error {
	_ = s.events.EnqueueSync("close", func(ctx context.Context) error {
		s.release()
		return nil
	}, s.opts.OpTimeout)
	return s.events.Close()
}

func (s *Sequencer) sync(label string, fn func() error) error {
	var opErr error
	err := s.events.EnqueueSync(label, func(ctx context.Context) error {
		opErr = fn()
		s.notify()
		return nil
	}, s.opts.OpTimeout)
	if err != nil {
		return fmt.Errorf("sequencer %s: %w", label, err)
	}
	return opErr
}

// playNext 在串行协程里执行。
func (s *Sequencer) playNext() error {
	length := s.queue.Len()
	if s.index >= length {
		s.release()
		s.state = model.PlayerFinished
		s.index = 0
		s.holding = false
		s.logger.Printf("[Sequencer] ✅ finished (length=%d)", length)
		return nil
	}

	seg, ok := s.queue.Get(s.index)
	if !ok {
		if !s.holding {
			s.logger.Printf("[Sequencer] ⏳ segment %d not ready, holding", s.index)
		}
		s.holding = true
		s.playing = false
		s.state = model.PlayerPlaying
		return nil
	}

	s.holding = false
	s.release()

	s.handle++
	out, err := s.device.Open(seg, s.callbacks(s.handle))
	if err != nil {
		perr := model.Playback(fmt.Sprintf("無法載入第 %d 段音訊", s.index+1), err)
		s.logger.Printf("[Sequencer] ❌ %v: %v", perr, err)
		s.holding = true
		s.state = model.PlayerPlaying
		return perr
	}
	s.out = out
	s.loaded = false
	s.playing = false
	s.wantPlay = true
	s.state = model.PlayerPlaying
	s.logger.Printf("[Sequencer] loading segment %d (%s)", s.index, seg.Speaker)
	return nil
}

func (s *Sequencer) toggle() error {
	if s.out == nil {
		if s.queue.Len() == 0 {
			return nil
		}
		return s.playNext()
	}

	if !s.loaded {
		// 尚未加载完成，只翻转播放意图
		s.wantPlay = !s.wantPlay
		if s.wantPlay {
			s.state = model.PlayerPlaying
		} else {
			s.state = model.PlayerPaused
		}
		return nil
	}

	if s.playing {
		if err := s.out.Pause(); err != nil {
			return model.Playback("暫停失敗", err)
		}
		s.playing = false
		s.wantPlay = false
		s.state = model.PlayerPaused
		return nil
	}
	if err := s.out.Play(); err != nil {
		return model.Playback("播放失敗", err)
	}
	s.playing = true
	s.wantPlay = true
	s.state = model.PlayerPlaying
	return nil
}

func (s *Sequencer) release() {
	if s.out == nil {
		return
	}
	if err := s.out.Release(); err != nil {
		s.logger.Printf("[Sequencer] ⚠️  release output failed: %v", err)
	}
	s.out = nil
	s.loaded = false
	s.playing = false
	s.wantPlay = false
}

// callbacks 把设备回调转成串行任务；句柄已被替换时回调被忽略。
func (s *Sequencer) callbacks(h uint64) Callbacks {
	enqueue := func(label string, fn func()) {
		task := func(ctx context.Context) error {
			if h != s.handle || s.out == nil {
				return nil
			}
			fn()
			s.notify()
			return nil
		}
		err := s.events.Enqueue(label, task)
		if errors.Is(err, eventqueue.ErrFull) {
			// loaded/ended 不能丢；回调可能在串行协程里触发，队列满时改到后台等空位
			go func() {
				if err := s.events.EnqueueWait(label, task, s.opts.OpTimeout); err != nil {
					s.logger.Printf("[Sequencer] ⚠️  %s callback dropped: %v", label, err)
				}
			}()
			return
		}
		if err != nil {
			s.logger.Printf("[Sequencer] ⚠️  %s callback dropped: %v", label, err)
		}
	}

	return Callbacks{
		Loaded: func() {
			enqueue("loaded", s.onLoaded)
		},
		Ended: func() {
			enqueue("ended", s.onEnded)
		},
		Failed: func(err error) {
			enqueue("failed", func() { s.onFailed(err) })
		},
	}
}

func (s *Sequencer) onLoaded() {
	s.loaded = true
	if !s.wantPlay {
		return
	}
	if err := s.out.Play(); err != nil {
		s.onFailed(err)
		return
	}
	s.playing = true
	s.state = model.PlayerPlaying
}

func (s *Sequencer) onEnded() {
	s.release()
	if s.index >= s.queue.Len()-1 {
		s.state = model.PlayerFinished
		s.index = 0
		s.logger.Printf("[Sequencer] ✅ finished")
		return
	}
	s.index++
	if err := s.playNext(); err != nil {
		s.logger.Printf("[Sequencer] ⚠️  advance failed: %v", err)
	}
}

func (s *Sequencer) onFailed(err error) {
	s.logger.Printf("[Sequencer] ❌ playback error at segment %d: %v", s.index, err)
	s.release()
	s.holding = true
}

func (s *Sequencer) snapshot() model.PlaybackState {
	return model.PlaybackState{
		State:        s.state,
		CurrentIndex: s.index,
		IsPlaying:    s.playing,
		HasOutput:    s.out != nil,
		Holding:      s.holding,
		Length:       s.queue.Len(),
	}
}

func (s *Sequencer) notify() {
	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()
	if len(s.listeners) == 0 {
		return
	}
	st := s.snapshot()
	for _, fn := range s.listeners {
		fn(st)
	}
}
