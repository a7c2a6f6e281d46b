package playback

import "podgen/server/internal/model"

// Callbacks 是输出句柄向 Sequencer 汇报的事件，可能在任意协程里触发。
type Callbacks struct {
	// Loaded 资源加载完成，可以开始播放。
	Loaded func()
	// Ended 片段自然播放结束。
	Ended func()
	// Failed 资源缺失或无法读取。
	Failed func(err error)
}

// Output 是一个已绑定到某个片段的输出句柄。
type Output interface {
	Play() error
	Pause() error
	// Stop 停止并回到片段开头，句柄仍然有效。
	Stop() error
	// Release 停止并卸载资源，之后句柄作废。
	Release() error
}

// Device 是独占的音频输出设备，只有 Sequencer 会调用 Open。
type Device interface {
	// Open 为 seg 创建输出句柄并开始加载；加载结果通过 cb 异步通知。
	Open(seg model.AudioSegment, cb Callbacks) (Output, error)
}
