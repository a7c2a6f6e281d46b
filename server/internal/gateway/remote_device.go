package gateway

import (
	"log"
	"sync"
	"sync/atomic"

	"podgen/server/internal/model"
	"podgen/server/internal/playback"
)

// RemoteDevice 让浏览器负责出声：Open/Play/Pause/Stop/Release 变成下发的指令，
// 浏览器用 audio.loaded/audio.ended/audio.error 回报，按 handle 找回对应输出。
// 已释放句柄的回报直接丢弃。多个浏览器同时在线时，每个回调只转发第一次。
type RemoteDevice struct {
	hub    *Hub
	logger *log.Logger

	next atomic.Uint64

	mu      sync.Mutex
	outputs map[uint64]*remoteOutput
}

var _ playback.Device = (*RemoteDevice)(nil)

func newRemoteDevice(hub *Hub, logger *log.Logger) *RemoteDevice {
	return &RemoteDevice{
		hub:     hub,
		logger:  logger,
		outputs: make(map[uint64]*remoteOutput),
	}
}

// Open 下发 audio.load，加载完成由浏览器回报
func (d *RemoteDevice) Open(seg model.AudioSegment, cb playback.Callbacks) (playback.Output, error) {
	o := &remoteOutput{
		device: d,
		handle: d.next.Add(1),
		seg:    seg,
		cb:     cb,
	}

	d.mu.Lock()
	d.outputs[o.handle] = o
	d.mu.Unlock()

	d.hub.Broadcast(ServerMessage{Type: TypeAudioLoad, Handle: o.handle, Segment: &seg})
	return o, nil
}

// Active 返回尚未释放的输出数量
func (d *RemoteDevice) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.outputs)
}

// dispatch 把浏览器回报转给对应输出的回调
func (d *RemoteDevice) dispatch(msg ClientMessage) {
	d.mu.Lock()
	o := d.outputs[msg.Handle]
	d.mu.Unlock()
	if o == nil {
		d.logger.Printf("[RemoteDevice] ignore %s for released handle %d", msg.Type, msg.Handle)
		return
	}

	switch msg.Type {
	case TypeAudioLoaded:
		if o.mark(&o.loaded) {
			o.cb.Loaded()
		}
	case TypeAudioEnded:
		if o.mark(&o.ended) {
			o.cb.Ended()
		}
	case TypeAudioFailed:
		if o.mark(&o.failed) {
			reason := msg.Error
			if reason == "" {
				reason = "音訊載入失敗"
			}
			d.logger.Printf("[RemoteDevice] ❌ segment %d failed: %s", o.seg.Index, reason)
			o.cb.Failed(model.Playback(reason, nil))
		}
	}
}

// replay 返回让新连接追上当前输出所需的指令
func (d *RemoteDevice) replay() []ServerMessage {
	d.mu.Lock()
	defer d.mu.Unlock()

	var msgs []ServerMessage
	for _, o := range d.outputs {
		seg := o.seg
		msgs = append(msgs, ServerMessage{Type: TypeAudioLoad, Handle: o.handle, Segment: &seg})
		if o.isPlaying() {
			msgs = append(msgs, ServerMessage{Type: TypeAudioPlay, Handle: o.handle})
		}
	}
	return msgs
}

func (d *RemoteDevice) command(t MessageType, handle uint64) {
	d.hub.Broadcast(ServerMessage{Type: t, Handle: handle})
}

// remoteOutput 是浏览器端的一个音频元素
type remoteOutput struct {
	device *RemoteDevice
	handle uint64
	seg    model.AudioSegment
	cb     playback.Callbacks

	mu       sync.Mutex
	playing  bool
	loaded   bool
	ended    bool
	failed   bool
	released bool
}

func (o *remoteOutput) Play() error {
	o.setPlaying(true)
	o.device.command(TypeAudioPlay, o.handle)
	return nil
}

func (o *remoteOutput) Pause() error {
	o.setPlaying(false)
	o.device.command(TypeAudioPause, o.handle)
	return nil
}

func (o *remoteOutput) Stop() error {
	o.setPlaying(false)
	o.device.command(TypeAudioStop, o.handle)
	return nil
}

func (o *remoteOutput) Release() error {
	o.mu.Lock()
	if o.released {
		o.mu.Unlock()
		return nil
	}
	o.released = true
	o.playing = false
	o.mu.Unlock()

	o.device.mu.Lock()
	delete(o.device.outputs, o.handle)
	o.device.mu.Unlock()

	o.device.command(TypeAudioUnload, o.handle)
	return nil
}

func (o *remoteOutput) setPlaying(v bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.playing = v
	if v {
		// 重新播放后允许再次回报结束
		o.ended = false
	}
}

func (o *remoteOutput) isPlaying() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.playing
}

// mark 把 flag 置位，返回是否为第一次
func (o *remoteOutput) mark(flag *bool) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if *flag || o.released {
		return false
	}
	*flag = true
	if flag == &o.ended {
		o.playing = false
	}
	return true
}
