package playback

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"sync"

	"podgen/server/internal/model"
)

// DefaultPlayer 是本地播放使用的外部命令，片段文件路径追加在最后。
var DefaultPlayer = []string{"ffplay", "-nodisp", "-autoexit", "-loglevel", "quiet"}

// ExecDevice 用外部播放器进程在本机播放片段。
// 暂停/继续通过 SIGSTOP/SIGCONT 实现，进程正常退出即视为片段结束。
type ExecDevice struct {
	player []string
	cache  *Cache
	logger *log.Logger
}

// NewExecDevice 创建本地播放设备；player 为空时使用 DefaultPlayer。
func NewExecDevice(player []string, cache *Cache, logger *log.Logger) *ExecDevice {
	if logger == nil {
		logger = log.Default()
	}
	if len(player) == 0 {
		player = DefaultPlayer
	}
	return &ExecDevice{player: player, cache: cache, logger: logger}
}

// Open 异步下载片段，完成后回调 Loaded。
func (d *ExecDevice) Open(seg model.AudioSegment, cb Callbacks) (Output, error) {
	if seg.URL == "" {
		return nil, fmt.Errorf("segment %d has no audio url", seg.Index)
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &execOutput{
		device: d,
		seg:    seg,
		cb:     cb,
		ctx:    ctx,
		cancel: cancel,
	}
	go o.load()
	return o, nil
}

type execOutput struct {
	device *ExecDevice
	seg    model.AudioSegment
	cb     Callbacks
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	path     string
	cmd      *exec.Cmd
	paused   bool
	released bool
	// run 每启动一次进程加一，用于识别被主动终止的旧进程
	run int
}

func (o *execOutput) load() {
	p, err := o.device.cache.Fetch(o.ctx, o.seg)

	o.mu.Lock()
	released := o.released
	if err == nil {
		o.path = p
	}
	o.mu.Unlock()
	if released {
		return
	}

	if err != nil {
		o.cb.Failed(model.Playback(fmt.Sprintf("第 %d 段音訊無法讀取", o.seg.Index+1), err))
		return
	}
	o.cb.Loaded()
}

func (o *execOutput) Play() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.released {
		return errors.New("output released")
	}
	if o.path == "" {
		return errors.New("output not loaded")
	}
	if o.cmd != nil {
		if !o.paused {
			return nil
		}
		if err := resumeProcess(o.cmd.Process); err != nil {
			return fmt.Errorf("resume player: %w", err)
		}
		o.paused = false
		return nil
	}

	args := append(append([]string{}, o.device.player[1:]...), o.path)
	cmd := exec.Command(o.device.player[0], args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start player: %w", err)
	}
	o.cmd = cmd
	o.paused = false
	o.run++
	go o.wait(cmd, o.run)
	return nil
}

func (o *execOutput) wait(cmd *exec.Cmd, run int) {
	err := cmd.Wait()

	o.mu.Lock()
	current := o.run == run && o.cmd == cmd
	if current {
		o.cmd = nil
	}
	released := o.released
	o.mu.Unlock()

	// 被 Stop/Release 终止的进程不上报
	if !current || released {
		return
	}
	if err != nil {
		o.cb.Failed(model.Playback(fmt.Sprintf("第 %d 段音訊播放失敗", o.seg.Index+1), err))
		return
	}
	o.cb.Ended()
}

func (o *execOutput) Pause() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cmd == nil || o.paused {
		return nil
	}
	if err := pauseProcess(o.cmd.Process); err != nil {
		return fmt.Errorf("pause player: %w", err)
	}
	o.paused = true
	return nil
}

func (o *execOutput) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopLocked()
}

func (o *execOutput) stopLocked() error {
	if o.cmd == nil {
		return nil
	}
	cmd := o.cmd
	o.cmd = nil
	o.run++
	if o.paused {
		// 暂停中的进程先恢复再终止
		_ = resumeProcess(cmd.Process)
		o.paused = false
	}
	if err := cmd.Process.Kill(); err != nil {
		return fmt.Errorf("kill player: %w", err)
	}
	return nil
}

func (o *execOutput) Release() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.released {
		return nil
	}
	o.released = true
	o.cancel()
	return o.stopLocked()
}
