package model

// AudioSegment 由一条成功的 audio 事件物化而来，URL 已解析为可播放的绝对地址。
// 插入 segment.Queue 后由队列独占，Sequencer 只读。
type AudioSegment struct {
	Index   int    `json:"index"`
	Speaker string `json:"speaker"`
	Content string `json:"content"`
	URL     string `json:"url"`
}

// PlayerState 是播放状态机的状态。
type PlayerState string

const (
	PlayerIdle     PlayerState = "idle"
	PlayerPlaying  PlayerState = "playing"
	PlayerPaused   PlayerState = "paused"
	PlayerFinished PlayerState = "finished"
)

// PlaybackState 是 Sequencer 对外的快照。
// 不变式：任意时刻最多一个活跃的输出句柄。
type PlaybackState struct {
	State        PlayerState `json:"state"`
	CurrentIndex int         `json:"current_index"`
	IsPlaying    bool        `json:"is_playing"`
	HasOutput    bool        `json:"has_output"`
	// Holding 表示当前下标的片段尚未到达，播放在此等待。
	Holding bool `json:"holding"`
	Length  int  `json:"length"`
}
