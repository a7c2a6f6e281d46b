package gateway

import (
	"time"

	"podgen/server/internal/model"
	"podgen/server/internal/orchestrator"
)

// MessageType 是 WebSocket 文本帧的类型标签
type MessageType string

const (
	// 服务端 → 客户端：状态推送
	TypeHello      MessageType = "hello"      // 连接建立，携带客户端 ID
	TypeGeneration MessageType = "generation" // 生成生命周期/进度变化
	TypePlayback   MessageType = "playback"   // 播放器状态变化
	TypeError      MessageType = "error"

	// 服务端 → 客户端：远程播放指令（浏览器负责出声）
	TypeAudioLoad   MessageType = "audio.load"
	TypeAudioPlay   MessageType = "audio.play"
	TypeAudioPause  MessageType = "audio.pause"
	TypeAudioStop   MessageType = "audio.stop"
	TypeAudioUnload MessageType = "audio.unload"

	// 客户端 → 服务端：播放回调
	TypeAudioLoaded MessageType = "audio.loaded"
	TypeAudioEnded  MessageType = "audio.ended"
	TypeAudioFailed MessageType = "audio.error"

	// 客户端 → 服务端：播放控制
	TypeToggle   MessageType = "playback.toggle"
	TypeStop     MessageType = "playback.stop"
	TypeSeek     MessageType = "playback.seek"
	TypePlayNext MessageType = "playback.next"
)

// ClientMessage 客户端发送给网关的消息
type ClientMessage struct {
	Type     MessageType `json:"type"`
	Handle   uint64      `json:"handle,omitempty"` // 远程输出句柄，旧句柄的回调会被忽略
	Index    int         `json:"index,omitempty"`  // seek 目标
	Error    string      `json:"error,omitempty"`  // audio.error 的原因
	ClientTS time.Time   `json:"client_ts,omitempty"`
}

// ServerMessage 网关发送给客户端的消息
type ServerMessage struct {
	Type       MessageType          `json:"type"`
	Seq        int64                `json:"seq,omitempty"` // 服务端序号
	ClientID   string               `json:"client_id,omitempty"`
	Handle     uint64               `json:"handle,omitempty"`
	Segment    *model.AudioSegment  `json:"segment,omitempty"`
	Generation *orchestrator.Update `json:"generation,omitempty"`
	Playback   *model.PlaybackState `json:"playback,omitempty"`
	ServerTS   time.Time            `json:"server_ts"`
	Error      string               `json:"error,omitempty"`
}
