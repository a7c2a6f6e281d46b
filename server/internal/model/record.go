package model

import "time"

// GenerationRecord 是一次生成的快照，供历史查询与回放。
type GenerationRecord struct {
	GenerationID string         `json:"generation_id"`
	Kind         GenerationKind `json:"kind"`
	Status       Status         `json:"status"`
	Err          *Error         `json:"error,omitempty"`
	Script       *Script        `json:"script,omitempty"`
	Voices       VoiceSettings  `json:"voice_settings"`
	// Total 是合成流声明的片段总数。
	Total     int       `json:"total"`
	Received  int       `json:"received"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TimelineEvent 是某次生成里按到达顺序记录的一条流事件。
type TimelineEvent struct {
	// Seq 由 timeline 分配，单调递增。
	Seq          int64       `json:"seq"`
	GenerationID string      `json:"generation_id"`
	// EventID 用于去重，同一 EventID 只记录一次。
	EventID    string      `json:"event_id,omitempty"`
	ReceivedAt time.Time   `json:"received_at"`
	Event      StreamEvent `json:"event"`
}
