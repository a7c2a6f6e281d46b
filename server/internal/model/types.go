package model

import (
	"encoding/json"
	"time"
)

// GenerationKind 表示一次生成请求的来源类型。
type GenerationKind string

const (
	KindPrompt GenerationKind = "prompt"
	KindPDF    GenerationKind = "pdf"
	KindArxiv  GenerationKind = "arxiv"
)

// Valid 判断 kind 是否为已知类型。
func (k GenerationKind) Valid() bool {
	switch k {
	case KindPrompt, KindPDF, KindArxiv:
		return true
	}
	return false
}

// 默认音色：与后端 VoiceSettings 的默认值保持一致。
const (
	DefaultHostVoice  = "zh-TW-HsiaoChenNeural"
	DefaultGuestVoice = "zh-TW-YunJheNeural"
)

// DefaultMaxAnalysts 是 prompt 生成时默认使用的 research agent 数量。
const DefaultMaxAnalysts = 3

// Character 描述主持人或来宾的身份与音色。
type Character struct {
	Name       string `json:"name"`
	Background string `json:"background"`
	Voice      string `json:"voice,omitempty"`
}

// VoiceProsody 是单个角色的语速/音调设置。
type VoiceProsody struct {
	Speed float64 `json:"speed"`
	Pitch int     `json:"pitch"`
}

// CharacterSettings 是持久化在本地的角色设置（host + guest）。
type CharacterSettings struct {
	Host  Character `json:"host"`
	Guest Character `json:"guest"`
}

// VoiceSettings 是合成请求里的音色选择。
type VoiceSettings struct {
	HostVoice  string `json:"host_voice"`
	GuestVoice string `json:"guest_voice"`
}

// ResolveVoiceSettings 从角色设置得到音色，未设置时回落到默认音色。
func ResolveVoiceSettings(s CharacterSettings) VoiceSettings {
	vs := VoiceSettings{HostVoice: s.Host.Voice, GuestVoice: s.Guest.Voice}
	if vs.HostVoice == "" {
		vs.HostVoice = DefaultHostVoice
	}
	if vs.GuestVoice == "" {
		vs.GuestVoice = DefaultGuestVoice
	}
	return vs
}

// PDFUpload 是 pdf 类型请求携带的文件。
type PDFUpload struct {
	Filename string `json:"filename"`
	Data     []byte `json:"-"`
}

// GenerationRequest 是一次用户动作产生的生成请求，派发后即丢弃。
type GenerationRequest struct {
	Kind GenerationKind `json:"kind"`

	// Topic 用于 prompt 类型。
	Topic       string `json:"topic,omitempty"`
	MaxAnalysts int    `json:"max_analysts,omitempty"`
	// PDF 用于 pdf 类型。
	PDF *PDFUpload `json:"pdf,omitempty"`
	// ArxivURL 用于 arxiv 类型。
	ArxivURL string `json:"arxiv_url,omitempty"`

	Host  Character `json:"host"`
	Guest Character `json:"guest"`
}

// Validate 在发出任何网络请求之前检查前置条件。
// 返回的错误一律是 KindPrecondition。
func (r GenerationRequest) Validate() error {
	if !r.Kind.Valid() {
		return Precondition("kind", "未知的生成類型: "+string(r.Kind))
	}
	switch r.Kind {
	case KindPrompt:
		if r.Topic == "" {
			return Precondition("topic", "請輸入 Podcast 主題")
		}
	case KindPDF:
		if r.PDF == nil || len(r.PDF.Data) == 0 {
			return Precondition("pdf_file", "請選擇 PDF 檔案")
		}
	case KindArxiv:
		if r.ArxivURL == "" {
			return Precondition("arxiv_url", "請輸入 arXiv 連結")
		}
	}

	var fields []FieldError
	if r.Host.Name == "" {
		fields = append(fields, FieldError{Field: "host_name", Message: "請設定主持人名稱"})
	}
	if r.Host.Background == "" {
		fields = append(fields, FieldError{Field: "host_background", Message: "請設定主持人背景"})
	}
	if r.Guest.Name == "" {
		fields = append(fields, FieldError{Field: "guest_name", Message: "請設定來賓名稱"})
	}
	if r.Guest.Background == "" {
		fields = append(fields, FieldError{Field: "guest_background", Message: "請設定來賓背景"})
	}
	if len(fields) > 0 {
		return PreconditionFields(fields)
	}
	return nil
}

// DialogueLine 是剧本中的一句台词，Speaker 必须是 host 或 guest 的名字。
type DialogueLine struct {
	Speaker string `json:"speaker"`
	Content string `json:"content"`
}

// Script 是脚本生成接口的成功响应。
// Dialogue 的顺序就是播放顺序，必须端到端保持。
type Script struct {
	Dialogue        []DialogueLine `json:"dialogue"`
	HostName        string         `json:"host_name,omitempty"`
	GuestName       string         `json:"guest_name,omitempty"`
	HostBackground  string         `json:"host_background,omitempty"`
	GuestBackground string         `json:"guest_background,omitempty"`

	// Extra 保留后端返回的其他字段，原样带回合成请求。
	Extra map[string]json.RawMessage `json:"-"`
}

var scriptKnownFields = map[string]bool{
	"dialogue":         true,
	"host_name":        true,
	"guest_name":       true,
	"host_background":  true,
	"guest_background": true,
}

func (s Script) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s.Extra)+5)
	for k, v := range s.Extra {
		out[k] = v
	}
	dialogue := s.Dialogue
	if dialogue == nil {
		dialogue = []DialogueLine{}
	}
	out["dialogue"] = dialogue
	out["host_name"] = s.HostName
	out["guest_name"] = s.GuestName
	if s.HostBackground != "" {
		out["host_background"] = s.HostBackground
	}
	if s.GuestBackground != "" {
		out["guest_background"] = s.GuestBackground
	}
	return json.Marshal(out)
}

func (s *Script) UnmarshalJSON(data []byte) error {
	type plain Script
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range scriptKnownFields {
		delete(raw, k)
	}
	*s = Script(p)
	if len(raw) > 0 {
		s.Extra = raw
	}
	return nil
}

// StreamEventType 是合成流里每条记录的类型标签。
type StreamEventType string

const (
	EventProgress StreamEventType = "progress"
	EventAudio    StreamEventType = "audio"
	EventError    StreamEventType = "error"
)

// StatusSuccess 是 audio 事件成功时的 status。
const StatusSuccess = "success"

// StreamEvent 是 NDJSON 合成流解码出来的一条事件。
// progress 携带 (Index, Total)；audio 携带 (Index, Speaker, Content, AudioFile, Status)；
// error 携带 Message，对当前流是致命的。
type StreamEvent struct {
	Type      StreamEventType `json:"type"`
	Status    string          `json:"status,omitempty"`
	Index     int             `json:"index"`
	Total     int             `json:"total,omitempty"`
	Speaker   string          `json:"speaker,omitempty"`
	Content   string          `json:"content,omitempty"`
	AudioFile string          `json:"audio_file,omitempty"`
	Voice     string          `json:"voice,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// Succeeded 判断 audio 事件是否合成成功。
func (e StreamEvent) Succeeded() bool {
	return e.Type == EventAudio && e.Status == StatusSuccess && e.AudioFile != ""
}

// Stage 是进度的粗粒度阶段。
type Stage string

const (
	StageIdle      Stage = "idle"
	StageScript    Stage = "script"
	StageAudio     Stage = "audio"
	StageCompleted Stage = "completed"
	StageErrored   Stage = "errored"
)

// ProgressState 是对外发布的进度。同一 Stage 内 Percentage 不递减。
type ProgressState struct {
	Stage      Stage  `json:"stage"`
	Percentage int    `json:"percentage"`
	Message    string `json:"message"`
}

// Status 是生成生命周期的状态。
type Status string

const (
	StatusIdle             Status = "idle"
	StatusGeneratingScript Status = "generating-script"
	StatusGeneratingAudio  Status = "generating-audio"
	StatusCompleted        Status = "completed"
	StatusError            Status = "error"
)

// Generating 判断是否处于生成中。
func (s Status) Generating() bool {
	return s == StatusGeneratingScript || s == StatusGeneratingAudio
}

// Lifecycle 由 Orchestrator 独占修改，外部只读。
type Lifecycle struct {
	GenerationID string         `json:"generation_id,omitempty"`
	Kind         GenerationKind `json:"kind,omitempty"`
	Status       Status         `json:"status"`
	Err          *Error         `json:"error,omitempty"`
	StartedAt    time.Time      `json:"started_at,omitempty"`
	FinishedAt   time.Time      `json:"finished_at,omitempty"`
}
