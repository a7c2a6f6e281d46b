package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"podgen/server/internal/kv"
	"podgen/server/internal/model"
)

// 与前端 localStorage 使用的键保持一致
const (
	CharacterKey = "podgen_character_settings"
	VoiceKey     = "podgen_voice_settings"
)

func settingsKey(name string) kv.Key { return kv.Key{"settings", name} }

// ProsodySettings 是主持人和来宾的语速/音调。
type ProsodySettings struct {
	Host  model.VoiceProsody `json:"host"`
	Guest model.VoiceProsody `json:"guest"`
}

// DefaultCharacters 返回内置的主持人/来宾设定。
func DefaultCharacters() model.CharacterSettings {
	return model.CharacterSettings{
		Host: model.Character{
			Name:       "小志",
			Background: "小志是一位資深科技記者，擁有豐富的科技新聞採訪經驗，擅長以輕鬆有趣的方式採訪嘉賓，並將複雜的科技議題轉化為聽眾容易理解的內容。",
			Voice:      model.DefaultHostVoice,
		},
		Guest: model.Character{
			Name:       "大目博士",
			Background: "大目博士是一位資深的人工智能專家，擁有豐富的人工智能研究經驗，擅長以輕鬆有趣的方式解釋複雜的科技議題，並將其轉化為聽眾容易理解的內容。",
			Voice:      model.DefaultGuestVoice,
		},
	}
}

// DefaultProsody 返回默认语速 1.0、音调 0。
func DefaultProsody() ProsodySettings {
	return ProsodySettings{
		Host:  model.VoiceProsody{Speed: 1.0},
		Guest: model.VoiceProsody{Speed: 1.0},
	}
}

// Store 读写本地角色与音色设置。
// 读取时把保存的值合并到默认值上：保存里缺失或为空的字段沿用默认值。
type Store struct {
	kv       kv.Store
	defaults model.CharacterSettings
	logger   *log.Logger
}

// NewStore 创建设置存储；defaults 的零值字段回落到 DefaultCharacters。
func NewStore(store kv.Store, defaults model.CharacterSettings, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.Default()
	}
	return &Store{
		kv:       store,
		defaults: mergeCharacters(DefaultCharacters(), defaults),
		logger:   logger,
	}
}

// Characters 返回当前角色设定。
func (s *Store) Characters(ctx context.Context) (model.CharacterSettings, error) {
	var saved model.CharacterSettings
	found, err := s.load(ctx, CharacterKey, &saved)
	if err != nil {
		return s.defaults, err
	}
	if !found {
		return s.defaults, nil
	}
	return mergeCharacters(s.defaults, saved), nil
}

// UpdateCharacters 把 update 中非空字段合并进当前设定并保存，返回合并结果。
func (s *Store) UpdateCharacters(ctx context.Context, update model.CharacterSettings) (model.CharacterSettings, error) {
	current, err := s.Characters(ctx)
	if err != nil {
		s.logger.Printf("[Settings] ⚠️  load characters failed, using defaults: %v", err)
	}
	merged := mergeCharacters(current, update)
	if err := s.save(ctx, CharacterKey, merged); err != nil {
		return current, err
	}
	s.logger.Printf("[Settings] ✅ characters saved: host=%s guest=%s", merged.Host.Name, merged.Guest.Name)
	return merged, nil
}

// Voices 返回合成请求使用的音色，未设置时回落到默认音色。
func (s *Store) Voices(ctx context.Context) (model.VoiceSettings, error) {
	cs, err := s.Characters(ctx)
	return model.ResolveVoiceSettings(cs), err
}

// Prosody 返回语速/音调设置。
func (s *Store) Prosody(ctx context.Context) (ProsodySettings, error) {
	p := DefaultProsody()
	if _, err := s.load(ctx, VoiceKey, &p); err != nil {
		return DefaultProsody(), err
	}
	return p, nil
}

// SaveProsody 覆盖保存语速/音调设置。
func (s *Store) SaveProsody(ctx context.Context, p ProsodySettings) error {
	if p.Host.Speed <= 0 || p.Guest.Speed <= 0 {
		return fmt.Errorf("speed must be positive")
	}
	return s.save(ctx, VoiceKey, p)
}

// Reset 删除保存的设置，恢复默认值。
func (s *Store) Reset(ctx context.Context) error {
	for _, name := range []string{CharacterKey, VoiceKey} {
		if err := s.kv.Delete(ctx, settingsKey(name)); err != nil {
			return fmt.Errorf("delete %s: %w", name, err)
		}
	}
	return nil
}

func (s *Store) load(ctx context.Context, name string, v any) (bool, error) {
	data, err := s.kv.Get(ctx, settingsKey(name))
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", name, err)
	}
	return true, nil
}

func (s *Store) save(ctx context.Context, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	if err := s.kv.Set(ctx, settingsKey(name), data); err != nil {
		return fmt.Errorf("save %s: %w", name, err)
	}
	return nil
}

func mergeCharacters(base, over model.CharacterSettings) model.CharacterSettings {
	return model.CharacterSettings{
		Host:  mergeCharacter(base.Host, over.Host),
		Guest: mergeCharacter(base.Guest, over.Guest),
	}
}

func mergeCharacter(base, over model.Character) model.Character {
	if over.Name != "" {
		base.Name = over.Name
	}
	if over.Background != "" {
		base.Background = over.Background
	}
	if over.Voice != "" {
		base.Voice = over.Voice
	}
	return base
}
