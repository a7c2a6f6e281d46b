package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 全局配置
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Backend  BackendConfig  `yaml:"backend"`
	Voices   VoicesConfig   `yaml:"voices"`
	Progress ProgressConfig `yaml:"progress"`
	Playback PlaybackConfig `yaml:"playback"`
	Settings SettingsConfig `yaml:"settings"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

// BackendConfig 脚本生成与语音合成服务
type BackendConfig struct {
	BaseURL       string        `yaml:"base_url"`
	ScriptTimeout time.Duration `yaml:"script_timeout"`
	MaxAnalysts   int           `yaml:"max_analysts"`
}

// VoicesConfig 角色未设置音色时使用的默认值
type VoicesConfig struct {
	Host  string `yaml:"host"`
	Guest string `yaml:"guest"`
}

// ProgressConfig 脚本阶段的进度估算
type ProgressConfig struct {
	Interval time.Duration `yaml:"interval"`
	// Durations 按生成类型覆盖预期耗时，key 为 prompt/pdf/arxiv
	Durations map[string]time.Duration `yaml:"durations"`
}

const (
	// PlaybackRemote 由浏览器通过 WebSocket 播放
	PlaybackRemote = "remote"
	// PlaybackLocal 由本机外部播放器播放
	PlaybackLocal = "local"
)

type PlaybackConfig struct {
	Mode     string   `yaml:"mode"`
	Player   []string `yaml:"player"`
	CacheDir string   `yaml:"cache_dir"`
	AutoPlay bool     `yaml:"auto_play"`
}

// SettingsConfig 角色设置的本地存储；Dir 为空时只保存在内存
type SettingsConfig struct {
	Dir string `yaml:"dir"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default 返回可直接运行的默认配置
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			PingInterval: 30 * time.Second,
		},
		Backend: BackendConfig{
			BaseURL:       "http://localhost:8000",
			ScriptTimeout: 10 * time.Minute,
			MaxAnalysts:   3,
		},
		Voices: VoicesConfig{
			Host:  "zh-TW-HsiaoChenNeural",
			Guest: "zh-TW-YunJheNeural",
		},
		Progress: ProgressConfig{
			Interval: 100 * time.Millisecond,
		},
		Playback: PlaybackConfig{
			Mode:     PlaybackRemote,
			AutoPlay: true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load 从文件加载配置；path 为空时只使用默认值和环境变量
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		fmt.Printf("📋 Loading config from: %s\n", path)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		fmt.Printf("✅ Config parsed successfully (%d bytes)\n", len(data))
	}

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv 用环境变量覆盖配置
func (c *Config) ApplyEnv() {
	if v := os.Getenv("PODGEN_BACKEND_URL"); v != "" {
		fmt.Printf("🔗 Using PODGEN_BACKEND_URL from environment: %s\n", v)
		c.Backend.BaseURL = v
	}
	if v := os.Getenv("PODGEN_LISTEN_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("PODGEN_SETTINGS_DIR"); v != "" {
		c.Settings.Dir = v
	}
	if v := os.Getenv("PODGEN_PLAYER"); v != "" {
		c.Playback.Player = strings.Fields(v)
		c.Playback.Mode = PlaybackLocal
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Backend.BaseURL == "" {
		return errors.New("backend.base_url is required")
	}
	u, err := url.Parse(c.Backend.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("backend.base_url must be an absolute URL: %q", c.Backend.BaseURL)
	}
	if c.Backend.MaxAnalysts < 0 {
		return fmt.Errorf("backend.max_analysts must be >= 0, got %d", c.Backend.MaxAnalysts)
	}
	if c.Progress.Interval <= 0 {
		return fmt.Errorf("progress.interval must be positive, got %v", c.Progress.Interval)
	}
	for kind, d := range c.Progress.Durations {
		switch kind {
		case "prompt", "pdf", "arxiv":
		default:
			return fmt.Errorf("progress.durations: unknown kind %q", kind)
		}
		if d <= 0 {
			return fmt.Errorf("progress.durations.%s must be positive", kind)
		}
	}
	switch c.Playback.Mode {
	case PlaybackRemote, PlaybackLocal:
	default:
		return fmt.Errorf("playback.mode must be %q or %q, got %q", PlaybackRemote, PlaybackLocal, c.Playback.Mode)
	}
	return nil
}
