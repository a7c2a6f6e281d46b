package commands

import (
	"io"
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"podgen/server/internal/config"
)

var (
	// 全局参数
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "podgen",
	Short: "Podcast generation client",
	Long: `podgen - 生成雙人對話 Podcast：先生成對話腳本，再逐段串流合成語音並依序播放。

Commands:
  serve      啟動本機 HTTP + WebSocket 控制介面，供瀏覽器介面使用
  generate   在終端機直接生成一集 Podcast（prompt / pdf / arxiv）
  settings   查看或修改主持人與來賓設定
  history    查看生成紀錄

Configuration:
  --config 指定 YAML 設定檔，未指定時讀取 PODGEN_CONFIG。
  PODGEN_BACKEND_URL / PODGEN_LISTEN_ADDR / PODGEN_SETTINGS_DIR / PODGEN_PLAYER
  會覆蓋設定檔中的對應欄位。

Examples:
  podgen serve --addr :8080
  podgen generate prompt --topic "量子計算入門"
  podgen generate pdf --file paper.pdf --play
  podgen settings set --host-name 小美 --host-background "科技節目主持人"`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// loadConfig 读取配置；--config 为空时使用 PODGEN_CONFIG
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("PODGEN_CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

// newLogger 按 logging.level 创建日志；silent 时丢弃所有输出
func newLogger(cfg *config.Config, w io.Writer) *log.Logger {
	switch strings.ToLower(cfg.Logging.Level) {
	case "silent", "off", "none":
		w = io.Discard
	}
	return log.New(w, "", log.LstdFlags)
}

// discardUnlessVerbose 用于输出本身就是结果的子命令
func discardUnlessVerbose() io.Writer {
	if verbose {
		return os.Stderr
	}
	return io.Discard
}

func isDebug(cfg *config.Config) bool {
	return strings.EqualFold(cfg.Logging.Level, "debug")
}
