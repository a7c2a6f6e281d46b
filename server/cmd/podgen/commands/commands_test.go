package commands

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"podgen/server/internal/model"
)

// setupTestEnv 把设置目录指向临时目录，每个测试独立一份 badger
func setupTestEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("PODGEN_CONFIG", "")
	t.Setenv("PODGEN_SETTINGS_DIR", dir)
	t.Setenv("PODGEN_BACKEND_URL", "http://127.0.0.1:1")
	return dir
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()

	resetFlags(rootCmd)
	configPath = ""
	verbose = false
	return out.String(), err
}

func resetFlags(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		f.Changed = false
		f.Value.Set(f.DefValue)
	})
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

// fakeBackend 返回两句台词，合成流依次给出进度和两段音频
func fakeBackend(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch {
		case strings.HasPrefix(r.URL.Path, "/api/generate/script/"):
			_, _ = io.WriteString(w, `{"dialogue":[{"speaker":"小志","content":"歡迎收聽"},{"speaker":"大目博士","content":"大家好"}]}`)
		case r.URL.Path == "/api/synthesize/stream":
			lines := []string{
				`{"type":"progress","index":0,"total":2}`,
				`{"type":"audio","status":"success","index":0,"total":2,"speaker":"小志","content":"歡迎收聽","audio_file":"/audio/0.mp3"}`,
				`{"type":"audio","status":"success","index":1,"total":2,"speaker":"大目博士","content":"大家好","audio_file":"/audio/1.mp3"}`,
			}
			_, _ = io.WriteString(w, strings.Join(lines, "\n")+"\n")
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	t.Setenv("PODGEN_BACKEND_URL", srv.URL)
	return srv, &hits
}

// TestSettingsShowDefaults 未保存过设置时输出内置的主持人和来宾
func TestSettingsShowDefaults(t *testing.T) {
	setupTestEnv(t)

	out, err := runCmd(t, "settings", "show")
	if err != nil {
		t.Fatalf("settings show: %v", err)
	}
	for _, want := range []string{"小志", "大目博士", model.DefaultHostVoice, "speed: 1"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}

// TestSettingsSetPersists 设置写入本地目录，下一次执行仍然可见，reset 后恢复默认
func TestSettingsSetPersists(t *testing.T) {
	setupTestEnv(t)

	if _, err := runCmd(t, "settings", "set", "--host-name", "小美", "--guest-speed", "1.5"); err != nil {
		t.Fatalf("settings set: %v", err)
	}

	out, err := runCmd(t, "settings", "show")
	if err != nil {
		t.Fatalf("settings show: %v", err)
	}
	if !strings.Contains(out, "小美") || !strings.Contains(out, "speed: 1.5") {
		t.Fatalf("settings not persisted:\n%s", out)
	}
	// 只改名字，背景沿用默认
	if !strings.Contains(out, "資深科技記者") {
		t.Fatalf("host background should fall back to default:\n%s", out)
	}

	out, err = runCmd(t, "settings", "reset")
	if err != nil {
		t.Fatalf("settings reset: %v", err)
	}
	if strings.Contains(out, "小美") || !strings.Contains(out, "小志") {
		t.Fatalf("reset should restore defaults:\n%s", out)
	}
}

// TestSettingsSetRejectsNonPositiveSpeed 语速必须为正
func TestSettingsSetRejectsNonPositiveSpeed(t *testing.T) {
	setupTestEnv(t)

	if _, err := runCmd(t, "settings", "set", "--host-speed", "0"); err == nil {
		t.Fatalf("expected error for zero speed")
	}
}

// TestGeneratePromptEndToEnd 终端生成一集：逐段输出、完成提示、历史里有记录
func TestGeneratePromptEndToEnd(t *testing.T) {
	setupTestEnv(t)
	_, hits := fakeBackend(t)

	out, err := runCmd(t, "generate", "prompt", "--topic", "AI 發展")
	if err != nil {
		t.Fatalf("generate: %v\n%s", err, out)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected script + stream requests, got %d", hits.Load())
	}
	for _, want := range []string{"主題：AI 發展", "歡迎收聽", "大家好", "生成完成", "共 2 段"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
	if strings.Index(out, "歡迎收聽") > strings.Index(out, "大家好") {
		t.Fatalf("segments out of order:\n%s", out)
	}

	out, err = runCmd(t, "history")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out, "prompt") || !strings.Contains(out, "2/2") || !strings.Contains(out, "completed") {
		t.Fatalf("history missing record:\n%s", out)
	}

	// 事件和记录存在同一个目录里，新进程也能查到
	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) < 3 {
		t.Fatalf("unexpected history line: %q", out)
	}
	id := fields[2]
	out, err = runCmd(t, "history", id, "--events")
	if err != nil {
		t.Fatalf("history --events: %v", err)
	}
	if lines := strings.Split(strings.TrimSpace(out), "\n"); len(lines) != 3 {
		t.Fatalf("expected 3 stored events, got:\n%s", out)
	}
	if !strings.Contains(out, `"audio_file":"/audio/1.mp3"`) {
		t.Fatalf("events missing audio record:\n%s", out)
	}
}

// TestGenerateMissingTopic 前置条件不满足时不发出任何请求
func TestGenerateMissingTopic(t *testing.T) {
	setupTestEnv(t)
	_, hits := fakeBackend(t)

	_, err := runCmd(t, "generate", "prompt")
	if err == nil {
		t.Fatalf("expected error")
	}
	var merr *model.Error
	if !errors.As(err, &merr) || merr.Kind != model.KindPrecondition {
		t.Fatalf("expected precondition error, got %v", err)
	}
	if hits.Load() != 0 {
		t.Fatalf("backend should not be called, got %d hits", hits.Load())
	}
}

// TestGeneratePartialIdentity 只给主持人名字时不回落到设置，直接报缺少的字段
func TestGeneratePartialIdentity(t *testing.T) {
	setupTestEnv(t)
	_, hits := fakeBackend(t)

	_, err := runCmd(t, "generate", "prompt", "--topic", "AI", "--host-name", "小美")
	var merr *model.Error
	if !errors.As(err, &merr) || merr.Kind != model.KindPrecondition {
		t.Fatalf("expected precondition error, got %v", err)
	}
	found := false
	for _, f := range merr.Fields {
		if f.Field == "host_background" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected host_background field, got %+v", merr.Fields)
	}
	if hits.Load() != 0 {
		t.Fatalf("backend should not be called, got %d hits", hits.Load())
	}
}

// TestGenerateUnknownKind 未知类型在读取配置前就被拒绝
func TestGenerateUnknownKind(t *testing.T) {
	setupTestEnv(t)

	_, err := runCmd(t, "generate", "video")
	if err == nil || !strings.Contains(err.Error(), "unknown kind") {
		t.Fatalf("expected unknown kind error, got %v", err)
	}
}

// TestHistoryUnknownID 查不到的生成 id 返回错误
func TestHistoryUnknownID(t *testing.T) {
	setupTestEnv(t)

	_, err := runCmd(t, "history", "missing")
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found, got %v", err)
	}
}
