package playback

import (
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"testing"
	"time"

	"podgen/server/internal/model"
	"podgen/server/internal/segment"
)

func newAudioServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.mp3" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3-fake-audio"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// TestCacheFetchAndReleaseOnClear 验证下载的文件会在队列 Clear 时被删除。
func TestCacheFetchAndReleaseOnClear(t *testing.T) {
	srv := newAudioServer(t)
	cache, err := NewCache(t.TempDir(), srv.Client(), nil)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	defer cache.Close()

	q := segment.NewQueue(nil, cache)
	seg := model.AudioSegment{Index: 0, URL: srv.URL + "/audio/0.mp3"}
	q.Insert(0, seg)

	p, err := cache.Fetch(t.Context(), seg)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	data, err := os.ReadFile(p)
	if err != nil || string(data) != "ID3-fake-audio" {
		t.Fatalf("unexpected cached content %q err=%v", data, err)
	}

	again, err := cache.Fetch(t.Context(), seg)
	if err != nil || again != p {
		t.Fatalf("expected cached path reused, got %q err=%v", again, err)
	}

	q.Clear()
	if _, err := os.Stat(p); !os.IsNotExist(err) {
		t.Fatalf("expected cache file removed, stat err=%v", err)
	}
	if cache.Len() != 0 {
		t.Fatalf("expected empty cache, got %d", cache.Len())
	}
}

// TestCacheFetchMissingResource 验证资源缺失返回错误。
func TestCacheFetchMissingResource(t *testing.T) {
	srv := newAudioServer(t)
	cache, err := NewCache("", srv.Client(), nil)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	dir := cache.Dir()

	if _, err := cache.Fetch(t.Context(), model.AudioSegment{URL: srv.URL + "/missing.mp3"}); err == nil {
		t.Fatalf("expected error for missing audio")
	}

	if err := cache.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("expected owned dir removed")
	}
}

// TestExecDevicePlaysUntilProcessExits 用 true 命令代替播放器，进程退出即片段结束。
func TestExecDevicePlaysUntilProcessExits(t *testing.T) {
	player, err := exec.LookPath("true")
	if err != nil {
		t.Skip("true command not available")
	}
	srv := newAudioServer(t)
	cache, err := NewCache(t.TempDir(), srv.Client(), nil)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	defer cache.Close()

	dev := NewExecDevice([]string{player}, cache, nil)

	loaded := make(chan struct{}, 1)
	ended := make(chan struct{}, 1)
	failed := make(chan error, 1)
	out, err := dev.Open(model.AudioSegment{Index: 0, URL: srv.URL + "/0.mp3"}, Callbacks{
		Loaded: func() { loaded <- struct{}{} },
		Ended:  func() { ended <- struct{}{} },
		Failed: func(err error) { failed <- err },
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer out.Release()

	select {
	case <-loaded:
	case err := <-failed:
		t.Fatalf("load failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for load")
	}

	if err := out.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	select {
	case <-ended:
	case err := <-failed:
		t.Fatalf("play failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for end")
	}
}

// TestExecDeviceMissingResourceFails 验证资源缺失通过 Failed 回调上报为播放错误。
func TestExecDeviceMissingResourceFails(t *testing.T) {
	srv := newAudioServer(t)
	cache, err := NewCache(t.TempDir(), srv.Client(), nil)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	defer cache.Close()

	dev := NewExecDevice([]string{"true"}, cache, nil)
	failed := make(chan error, 1)
	out, err := dev.Open(model.AudioSegment{Index: 3, URL: srv.URL + "/missing.mp3"}, Callbacks{
		Loaded: func() {},
		Ended:  func() {},
		Failed: func(err error) { failed <- err },
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer out.Release()

	select {
	case err := <-failed:
		if !model.IsKind(err, model.KindPlayback) {
			t.Fatalf("expected playback error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for failure")
	}
}
