package playback

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"podgen/server/internal/model"
)

// Cache 把远端音频下载到本地临时目录，供外部播放器读取。
// 它同时实现 segment.Releaser：队列清空时删除对应文件。
type Cache struct {
	dir    string
	owned  bool
	client *http.Client
	logger *log.Logger

	mu    sync.Mutex
	files map[string]string // url -> local path
}

// NewCache 创建缓存；dir 为空时在系统临时目录下新建并在 Close 时删除。
func NewCache(dir string, client *http.Client, logger *log.Logger) (*Cache, error) {
	if logger == nil {
		logger = log.Default()
	}
	if client == nil {
		client = http.DefaultClient
	}
	owned := false
	if dir == "" {
		tmp, err := os.MkdirTemp("", "podgen-audio-")
		if err != nil {
			return nil, fmt.Errorf("create audio cache dir: %w", err)
		}
		dir = tmp
		owned = true
	} else if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audio cache dir: %w", err)
	}
	return &Cache{
		dir:    dir,
		owned:  owned,
		client: client,
		logger: logger,
		files:  make(map[string]string),
	}, nil
}

// Dir 返回缓存目录。
func (c *Cache) Dir() string { return c.dir }

// Fetch 返回 seg 对应的本地文件路径，必要时下载。
// 非 http(s) 的 URL 视为本地路径直接返回。
func (c *Cache) Fetch(ctx context.Context, seg model.AudioSegment) (string, error) {
	u, err := url.Parse(seg.URL)
	if err != nil {
		return "", fmt.Errorf("parse audio url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
	case "file":
		return u.Path, nil
	default:
		if _, err := os.Stat(seg.URL); err != nil {
			return "", fmt.Errorf("audio file: %w", err)
		}
		return seg.URL, nil
	}

	c.mu.Lock()
	if p, ok := c.files[seg.URL]; ok {
		c.mu.Unlock()
		return p, nil
	}
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, seg.URL, nil)
	if err != nil {
		return "", fmt.Errorf("build audio request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download audio: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("download audio: status %d", resp.StatusCode)
	}

	ext := strings.ToLower(path.Ext(u.Path))
	if ext == "" {
		ext = ".mp3"
	}
	local := filepath.Join(c.dir, fmt.Sprintf("%04d-%s%s", seg.Index, uuid.NewString(), ext))
	f, err := os.Create(local)
	if err != nil {
		return "", fmt.Errorf("create cache file: %w", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(local)
		return "", fmt.Errorf("write cache file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(local)
		return "", fmt.Errorf("close cache file: %w", err)
	}

	c.mu.Lock()
	if p, ok := c.files[seg.URL]; ok {
		// 并发下载了同一个 URL，保留先写入的那份
		c.mu.Unlock()
		os.Remove(local)
		return p, nil
	}
	c.files[seg.URL] = local
	c.mu.Unlock()
	return local, nil
}

// Release 删除 seg 的缓存文件。
func (c *Cache) Release(seg model.AudioSegment) {
	c.mu.Lock()
	p, ok := c.files[seg.URL]
	delete(c.files, seg.URL)
	c.mu.Unlock()
	if !ok {
		return
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		c.logger.Printf("[AudioCache] ⚠️  remove %s: %v", p, err)
	}
}

// Len 返回当前缓存的文件数。
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.files)
}

// Close 删除所有缓存文件；自己创建的目录一并删除。
func (c *Cache) Close() error {
	c.mu.Lock()
	files := c.files
	c.files = make(map[string]string)
	c.mu.Unlock()

	for _, p := range files {
		_ = os.Remove(p)
	}
	if c.owned {
		return os.RemoveAll(c.dir)
	}
	return nil
}
