package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"podgen/server/internal/config"
	"podgen/server/internal/model"
	"podgen/server/internal/stream"
)

const (
	scriptPathPrefix = "/api/generate/script/"
	synthesizePath   = "/api/synthesize/stream"
)

// Client 调用脚本生成与语音合成服务
type Client struct {
	baseURL     *url.URL
	maxAnalysts int
	logger      *log.Logger

	// scriptHTTP 带整体超时；streamHTTP 只受 ctx 控制，否则长流会被截断
	scriptHTTP *http.Client
	streamHTTP *http.Client
}

// NewClient 创建客户端
func NewClient(cfg config.BackendConfig, logger *log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.Default()
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("backend url must be absolute: %q", cfg.BaseURL)
	}
	maxAnalysts := cfg.MaxAnalysts
	if maxAnalysts <= 0 {
		maxAnalysts = model.DefaultMaxAnalysts
	}
	return &Client{
		baseURL:     base,
		maxAnalysts: maxAnalysts,
		scriptHTTP:  &http.Client{Timeout: cfg.ScriptTimeout},
		streamHTTP:  &http.Client{},
		logger:      logger,
	}, nil
}

// BaseURL 返回服务地址
func (c *Client) BaseURL() string { return c.baseURL.String() }

// GenerateScript 按请求类型调用脚本接口。
// 失败一律返回 *model.Error：结构化 detail → validation，缺少 dialogue → format，其他 → request。
func (c *Client) GenerateScript(ctx context.Context, req model.GenerationRequest) (*model.Script, error) {
	httpReq, err := c.newScriptRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.scriptHTTP.Do(httpReq)
	if err != nil {
		return nil, model.RequestFailure(failureMessage(req.Kind), fmt.Errorf("execute request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, model.RequestFailure(failureMessage(req.Kind), fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		derr := decodeFailure(req.Kind, resp.StatusCode, body)
		c.logger.Printf("[Backend] ❌ script %s failed: status=%d %v", req.Kind, resp.StatusCode, derr)
		return nil, derr
	}

	script, ferr := decodeScript(body)
	if ferr != nil {
		c.logger.Printf("[Backend] ❌ 回應格式錯誤: %s", truncate(body, 2000))
		return nil, ferr
	}
	c.logger.Printf("[Backend] ✅ script %s ready: %d lines", req.Kind, len(script.Dialogue))
	return script, nil
}

func (c *Client) newScriptRequest(ctx context.Context, req model.GenerationRequest) (*http.Request, error) {
	endpoint := c.endpoint(scriptPathPrefix + string(req.Kind))

	switch req.Kind {
	case model.KindPrompt:
		maxAnalysts := req.MaxAnalysts
		if maxAnalysts <= 0 {
			maxAnalysts = c.maxAnalysts
		}
		return c.newJSONRequest(ctx, endpoint, map[string]any{
			"topic":            req.Topic,
			"max_analysts":     maxAnalysts,
			"host_name":        req.Host.Name,
			"host_background":  req.Host.Background,
			"guest_name":       req.Guest.Name,
			"guest_background": req.Guest.Background,
		})
	case model.KindArxiv:
		return c.newJSONRequest(ctx, endpoint, map[string]any{
			"arxiv_url":        req.ArxivURL,
			"host_name":        req.Host.Name,
			"host_background":  req.Host.Background,
			"guest_name":       req.Guest.Name,
			"guest_background": req.Guest.Background,
		})
	case model.KindPDF:
		return c.newPDFRequest(ctx, endpoint, req)
	default:
		return nil, model.Precondition("kind", "未知的生成類型: "+string(req.Kind))
	}
}

func (c *Client) newJSONRequest(ctx context.Context, endpoint string, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (c *Client) newPDFRequest(ctx context.Context, endpoint string, r model.GenerationRequest) (*http.Request, error) {
	if r.PDF == nil {
		return nil, model.Precondition("pdf_file", "請選擇 PDF 檔案")
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	filename := r.PDF.Filename
	if filename == "" {
		filename = "upload.pdf"
	}
	part, err := mw.CreateFormFile("pdf_file", filename)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(r.PDF.Data); err != nil {
		return nil, fmt.Errorf("write form file: %w", err)
	}
	fields := [][2]string{
		{"host_name", r.Host.Name},
		{"host_background", r.Host.Background},
		{"guest_name", r.Guest.Name},
		{"guest_background", r.Guest.Background},
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, fmt.Errorf("write form field %s: %w", f[0], err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req, nil
}

// OpenAudioStream 打开语音合成流，返回的 Decoder 由调用方负责 Close。
func (c *Client) OpenAudioStream(ctx context.Context, script model.Script, voices model.VoiceSettings) (*stream.Decoder, error) {
	if voices.HostVoice == "" {
		voices.HostVoice = model.DefaultHostVoice
	}
	if voices.GuestVoice == "" {
		voices.GuestVoice = model.DefaultGuestVoice
	}

	req, err := c.newJSONRequest(ctx, c.endpoint(synthesizePath), map[string]any{
		"script":         script,
		"voice_settings": voices,
	})
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", stream.ContentType)

	resp, err := c.streamHTTP.Do(req)
	if err != nil {
		return nil, model.StreamFailure("語音生成請求失敗", fmt.Errorf("execute request: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		return nil, model.StreamFailure("語音生成請求失敗: "+strconv.Itoa(resp.StatusCode), nil)
	}
	c.logger.Printf("[Backend] audio stream opened (%d lines)", len(script.Dialogue))
	return stream.NewDecoder(resp.Body, c.logger), nil
}

// ResolveURL 把服务端返回的相对音频路径解析成绝对地址
func (c *Client) ResolveURL(ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("empty audio reference")
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse audio reference %q: %w", ref, err)
	}
	return c.baseURL.ResolveReference(u).String(), nil
}

func (c *Client) endpoint(path string) string {
	return c.baseURL.ResolveReference(&url.URL{Path: path}).String()
}

// decodeScript 检查成功响应必须带有数组形式的 dialogue。
func decodeScript(body []byte) (*model.Script, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, model.Format("API 回應格式不正確", string(body))
	}
	dialogue, ok := raw["dialogue"]
	if !ok || !isJSONArray(dialogue) {
		return nil, model.Format("API 回應格式不正確", string(body))
	}
	var script model.Script
	if err := json.Unmarshal(body, &script); err != nil {
		return nil, model.Format("API 回應格式不正確", string(body))
	}
	return &script, nil
}

func isJSONArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '['
}

type detailItem struct {
	Loc []any  `json:"loc"`
	Msg string `json:"msg"`
}

// fieldMessages 是能识别出字段时给用户的提示
var fieldMessages = map[string]string{
	"host_name":        "請設定主持人名稱",
	"host_background":  "請設定主持人背景",
	"guest_name":       "請設定來賓名稱",
	"guest_background": "請設定來賓背景",
}

// decodeFailure 在边界处把 detail 的两种形状一次性转成带标签的错误。
func decodeFailure(kind model.GenerationKind, status int, body []byte) *model.Error {
	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || len(payload.Detail) == 0 || string(payload.Detail) == "null" {
		return model.RequestFailure(failureMessage(kind), fmt.Errorf("status %d: %s", status, truncate(body, 500)))
	}

	var text string
	if err := json.Unmarshal(payload.Detail, &text); err == nil {
		return model.Validation([]model.FieldError{{Message: text}})
	}

	var items []detailItem
	if err := json.Unmarshal(payload.Detail, &items); err == nil && len(items) > 0 {
		fields := make([]model.FieldError, 0, len(items))
		for _, item := range items {
			fields = append(fields, fieldError(item))
		}
		return model.Validation(fields)
	}

	// 其他形状原样带出
	return model.Validation([]model.FieldError{{Message: string(payload.Detail)}})
}

func fieldError(item detailItem) model.FieldError {
	for _, loc := range item.Loc {
		name, ok := loc.(string)
		if !ok {
			continue
		}
		if msg, known := fieldMessages[name]; known {
			return model.FieldError{Field: name, Message: msg}
		}
	}
	field := ""
	if n := len(item.Loc); n > 0 {
		if name, ok := item.Loc[n-1].(string); ok && name != "body" {
			field = name
		}
	}
	msg := item.Msg
	if msg == "" {
		msg = "欄位驗證失敗"
	}
	return model.FieldError{Field: field, Message: msg}
}

func failureMessage(kind model.GenerationKind) string {
	if kind == model.KindPDF {
		return "PDF 腳本生成失敗"
	}
	return "生成腳本失敗"
}

func truncate(b []byte, n int) string {
	s := string(b)
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "") + "..."
}
