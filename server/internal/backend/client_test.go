package backend

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"podgen/server/internal/config"
	"podgen/server/internal/model"
	"podgen/server/internal/stream"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(config.BackendConfig{BaseURL: srv.URL}, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func testRequest(kind model.GenerationKind) model.GenerationRequest {
	return model.GenerationRequest{
		Kind:     kind,
		Topic:    "AI 與教育",
		ArxivURL: "https://arxiv.org/abs/2401.00001",
		PDF:      &model.PDFUpload{Filename: "paper.pdf", Data: []byte("%PDF-1.4")},
		Host:     model.Character{Name: "小志", Background: "主持人"},
		Guest:    model.Character{Name: "大目博士", Background: "教授"},
	}
}

// TestGenerateScriptPromptSendsJSON 验证 prompt 请求体字段与默认 max_analysts。
func TestGenerateScriptPromptSendsJSON(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate/script/prompt" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("unexpected content type %s", ct)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = io.WriteString(w, `{"dialogue":[{"speaker":"小志","content":"Hi"}],"host_name":"小志","guest_name":"大目博士","summary":"x"}`)
	})

	script, err := c.GenerateScript(t.Context(), testRequest(model.KindPrompt))
	if err != nil {
		t.Fatalf("GenerateScript: %v", err)
	}
	if got["topic"] != "AI 與教育" || got["max_analysts"] != float64(3) || got["guest_background"] != "教授" {
		t.Fatalf("unexpected request body %v", got)
	}
	if len(script.Dialogue) != 1 || script.Dialogue[0].Content != "Hi" {
		t.Fatalf("unexpected script %+v", script)
	}
	if _, ok := script.Extra["summary"]; !ok {
		t.Fatalf("expected unknown field kept in Extra")
	}
}

// TestGenerateScriptPDFSendsMultipart 验证 pdf 请求以 multipart 上传文件和角色字段。
func TestGenerateScriptPDFSendsMultipart(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate/script/pdf" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
			return
		}
		f, hdr, err := r.FormFile("pdf_file")
		if err != nil {
			t.Errorf("missing pdf_file: %v", err)
			return
		}
		data, _ := io.ReadAll(f)
		if hdr.Filename != "paper.pdf" || string(data) != "%PDF-1.4" {
			t.Errorf("unexpected file %s %q", hdr.Filename, data)
		}
		if r.FormValue("host_name") != "小志" || r.FormValue("guest_background") != "教授" {
			t.Errorf("unexpected fields %v", r.MultipartForm.Value)
		}
		_, _ = io.WriteString(w, `{"dialogue":[]}`)
	})

	if _, err := c.GenerateScript(t.Context(), testRequest(model.KindPDF)); err != nil {
		t.Fatalf("GenerateScript: %v", err)
	}
}

// TestGenerateScriptArxivSendsURL 验证 arxiv 请求带 arxiv_url。
func TestGenerateScriptArxivSendsURL(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = io.WriteString(w, `{"dialogue":[{"speaker":"大目博士","content":"論文"}]}`)
	})

	if _, err := c.GenerateScript(t.Context(), testRequest(model.KindArxiv)); err != nil {
		t.Fatalf("GenerateScript: %v", err)
	}
	if got["arxiv_url"] != "https://arxiv.org/abs/2401.00001" {
		t.Fatalf("unexpected body %v", got)
	}
	if _, ok := got["topic"]; ok {
		t.Fatalf("arxiv request must not carry topic")
	}
}

// TestGenerateScriptDetailArrayMapsFields 验证数组形式的 detail 按 loc 映射成字段提示。
func TestGenerateScriptDetailArrayMapsFields(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"detail":[
			{"loc":["body","host_background"],"msg":"field required"},
			{"loc":["body","guest_name"],"msg":"field required"},
			{"loc":["body","topic"],"msg":"ensure this value has at least 1 characters"}
		]}`)
	})

	_, err := c.GenerateScript(t.Context(), testRequest(model.KindPrompt))
	var merr *model.Error
	if !errors.As(err, &merr) || merr.Kind != model.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(merr.Fields) != 3 {
		t.Fatalf("expected 3 fields, got %+v", merr.Fields)
	}
	if merr.Fields[0].Field != "host_background" || merr.Fields[0].Message != "請設定主持人背景" {
		t.Fatalf("unexpected first field %+v", merr.Fields[0])
	}
	if merr.Fields[1].Message != "請設定來賓名稱" {
		t.Fatalf("unexpected second field %+v", merr.Fields[1])
	}
	if merr.Fields[2].Field != "topic" || merr.Fields[2].Message != "ensure this value has at least 1 characters" {
		t.Fatalf("unexpected generic field %+v", merr.Fields[2])
	}
}

// TestGenerateScriptDetailString 验证字符串形式的 detail 直接作为提示。
func TestGenerateScriptDetailString(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"detail":"無效的 arXiv 連結"}`)
	})

	_, err := c.GenerateScript(t.Context(), testRequest(model.KindArxiv))
	if !model.IsKind(err, model.KindValidation) || err.Error() != "無效的 arXiv 連結" {
		t.Fatalf("unexpected error %v", err)
	}
}

// TestGenerateScriptGenericFailure 验证没有 detail 的失败是通用错误。
func TestGenerateScriptGenericFailure(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `Internal Server Error`)
	})

	_, err := c.GenerateScript(t.Context(), testRequest(model.KindPDF))
	if !model.IsKind(err, model.KindRequest) || err.Error() != "PDF 腳本生成失敗" {
		t.Fatalf("unexpected error %v", err)
	}
}

// TestGenerateScriptFormatErrors 验证缺少 dialogue 或 dialogue 不是数组时报格式错误并保留原始响应。
func TestGenerateScriptFormatErrors(t *testing.T) {
	bodies := []string{
		`{"host_name":"小志"}`,
		`{"dialogue":"not a list"}`,
		`not json`,
	}
	for _, body := range bodies {
		body := body
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, body)
		})
		_, err := c.GenerateScript(t.Context(), testRequest(model.KindPrompt))
		var merr *model.Error
		if !errors.As(err, &merr) || merr.Kind != model.KindFormat {
			t.Fatalf("body %q: expected format error, got %v", body, err)
		}
		if merr.Raw != body || merr.Message != "API 回應格式不正確" {
			t.Fatalf("body %q: unexpected error %+v", body, merr)
		}
	}
}

// TestOpenAudioStreamDecodesEvents 验证合成请求体、Accept 头和默认音色，以及返回的 Decoder 可用。
func TestOpenAudioStreamDecodesEvents(t *testing.T) {
	var got struct {
		Script        map[string]any      `json:"script"`
		VoiceSettings model.VoiceSettings `json:"voice_settings"`
	}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/synthesize/stream" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Accept") != stream.ContentType {
			t.Errorf("unexpected accept %s", r.Header.Get("Accept"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", stream.ContentType)
		_, _ = io.WriteString(w, `{"type":"progress","index":0,"total":1}`+"\n")
		_, _ = io.WriteString(w, `{"type":"audio","status":"success","index":0,"speaker":"小志","content":"Hi","audio_file":"/audio/0.mp3"}`+"\n")
	})

	script := model.Script{Dialogue: []model.DialogueLine{{Speaker: "小志", Content: "Hi"}}, HostName: "小志"}
	dec, err := c.OpenAudioStream(t.Context(), script, model.VoiceSettings{GuestVoice: "zh-TW-YunJheNeural"})
	if err != nil {
		t.Fatalf("OpenAudioStream: %v", err)
	}
	var events []model.StreamEvent
	for evt, err := range dec.All() {
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		events = append(events, evt)
	}

	if got.VoiceSettings.HostVoice != model.DefaultHostVoice {
		t.Fatalf("expected default host voice, got %+v", got.VoiceSettings)
	}
	if got.Script["host_name"] != "小志" {
		t.Fatalf("unexpected script payload %v", got.Script)
	}
	if len(events) != 2 || !events[1].Succeeded() {
		t.Fatalf("unexpected events %+v", events)
	}
}

// TestOpenAudioStreamNonSuccess 验证非 2xx 响应报流错误并带状态码。
func TestOpenAudioStreamNonSuccess(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.OpenAudioStream(t.Context(), model.Script{}, model.VoiceSettings{})
	if !model.IsKind(err, model.KindStream) || err.Error() != "語音生成請求失敗: 503" {
		t.Fatalf("unexpected error %v", err)
	}
}

// TestResolveURL 验证相对音频路径解析到服务地址。
func TestResolveURL(t *testing.T) {
	c, err := NewClient(config.BackendConfig{BaseURL: "http://localhost:8000"}, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	cases := map[string]string{
		"/audio/0.mp3":             "http://localhost:8000/audio/0.mp3",
		"audio/1.mp3":              "http://localhost:8000/audio/1.mp3",
		"http://cdn.example/2.mp3": "http://cdn.example/2.mp3",
	}
	for ref, want := range cases {
		got, err := c.ResolveURL(ref)
		if err != nil || got != want {
			t.Fatalf("ResolveURL(%q) = %q, %v; want %q", ref, got, err, want)
		}
	}
	if _, err := c.ResolveURL(""); err == nil {
		t.Fatalf("expected error for empty reference")
	}
}
