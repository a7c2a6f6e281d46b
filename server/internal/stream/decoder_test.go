package stream

import (
	"errors"
	"io"
	"strings"
	"testing"

	"podgen/server/internal/model"
)

// chunkedBody 按给定切片逐块返回数据，并记录 Close 次数。
type chunkedBody struct {
	chunks [][]byte
	err    error
	closed int
}

func (b *chunkedBody) Read(p []byte) (int, error) {
	if len(b.chunks) == 0 {
		if b.err != nil {
			return 0, b.err
		}
		return 0, io.EOF
	}
	n := copy(p, b.chunks[0])
	b.chunks[0] = b.chunks[0][n:]
	if len(b.chunks[0]) == 0 {
		b.chunks = b.chunks[1:]
	}
	return n, nil
}

func (b *chunkedBody) Close() error {
	b.closed++
	return nil
}

func newBody(chunks ...string) *chunkedBody {
	b := &chunkedBody{}
	for _, c := range chunks {
		b.chunks = append(b.chunks, []byte(c))
	}
	return b
}

func collect(t *testing.T, d *Decoder) []model.StreamEvent {
	t.Helper()
	var out []model.StreamEvent
	for evt, err := range d.All() {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		out = append(out, evt)
	}
	return out
}

// TestDecoderHandlesPartialAndMultiRecordChunks 验证记录被任意切块时仍能完整解码：
// 一块里有多条记录、一条记录跨多块、多字节字符被切在块边界上。
func TestDecoderHandlesPartialAndMultiRecordChunks(t *testing.T) {
	stream := `{"type":"progress","index":0,"total":2}` + "\n" +
		`{"type":"audio","status":"success","index":0,"speaker":"小志","content":"大家好","audio_file":"/audio/a.wav"}` + "\n" +
		`{"type":"progress","index":1,"total":2}` + "\n"

	// 在 "小" 的 UTF-8 编码中间切一刀
	cut := strings.Index(stream, "小") + 1
	body := newBody(stream[:10], stream[10:cut], stream[cut:cut+3], stream[cut+3:])
	d := NewDecoder(body, nil)

	events := collect(t, d)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", len(events), events)
	}
	if events[1].Type != model.EventAudio || events[1].Speaker != "小志" || events[1].Content != "大家好" {
		t.Fatalf("unexpected audio event: %+v", events[1])
	}
	if events[2].Index != 1 || events[2].Total != 2 {
		t.Fatalf("unexpected progress event: %+v", events[2])
	}
	if body.closed != 1 {
		t.Fatalf("expected body closed exactly once, got %d", body.closed)
	}
}

// TestDecoderMalformedLineDegradesPerLine 验证坏行变成 error 事件，后续行照常解码。
func TestDecoderMalformedLineDegradesPerLine(t *testing.T) {
	body := newBody(
		`{"type":"progress","index":0,"total":1}`+"\n",
		`{"type":"audio",`+"\n",
		"\r\n",
		`{"type":"progress","index":1,"total":1}`+"\r\n",
	)
	dec := NewDecoder(body, nil)
	events := collect(t, dec)

	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", len(events), events)
	}
	// 空行不计数，解析失败的行计数
	if dec.Lines() != 3 {
		t.Fatalf("expected 3 records counted, got %d", dec.Lines())
	}
	if events[1].Type != model.EventError || !strings.Contains(events[1].Message, "解析失敗") {
		t.Fatalf("expected parse error event, got %+v", events[1])
	}
	if events[2].Type != model.EventProgress || events[2].Index != 1 {
		t.Fatalf("expected decoding to continue after bad line, got %+v", events[2])
	}
}

// TestDecoderTrailingRecordWithoutNewline 验证结尾没有换行的记录也会被解码；不完整时报错而不是丢弃。
func TestDecoderTrailingRecordWithoutNewline(t *testing.T) {
	events := collect(t, NewDecoder(newBody(`{"type":"error","message":"synthesis failed"}`), nil))
	if len(events) != 1 || events[0].Type != model.EventError || events[0].Message != "synthesis failed" {
		t.Fatalf("expected trailing error record, got %+v", events)
	}

	events = collect(t, NewDecoder(newBody(`{"type":"progress","index":0,"total":1}`+"\n"+`{"type":"aud`), nil))
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %+v", events)
	}
	if events[1].Type != model.EventError || !strings.Contains(events[1].Message, "不完整") {
		t.Fatalf("expected incomplete trailing record error, got %+v", events[1])
	}
}

// TestDecoderUnknownType 验证未知类型被报告为 error 事件。
func TestDecoderUnknownType(t *testing.T) {
	events := collect(t, NewDecoder(newBody(`{"type":"start"}`+"\n"), nil))
	if len(events) != 1 || events[0].Type != model.EventError {
		t.Fatalf("expected error event for unknown type, got %+v", events)
	}
}

// TestDecoderReleasesOnEarlyBreak 验证调用方提前停止消费时 body 也被释放且只释放一次。
func TestDecoderReleasesOnEarlyBreak(t *testing.T) {
	body := newBody(
		`{"type":"progress","index":0,"total":3}`+"\n",
		`{"type":"progress","index":1,"total":3}`+"\n",
		`{"type":"progress","index":2,"total":3}`+"\n",
	)
	d := NewDecoder(body, nil)
	for evt := range d.All() {
		if evt.Index == 0 {
			break
		}
	}
	_ = d.Close()
	if body.closed != 1 {
		t.Fatalf("expected body closed once, got %d", body.closed)
	}
	if _, err := d.Next(); err == nil {
		// 已关闭的 body 读取会失败或返回 EOF，都不应再产出事件
		t.Fatalf("expected no more events after close")
	}
}

// TestDecoderTransportError 验证传输错误会原样返回并释放 body。
func TestDecoderTransportError(t *testing.T) {
	body := newBody(`{"type":"progress","index":0,"total":2}` + "\n")
	body.err = errors.New("connection reset")
	d := NewDecoder(body, nil)

	if _, err := d.Next(); err != nil {
		t.Fatalf("first record: %v", err)
	}
	_, err := d.Next()
	if err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Fatalf("expected transport error, got %v", err)
	}
	if body.closed != 1 {
		t.Fatalf("expected body closed once, got %d", body.closed)
	}
	if _, err := d.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after failure, got %v", err)
	}
}
