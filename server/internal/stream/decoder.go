package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log"
	"sync"
	"sync/atomic"

	"podgen/server/internal/model"
)

// ContentType 是合成流响应的媒体类型。
const ContentType = "application/x-ndjson"

// Decoder 把按 '\n' 分隔的 JSON 记录流解码成 StreamEvent。
//
// 约定：
// - 一个 Decoder 只消费一条流，读完即作废，不能重启。
// - 单行解析失败会变成一条 error 类型事件，后续行继续解码；是否终止由调用方决定。
// - 流结束时没有换行的剩余内容按最后一条记录解码，不完整则报 error 事件，不会静默丢弃。
// - 底层 body 恰好释放一次：正常结束、读错误、调用方提前 Close 都一样。
type Decoder struct {
	body   io.ReadCloser
	reader *bufio.Reader
	logger *log.Logger

	line   int
	done   bool
	closed atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

// NewDecoder 包装一个流式响应体。
func NewDecoder(body io.ReadCloser, logger *log.Logger) *Decoder {
	if logger == nil {
		logger = log.Default()
	}
	return &Decoder{
		body:   body,
		reader: bufio.NewReader(body),
		logger: logger,
	}
}

// Next 返回下一条事件；流读完时返回 io.EOF，传输错误原样包裹返回。
// 只在 '\n' 字节处切分，跨读取边界的多字节字符会先被拼完整再解码。
func (d *Decoder) Next() (model.StreamEvent, error) {
	for {
		if d.done || d.closed.Load() {
			return model.StreamEvent{}, io.EOF
		}

		raw, err := d.reader.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			d.done = true
			_ = d.Close()
			return model.StreamEvent{}, fmt.Errorf("read stream: %w", err)
		}
		final := err != nil
		if final {
			d.done = true
			// 已经读到结尾，立即释放，不必等调用方
			_ = d.Close()
		}

		record := bytes.TrimSpace(raw)
		if len(record) == 0 {
			continue
		}
		d.line++
		return d.decode(record, final && raw[len(raw)-1] != '\n'), nil
	}
}

// All 以迭代器形式遍历事件；提前 break 也会释放底层 body。
func (d *Decoder) All() iter.Seq2[model.StreamEvent, error] {
	return func(yield func(model.StreamEvent, error) bool) {
		defer d.Close()
		for {
			evt, err := d.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(evt, err) || err != nil {
				return
			}
		}
	}
}

// Close 释放底层 body，可重复调用，只生效一次。
func (d *Decoder) Close() error {
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		d.closeErr = d.body.Close()
		d.logger.Printf("[Decoder] stream released after %d records", d.line)
	})
	return d.closeErr
}

// Lines 返回已解码的记录数。
func (d *Decoder) Lines() int { return d.line }

func (d *Decoder) decode(record []byte, unterminated bool) model.StreamEvent {
	var evt model.StreamEvent
	if err := json.Unmarshal(record, &evt); err != nil {
		msg := fmt.Sprintf("第 %d 筆串流記錄解析失敗: %v", d.line, err)
		if unterminated {
			msg = fmt.Sprintf("串流結尾的記錄不完整: %v", err)
		}
		d.logger.Printf("[Decoder] ❌ %s: %q", msg, truncate(record, 200))
		return model.StreamEvent{Type: model.EventError, Index: -1, Message: msg}
	}

	switch evt.Type {
	case model.EventProgress, model.EventAudio, model.EventError:
		return evt
	default:
		msg := fmt.Sprintf("第 %d 筆串流記錄類型未知: %q", d.line, evt.Type)
		d.logger.Printf("[Decoder] ❌ %s", msg)
		return model.StreamEvent{Type: model.EventError, Index: -1, Message: msg}
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
