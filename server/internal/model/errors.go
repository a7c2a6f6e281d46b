package model

import (
	"errors"
	"strings"
)

// ErrorKind 是生成/播放失败的分类。
type ErrorKind string

const (
	// KindPrecondition 缺少 host/guest 资料等，在任何网络请求前发现。
	KindPrecondition ErrorKind = "precondition"
	// KindValidation 脚本接口返回了结构化的字段校验错误。
	KindValidation ErrorKind = "validation"
	// KindFormat 脚本响应缺少 dialogue 或形状不对。
	KindFormat ErrorKind = "format"
	// KindStream 合成流失败：坏行、失败的 audio、error 事件、传输错误。
	KindStream ErrorKind = "stream"
	// KindPlayback 音频资源缺失或无法读取。
	KindPlayback ErrorKind = "playback"
	// KindRequest 网络失败或没有结构化内容的非成功响应。
	KindRequest ErrorKind = "request"
)

// FieldError 是与某个请求字段绑定的提示。
type FieldError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// Error 是在边界处一次性解码出来的带标签错误，下游只看 Kind，不再判断 JSON 形状。
type Error struct {
	Kind    ErrorKind    `json:"kind"`
	Message string       `json:"message"`
	Fields  []FieldError `json:"fields,omitempty"`
	// Raw 保存原始响应，便于排查格式错误。
	Raw string `json:"-"`
	Err error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind) + " error"
}

func (e *Error) Unwrap() error { return e.Err }

// Precondition 构造一个单字段的前置条件错误。
func Precondition(field, msg string) *Error {
	return &Error{Kind: KindPrecondition, Message: msg, Fields: []FieldError{{Field: field, Message: msg}}}
}

// PreconditionFields 构造多字段的前置条件错误，消息按行拼接。
func PreconditionFields(fields []FieldError) *Error {
	return &Error{Kind: KindPrecondition, Message: joinFields(fields), Fields: fields}
}

// Validation 构造脚本接口的校验错误。
func Validation(fields []FieldError) *Error {
	return &Error{Kind: KindValidation, Message: joinFields(fields), Fields: fields}
}

// Format 构造格式错误，raw 为原始响应体。
func Format(msg, raw string) *Error {
	return &Error{Kind: KindFormat, Message: msg, Raw: raw}
}

// StreamFailure 构造合成流错误。
func StreamFailure(msg string, err error) *Error {
	return &Error{Kind: KindStream, Message: msg, Err: err}
}

// Playback 构造播放错误。
func Playback(msg string, err error) *Error {
	return &Error{Kind: KindPlayback, Message: msg, Err: err}
}

// RequestFailure 构造请求失败错误。
func RequestFailure(msg string, err error) *Error {
	return &Error{Kind: KindRequest, Message: msg, Err: err}
}

// AsError 把任意错误归一成 *Error；非 *Error 的按 fallback 分类包裹。
func AsError(err error, fallback ErrorKind) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: fallback, Message: err.Error(), Err: err}
}

// IsKind 判断 err 链上是否存在指定分类的 *Error。
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

func joinFields(fields []FieldError) string {
	msgs := make([]string, 0, len(fields))
	for _, f := range fields {
		msgs = append(msgs, f.Message)
	}
	return strings.Join(msgs, "\n")
}
