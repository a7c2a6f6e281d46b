// Package kv 是本地状态（角色设置、生成记录）使用的键值存储。
// 键是分段路径，例如 Key{"settings", "podgen_character_settings"}，
// 存储时用 ':' 拼接。
package kv

import (
	"context"
	"errors"
	"iter"
	"strings"
)

var ErrNotFound = errors.New("kv: not found")

// Key 是分段路径，段内不能包含 ':'。
type Key []string

const separator = ':'

func (k Key) String() string { return strings.Join(k, string(separator)) }

func (k Key) bytes() []byte { return []byte(k.String()) }

// prefixBytes 在末尾补上分隔符，避免 "a:b" 匹配到 "a:bc"；空前缀匹配全部。
func (k Key) prefixBytes() []byte {
	if len(k) == 0 {
		return nil
	}
	return append(k.bytes(), separator)
}

func parseKey(b []byte) Key {
	return Key(strings.Split(string(b), string(separator)))
}

// Entry 是 List 返回的一条记录。
type Entry struct {
	Key   Key
	Value []byte
}

// Store 是键值存储接口。
type Store interface {
	// Get 找不到时返回 ErrNotFound。
	Get(ctx context.Context, key Key) ([]byte, error)
	Set(ctx context.Context, key Key, value []byte) error
	// Delete 键不存在时不报错。
	Delete(ctx context.Context, key Key) error
	// List 按编码后的字典序遍历 prefix 下的所有记录。
	List(ctx context.Context, prefix Key) iter.Seq2[Entry, error]
	Close() error
}
