package kv

import (
	"bytes"
	"context"
	"iter"
	"slices"
	"sync"
)

// Memory 是内存版 Store，未配置数据目录或测试时使用。
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, key Key) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key.String()]
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(v), nil
}

func (m *Memory) Set(_ context.Context, key Key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key.String()] = bytes.Clone(value)
	return nil
}

func (m *Memory) Delete(_ context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key.String())
	return nil
}

func (m *Memory) List(_ context.Context, prefix Key) iter.Seq2[Entry, error] {
	p := prefix.prefixBytes()

	// 在读锁下取快照，遍历期间允许写入
	m.mu.RLock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if bytes.HasPrefix([]byte(k), p) {
			keys = append(keys, k)
		}
	}
	snapshot := make(map[string][]byte, len(keys))
	for _, k := range keys {
		snapshot[k] = bytes.Clone(m.data[k])
	}
	m.mu.RUnlock()

	slices.Sort(keys)
	return func(yield func(Entry, error) bool) {
		for _, k := range keys {
			if !yield(Entry{Key: parseKey([]byte(k)), Value: snapshot[k]}, nil) {
				return
			}
		}
	}
}

func (m *Memory) Close() error { return nil }
