package session

import (
	"context"
	"sort"
	"sync"

	"podgen/server/internal/model"
)

// InMemoryStore 把生成记录放在内存里，进程退出即丢失。
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string]model.GenerationRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{data: make(map[string]model.GenerationRecord)}
}

func (s *InMemoryStore) Get(_ context.Context, generationID string) (*model.GenerationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.data[generationID]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

// Save 保存副本，调用方之后修改 rec 不影响已保存的数据。
func (s *InMemoryStore) Save(_ context.Context, rec *model.GenerationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[rec.GenerationID] = *rec
	return nil
}

func (s *InMemoryStore) List(_ context.Context, limit int) ([]model.GenerationRecord, error) {
	s.mu.RLock()
	out := make([]model.GenerationRecord, 0, len(s.data))
	for _, rec := range s.data {
		out = append(out, rec)
	}
	s.mu.RUnlock()

	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortNewestFirst(recs []model.GenerationRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].GenerationID > recs[j].GenerationID
		}
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
}
