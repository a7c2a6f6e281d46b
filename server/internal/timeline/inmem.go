package timeline

import (
	"context"
	"sync"

	"podgen/server/internal/model"
)

type generationLog struct {
	events []model.TimelineEvent
	byID   map[string]int64
}

// InMemoryStore 是内存版 timeline。
type InMemoryStore struct {
	mu   sync.RWMutex
	logs map[string]*generationLog
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{logs: make(map[string]*generationLog)}
}

func (s *InMemoryStore) Append(_ context.Context, generationID string, evt model.TimelineEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	gl, ok := s.logs[generationID]
	if !ok {
		gl = &generationLog{byID: make(map[string]int64)}
		s.logs[generationID] = gl
	}

	if evt.EventID != "" {
		if seq, seen := gl.byID[evt.EventID]; seen {
			return seq, nil
		}
	}

	evt.Seq = int64(len(gl.events)) + 1
	evt.GenerationID = generationID
	gl.events = append(gl.events, evt)
	if evt.EventID != "" {
		gl.byID[evt.EventID] = evt.Seq
	}
	return evt.Seq, nil
}

// List 返回副本。
func (s *InMemoryStore) List(_ context.Context, generationID string) ([]model.TimelineEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	gl, ok := s.logs[generationID]
	if !ok {
		return []model.TimelineEvent{}, nil
	}
	return append([]model.TimelineEvent(nil), gl.events...), nil
}
