package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"podgen/server/internal/kv"
	"podgen/server/internal/model"
)

// KVStore 把生成记录以 JSON 形式存进 kv.Store，重启后历史仍在。
type KVStore struct {
	kv kv.Store
}

func NewKVStore(store kv.Store) *KVStore {
	return &KVStore{kv: store}
}

func recordKey(id string) kv.Key { return kv.Key{"generations", id} }

func (s *KVStore) Get(ctx context.Context, generationID string) (*model.GenerationRecord, error) {
	data, err := s.kv.Get(ctx, recordKey(generationID))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load generation %s: %w", generationID, err)
	}
	var rec model.GenerationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode generation %s: %w", generationID, err)
	}
	return &rec, nil
}

func (s *KVStore) Save(ctx context.Context, rec *model.GenerationRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode generation %s: %w", rec.GenerationID, err)
	}
	if err := s.kv.Set(ctx, recordKey(rec.GenerationID), data); err != nil {
		return fmt.Errorf("save generation %s: %w", rec.GenerationID, err)
	}
	return nil
}

func (s *KVStore) List(ctx context.Context, limit int) ([]model.GenerationRecord, error) {
	var out []model.GenerationRecord
	for entry, err := range s.kv.List(ctx, kv.Key{"generations"}) {
		if err != nil {
			return nil, fmt.Errorf("list generations: %w", err)
		}
		var rec model.GenerationRecord
		if err := json.Unmarshal(entry.Value, &rec); err != nil {
			return nil, fmt.Errorf("decode %s: %w", entry.Key, err)
		}
		out = append(out, rec)
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
