package timeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"podgen/server/internal/kv"
	"podgen/server/internal/model"
)

// KVStore 把事件以 JSON 存进 kv.Store，和生成记录一样重启后仍可查询。
// seq 以定长十进制作为键的最后一段，List 按键序即按 seq 序返回。
type KVStore struct {
	kv kv.Store

	mu   sync.Mutex
	next map[string]int64 // generation -> 已分配的最大 seq
}

func NewKVStore(store kv.Store) *KVStore {
	return &KVStore{kv: store, next: make(map[string]int64)}
}

func eventPrefix(generationID string) kv.Key { return kv.Key{"timeline", generationID} }

func eventKey(generationID string, seq int64) kv.Key {
	return kv.Key{"timeline", generationID, fmt.Sprintf("%020d", seq)}
}

// idKey 里的 EventID 含 ':'，替换后作为单独一段
func idKey(generationID, eventID string) kv.Key {
	return kv.Key{"timeline_ids", generationID, strings.ReplaceAll(eventID, ":", "|")}
}

func (s *KVStore) Append(ctx context.Context, generationID string, evt model.TimelineEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if evt.EventID != "" {
		data, err := s.kv.Get(ctx, idKey(generationID, evt.EventID))
		if err == nil {
			seq, perr := strconv.ParseInt(string(data), 10, 64)
			if perr != nil {
				return 0, fmt.Errorf("decode seq of %s: %w", evt.EventID, perr)
			}
			return seq, nil
		}
		if !errors.Is(err, kv.ErrNotFound) {
			return 0, fmt.Errorf("lookup %s: %w", evt.EventID, err)
		}
	}

	last, err := s.lastSeq(ctx, generationID)
	if err != nil {
		return 0, err
	}
	evt.Seq = last + 1
	evt.GenerationID = generationID

	data, err := json.Marshal(evt)
	if err != nil {
		return 0, fmt.Errorf("encode event: %w", err)
	}
	if err := s.kv.Set(ctx, eventKey(generationID, evt.Seq), data); err != nil {
		return 0, fmt.Errorf("save event %s/%d: %w", generationID, evt.Seq, err)
	}
	if evt.EventID != "" {
		if err := s.kv.Set(ctx, idKey(generationID, evt.EventID), []byte(strconv.FormatInt(evt.Seq, 10))); err != nil {
			return 0, fmt.Errorf("save event id %s: %w", evt.EventID, err)
		}
	}
	s.next[generationID] = evt.Seq
	return evt.Seq, nil
}

// lastSeq 首次访问某次生成时从存储里数出已有事件数
func (s *KVStore) lastSeq(ctx context.Context, generationID string) (int64, error) {
	if seq, ok := s.next[generationID]; ok {
		return seq, nil
	}
	var n int64
	for _, err := range s.kv.List(ctx, eventPrefix(generationID)) {
		if err != nil {
			return 0, fmt.Errorf("scan timeline %s: %w", generationID, err)
		}
		n++
	}
	s.next[generationID] = n
	return n, nil
}

func (s *KVStore) List(ctx context.Context, generationID string) ([]model.TimelineEvent, error) {
	out := []model.TimelineEvent{}
	for entry, err := range s.kv.List(ctx, eventPrefix(generationID)) {
		if err != nil {
			return nil, fmt.Errorf("list timeline %s: %w", generationID, err)
		}
		var evt model.TimelineEvent
		if err := json.Unmarshal(entry.Value, &evt); err != nil {
			return nil, fmt.Errorf("decode %s: %w", entry.Key, err)
		}
		out = append(out, evt)
	}
	return out, nil
}
