package timeline

import (
	"context"
	"fmt"

	"podgen/server/internal/model"
)

// Store 按到达顺序记录每次生成解码出来的流事件。
type Store interface {
	// Append 写入一条事件并返回它在该次生成里的 seq。
	// 同一次生成的 seq 单调递增；EventID 相同的重复写入不新增记录，返回首次分配的 seq。
	Append(ctx context.Context, generationID string, evt model.TimelineEvent) (int64, error)
	// List 按 seq 顺序返回该次生成的全部事件。
	List(ctx context.Context, generationID string) ([]model.TimelineEvent, error)
}

// EventID 生成流事件的去重键：<generation>:<type>:<index>。
func EventID(generationID string, evt model.StreamEvent) string {
	return fmt.Sprintf("%s:%s:%d", generationID, evt.Type, evt.Index)
}
