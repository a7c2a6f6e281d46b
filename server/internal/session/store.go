package session

import (
	"context"
	"errors"

	"podgen/server/internal/model"
)

var ErrNotFound = errors.New("generation record not found")

// Store 保存每次生成的快照，供历史查询。
type Store interface {
	Get(ctx context.Context, generationID string) (*model.GenerationRecord, error)
	// Save 按 GenerationID 新建或覆盖。
	Save(ctx context.Context, rec *model.GenerationRecord) error
	// List 按创建时间倒序返回，limit <= 0 表示不限。
	List(ctx context.Context, limit int) ([]model.GenerationRecord, error)
}
