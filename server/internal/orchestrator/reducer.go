package orchestrator

import (
	"fmt"
	"time"

	"podgen/server/internal/model"
)

// CanTransition 判断生命周期迁移是否合法：
// idle → generating-script → generating-audio → completed，error 可从任意非 error 状态进入，
// 新的生成总是从 generating-script 重新开始。
func CanTransition(from, to model.Status) bool {
	switch to {
	case model.StatusGeneratingScript:
		return true
	case model.StatusGeneratingAudio:
		return from == model.StatusGeneratingScript
	case model.StatusCompleted:
		return from == model.StatusGeneratingAudio
	case model.StatusError:
		return from != model.StatusError
	}
	return false
}

// AudioMessage 是音频阶段的进度提示。
func AudioMessage(index, total int) string {
	return fmt.Sprintf("正在生成第 %d/%d 段語音", index+1, total)
}

// ReduceProgress 把一条流事件折叠进进度，只做事实归约，不触发外部调用。
// 只有 audio 阶段的 progress 事件会改变进度；百分比在阶段内不递减。
func ReduceProgress(cur model.ProgressState, evt model.StreamEvent) model.ProgressState {
	if cur.Stage != model.StageAudio || evt.Type != model.EventProgress || evt.Total <= 0 {
		return cur
	}
	pct := evt.Index * 100 / evt.Total
	pct = min(max(pct, 0), 100)
	if pct > cur.Percentage {
		cur.Percentage = pct
	}
	cur.Message = AudioMessage(evt.Index, evt.Total)
	return cur
}

// ReduceRecord 更新生成记录里的片段计数。inserted 表示该 audio 事件确实写入了队列。
func ReduceRecord(rec model.GenerationRecord, evt model.StreamEvent, inserted bool, now time.Time) model.GenerationRecord {
	switch evt.Type {
	case model.EventProgress, model.EventAudio:
		if evt.Total > rec.Total {
			rec.Total = evt.Total
		}
	}
	if inserted {
		rec.Received++
	}
	rec.UpdatedAt = now
	return rec
}
