package progress

import (
	"sort"
	"time"

	"podgen/server/internal/model"
)

// MaxScriptPercentage 是脚本阶段外推能到达的上限，100 只留给真实完成信号。
const MaxScriptPercentage = 99

// DefaultDurations 是各类型脚本生成的预计耗时。
var DefaultDurations = map[model.GenerationKind]time.Duration{
	model.KindPrompt: 240 * time.Second,
	model.KindPDF:    180 * time.Second,
	model.KindArxiv:  180 * time.Second,
}

// DefaultMessages 是各类型的阶段提示：百分比阈值 -> 文案。
var DefaultMessages = map[model.GenerationKind]map[int]string{
	model.KindPrompt: {
		0:  "準備開始...",
		20: "分析主題與關鍵字...",
		40: "分析知識庫中的文件...",
		60: "規劃對話架構...",
		80: "生成對話內容...",
		95: "最終調整中...",
	},
	model.KindPDF: {
		0:  "準備開始...",
		20: "解析 PDF 文件...",
		40: "提取關鍵內容...",
		60: "生成主持人提問...",
		80: "生成專業解說...",
		95: "最終調整中...",
	},
	model.KindArxiv: {
		0:  "準備開始...",
		20: "獲取論文內容...",
		40: "分析研究方法...",
		60: "生成通俗解說...",
		80: "優化對話流暢度...",
		95: "最終調整中...",
	},
}

type milestone struct {
	threshold int
	message   string
}

// Estimator 在没有真实进度信号的脚本阶段，按耗时外推一个单调的百分比。
// 无状态，可并发使用。
type Estimator struct {
	durations  map[model.GenerationKind]time.Duration
	milestones map[model.GenerationKind][]milestone
}

// NewEstimator 创建估算器；durations/messages 为 nil 时使用默认表。
func NewEstimator(durations map[model.GenerationKind]time.Duration, messages map[model.GenerationKind]map[int]string) *Estimator {
	if durations == nil {
		durations = DefaultDurations
	}
	if messages == nil {
		messages = DefaultMessages
	}

	e := &Estimator{
		durations:  make(map[model.GenerationKind]time.Duration, len(durations)),
		milestones: make(map[model.GenerationKind][]milestone, len(messages)),
	}
	for k, d := range durations {
		e.durations[k] = d
	}
	for k, table := range messages {
		ms := make([]milestone, 0, len(table))
		for threshold, msg := range table {
			ms = append(ms, milestone{threshold: threshold, message: msg})
		}
		// 降序：第一个 <= 百分比的阈值就是当前阶段
		sort.Slice(ms, func(i, j int) bool { return ms[i].threshold > ms[j].threshold })
		e.milestones[k] = ms
	}
	return e
}

// Expected 返回 kind 的预计耗时。
func (e *Estimator) Expected(kind model.GenerationKind) time.Duration {
	return e.durations[kind]
}

// Estimate 返回脚本阶段已耗时 elapsed 时的 (百分比, 提示)。
// 百分比 = floor(elapsed/expected*100)，并截断在 [0, 99]。
func (e *Estimator) Estimate(kind model.GenerationKind, elapsed time.Duration) (int, string) {
	pct := 0
	if expected := e.durations[kind]; expected > 0 && elapsed > 0 {
		// 整数运算即为向下取整
		pct = int(int64(elapsed) * 100 / int64(expected))
	}
	if pct > MaxScriptPercentage {
		pct = MaxScriptPercentage
	}
	return pct, e.Message(kind, pct)
}

// Message 选出不超过 percentage 的最高阈值对应的提示。
func (e *Estimator) Message(kind model.GenerationKind, percentage int) string {
	ms := e.milestones[kind]
	for _, m := range ms {
		if percentage >= m.threshold {
			return m.message
		}
	}
	if len(ms) > 0 {
		return ms[len(ms)-1].message
	}
	return ""
}
