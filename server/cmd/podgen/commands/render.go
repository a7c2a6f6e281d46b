package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"podgen/server/internal/model"
	"podgen/server/internal/orchestrator"
)

const barWidth = 24

// Styles 是终端输出用到的样式
type Styles struct {
	Title   lipgloss.Style
	Label   lipgloss.Style
	Bar     lipgloss.Style
	Speaker lipgloss.Style
	Dim     lipgloss.Style
	Error   lipgloss.Style
}

func NewStyles() Styles {
	primary := lipgloss.Color("#00ff9f")
	return Styles{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(primary),
		Label:   lipgloss.NewStyle().Bold(true).Foreground(primary).Width(8),
		Bar:     lipgloss.NewStyle().Foreground(primary),
		Speaker: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#58a6ff")),
		Dim:     lipgloss.NewStyle().Foreground(lipgloss.Color("#6e7681")),
		Error:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#ff5f56")),
	}
}

var stageLabels = map[model.Stage]string{
	model.StageIdle:      "待命",
	model.StageScript:    "腳本",
	model.StageAudio:     "語音",
	model.StageCompleted: "完成",
	model.StageErrored:   "錯誤",
}

// progressRenderer 把生成更新逐行写到终端。
// 只有阶段、提示变化或百分比跨过 10% 时才输出新的一行。
type progressRenderer struct {
	w      io.Writer
	styles Styles

	last    model.ProgressState
	printed bool
}

func newProgressRenderer(w io.Writer, styles Styles) *progressRenderer {
	return &progressRenderer{w: w, styles: styles}
}

func (r *progressRenderer) render(u orchestrator.Update) {
	if u.Segment != nil {
		fmt.Fprintln(r.w, r.segmentLine(*u.Segment))
	}
	p := u.Progress
	if p.Stage == model.StageIdle {
		return
	}
	if r.printed && p.Stage == r.last.Stage && p.Message == r.last.Message && p.Percentage/10 == r.last.Percentage/10 && !u.Final {
		return
	}
	r.last = p
	r.printed = true
	fmt.Fprintln(r.w, r.progressLine(p))
}

func (r *progressRenderer) progressLine(p model.ProgressState) string {
	pct := min(max(p.Percentage, 0), 100)
	filled := pct * barWidth / 100
	bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)

	label := r.styles.Label.Render(stageLabels[p.Stage])
	msg := r.styles.Dim.Render(p.Message)
	if p.Stage == model.StageErrored {
		msg = r.styles.Error.Render(p.Message)
	}
	return fmt.Sprintf("%s %s %3d%% %s", label, r.styles.Bar.Render(bar), pct, msg)
}

func (r *progressRenderer) segmentLine(seg model.AudioSegment) string {
	return fmt.Sprintf("  %s %s %s",
		r.styles.Dim.Render(fmt.Sprintf("#%02d", seg.Index+1)),
		r.styles.Speaker.Render(seg.Speaker+"："),
		seg.Content)
}
