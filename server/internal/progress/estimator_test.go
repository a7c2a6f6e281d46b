package progress

import (
	"sync"
	"testing"
	"time"

	"podgen/server/internal/model"
)

// TestEstimatePDFHalfway 验证 pdf 类型（预计 180000ms）在 90000ms 时为 50%，
// 提示取不超过 50 的最高阈值（40）。
func TestEstimatePDFHalfway(t *testing.T) {
	e := NewEstimator(nil, nil)

	pct, msg := e.Estimate(model.KindPDF, 90000*time.Millisecond)
	if pct != 50 {
		t.Fatalf("expected 50, got %d", pct)
	}
	if msg != DefaultMessages[model.KindPDF][40] {
		t.Fatalf("expected threshold-40 message, got %q", msg)
	}
}

// TestEstimateIsMonotonicAndNeverReaches100 验证耗时不减时百分比不减，且脚本阶段永远到不了 100。
func TestEstimateIsMonotonicAndNeverReaches100(t *testing.T) {
	e := NewEstimator(nil, nil)

	for _, kind := range []model.GenerationKind{model.KindPrompt, model.KindPDF, model.KindArxiv} {
		prev := -1
		for elapsed := time.Duration(0); elapsed <= 2*e.Expected(kind); elapsed += 777 * time.Millisecond {
			pct, _ := e.Estimate(kind, elapsed)
			if pct < prev {
				t.Fatalf("kind %s: percentage decreased %d -> %d at %v", kind, prev, pct, elapsed)
			}
			if pct >= 100 {
				t.Fatalf("kind %s: percentage reached %d at %v", kind, pct, elapsed)
			}
			prev = pct
		}
		if prev != MaxScriptPercentage {
			t.Fatalf("kind %s: expected clamp at %d, got %d", kind, MaxScriptPercentage, prev)
		}
	}
}

// TestMessageUsesHighestThresholdBelow 验证阈值按降序匹配。
func TestMessageUsesHighestThresholdBelow(t *testing.T) {
	e := NewEstimator(nil, map[model.GenerationKind]map[int]string{
		model.KindPrompt: {0: "a", 20: "b", 95: "c"},
	})

	checks := map[int]string{0: "a", 19: "a", 20: "b", 94: "b", 95: "c", 99: "c"}
	for pct, want := range checks {
		if got := e.Message(model.KindPrompt, pct); got != want {
			t.Fatalf("pct %d: expected %q, got %q", pct, want, got)
		}
	}
}

// TestEstimateNegativeElapsed 验证时钟回拨时不会出现负百分比。
func TestEstimateNegativeElapsed(t *testing.T) {
	e := NewEstimator(nil, nil)
	if pct, _ := e.Estimate(model.KindArxiv, -time.Second); pct != 0 {
		t.Fatalf("expected 0, got %d", pct)
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// TestTickerStepPublishesOnlyOnIncrease 验证只有百分比严格上升时才发布。
func TestTickerStepPublishesOnlyOnIncrease(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	ticker := NewTicker(nil, time.Hour, clock.Now, nil)

	var published []int
	r := &run{kind: model.KindPDF, startAt: clock.Now(), publish: func(pct int, _ string) {
		published = append(published, pct)
	}}

	ticker.step(r) // 0%，不发布
	clock.Advance(1800 * time.Millisecond)
	ticker.step(r) // 1%
	ticker.step(r) // 仍是 1%，不发布
	clock.Advance(90 * time.Second)
	ticker.step(r) // 51%
	clock.Advance(time.Hour)
	ticker.step(r) // 99%
	ticker.step(r)

	want := []int{1, 51, 99}
	if len(published) != len(want) {
		t.Fatalf("expected %v, got %v", want, published)
	}
	for i := range want {
		if published[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, published)
		}
	}
}

// TestTickerStopPreventsFurtherPublishes 验证 Stop 返回后不再有任何发布，且可重复调用。
func TestTickerStopPreventsFurtherPublishes(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	ticker := NewTicker(nil, time.Millisecond, clock.Now, nil)

	var mu sync.Mutex
	count := 0
	got := make(chan struct{}, 1)
	ticker.Start(model.KindArxiv, func(int, string) {
		mu.Lock()
		count++
		mu.Unlock()
		select {
		case got <- struct{}{}:
		default:
		}
	})

	clock.Advance(10 * time.Second)
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a publish before stop")
	}

	ticker.Stop()
	if ticker.Running() {
		t.Fatalf("expected ticker stopped")
	}
	mu.Lock()
	after := count
	mu.Unlock()

	clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != after {
		t.Fatalf("expected no publish after Stop, got %d -> %d", after, count)
	}
	ticker.Stop()
}

// TestTickerStartReplacesPrevious 验证重新 Start 会先停掉旧任务。
func TestTickerStartReplacesPrevious(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	ticker := NewTicker(nil, time.Millisecond, clock.Now, nil)

	var mu sync.Mutex
	var kinds []string
	ticker.Start(model.KindPrompt, func(int, string) {
		mu.Lock()
		kinds = append(kinds, "old")
		mu.Unlock()
	})
	ticker.Start(model.KindPDF, func(int, string) {
		mu.Lock()
		kinds = append(kinds, "new")
		mu.Unlock()
	})
	clock.Advance(30 * time.Second)
	time.Sleep(20 * time.Millisecond)
	ticker.Stop()

	mu.Lock()
	defer mu.Unlock()
	for _, k := range kinds {
		if k == "old" {
			t.Fatalf("old task published after being replaced: %v", kinds)
		}
	}
	if len(kinds) == 0 {
		t.Fatalf("expected new task to publish")
	}
}
