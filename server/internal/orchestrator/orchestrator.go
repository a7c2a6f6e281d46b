package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"podgen/server/internal/model"
	"podgen/server/internal/progress"
	"podgen/server/internal/segment"
	"podgen/server/internal/session"
	"podgen/server/internal/stream"
	"podgen/server/internal/timeline"
)

// 各阶段的固定提示
const (
	MessageScriptStart = "正在生成對話腳本"
	MessageAudioStart  = "正在生成語音..."
	MessageCompleted   = "生成完成！"
	MessageCancelled   = "生成已取消"
)

// Backend 是脚本生成与语音合成服务。
type Backend interface {
	GenerateScript(ctx context.Context, req model.GenerationRequest) (*model.Script, error)
	OpenAudioStream(ctx context.Context, script model.Script, voices model.VoiceSettings) (*stream.Decoder, error)
	ResolveURL(ref string) (string, error)
}

// Characters 提供本地保存的主持人/来宾身份，只读。
type Characters interface {
	Characters(ctx context.Context) (model.CharacterSettings, error)
}

// Player 是生成流程需要的播放器操作。
type Player interface {
	Reset() error
	NotifyReady(index int)
}

// Deps 是 Orchestrator 的协作者。Backend 必填，其余为 nil 时使用内存实现或跳过。
type Deps struct {
	Backend    Backend
	Characters Characters
	Queue      *segment.Queue
	Player     Player
	Sessions   session.Store
	Timeline   timeline.Store

	Estimator      *progress.Estimator
	TickerInterval time.Duration

	// Verbose 为 true 时逐条记录流事件
	Verbose bool
	Logger  *log.Logger
}

// generation 是一次生成的私有状态，只有它自己的协程会修改 record。
type generation struct {
	id     string
	kind   model.GenerationKind
	cancel context.CancelFunc
	ticker *progress.Ticker
	record model.GenerationRecord
}

// Orchestrator 串起脚本生成、合成流消费、片段入队和进度发布。
//
// 约定：
// - 同一时刻只有一个“当前”生成；新的 Generate 会取消上一个的 context 并停掉它的进度定时器。
// - 被取代的生成不再修改生命周期、进度和队列。
// - 进度定时器的回调会拿 o.mu，所以 Ticker.Stop 一律在锁外调用。
type Orchestrator struct {
	backend    Backend
	characters Characters
	queue      *segment.Queue
	player     Player
	sessions   session.Store
	timeline   timeline.Store
	estimator  *progress.Estimator
	interval   time.Duration
	verbose    bool
	now        func() time.Time
	logger     *log.Logger

	mu        sync.Mutex
	current   *generation
	lifecycle model.Lifecycle
	progress  model.ProgressState
	script    *model.Script

	subs *broadcaster
}

// New 创建 Orchestrator。now 为 nil 时使用 time.Now。
func New(deps Deps, now func() time.Time) *Orchestrator {
	if now == nil {
		now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}
	o := &Orchestrator{
		backend:    deps.Backend,
		characters: deps.Characters,
		queue:      deps.Queue,
		player:     deps.Player,
		sessions:   deps.Sessions,
		timeline:   deps.Timeline,
		estimator:  deps.Estimator,
		interval:   deps.TickerInterval,
		verbose:    deps.Verbose,
		now:        now,
		logger:     logger,
		lifecycle:  model.Lifecycle{Status: model.StatusIdle},
		progress:   model.ProgressState{Stage: model.StageIdle},
		subs:       newBroadcaster(),
	}
	if o.queue == nil {
		o.queue = segment.NewQueue(logger)
	}
	if o.sessions == nil {
		o.sessions = session.NewInMemoryStore()
	}
	if o.timeline == nil {
		o.timeline = timeline.NewInMemoryStore()
	}
	if o.estimator == nil {
		o.estimator = progress.NewEstimator(nil, nil)
	}
	return o
}

// Queue 返回片段队列。
func (o *Orchestrator) Queue() *segment.Queue { return o.queue }

// Generate 执行一次完整生成，阻塞到完成、失败或被取代。
// 返回的错误同时写入生命周期；被新生成取代时返回取消错误但不改生命周期。
func (o *Orchestrator) Generate(ctx context.Context, req model.GenerationRequest) error {
	gen, ctx, req, err := o.prepare(ctx, req)
	if err != nil {
		return err
	}
	return o.run(ctx, gen, req)
}

// Start 同步完成前置条件检查后在后台执行生成，返回生成 ID。
// 生成不受 ctx 取消的影响，只能被 Cancel 或新的生成终止。
func (o *Orchestrator) Start(ctx context.Context, req model.GenerationRequest) (string, error) {
	gen, runCtx, req, err := o.prepare(context.WithoutCancel(ctx), req)
	if err != nil {
		return "", err
	}
	go func() {
		_ = o.run(runCtx, gen, req)
	}()
	return gen.id, nil
}

// prepare 补齐身份并检查前置条件，通过后才登记为当前生成。
// 被拒绝的请求不会打断正在进行的生成。
func (o *Orchestrator) prepare(ctx context.Context, req model.GenerationRequest) (*generation, context.Context, model.GenerationRequest, error) {
	req = o.withIdentity(ctx, req)
	if err := req.Validate(); err != nil {
		return nil, nil, req, o.reject(req, err)
	}
	gen, ctx := o.begin(ctx, req)
	return gen, ctx, req, nil
}

// reject 记录一次未通过前置条件的请求。
// 没有进行中的生成时写入生命周期，否则只留下历史记录。
func (o *Orchestrator) reject(req model.GenerationRequest, err error) error {
	merr := model.AsError(err, model.KindPrecondition)
	now := o.now()
	rec := model.GenerationRecord{
		GenerationID: uuid.NewString(),
		Kind:         req.Kind,
		Status:       model.StatusError,
		Err:          merr,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	o.mu.Lock()
	busy := o.lifecycle.Status.Generating()
	if !busy {
		o.lifecycle = model.Lifecycle{
			GenerationID: rec.GenerationID,
			Kind:         req.Kind,
			Status:       model.StatusError,
			Err:          merr,
			StartedAt:    now,
			FinishedAt:   now,
		}
		o.progress = model.ProgressState{Stage: model.StageErrored, Message: merr.Message}
		o.broadcastLocked(true, nil)
	}
	o.mu.Unlock()

	if err := o.sessions.Save(context.Background(), &rec); err != nil {
		o.logger.Printf("[Orchestrator] ⚠️  save record failed: %v", err)
	}
	if busy {
		o.logger.Printf("[Orchestrator] ⚠️  request rejected while another generation is running: %v", merr)
	} else {
		o.logger.Printf("[Orchestrator] ❌ request rejected: kind=%s: %v", req.Kind, merr)
	}
	return merr
}

// run 执行脚本生成与合成流消费。
func (o *Orchestrator) run(ctx context.Context, gen *generation, req model.GenerationRequest) error {
	defer gen.cancel()
	defer gen.ticker.Stop()

	// 2. 脚本生成，期间由定时器估算进度
	gen.ticker.Start(req.Kind, func(pct int, msg string) {
		o.publishEstimate(gen, pct, msg)
	})
	script, err := o.backend.GenerateScript(ctx, req)
	gen.ticker.Stop()
	if err != nil {
		return o.fail(gen, o.classify(ctx, err, model.KindRequest))
	}

	// 3. 清空队列、播放器回到 0
	synth := finalizeScript(*script, req)
	voices := model.ResolveVoiceSettings(model.CharacterSettings{Host: req.Host, Guest: req.Guest})
	if !o.enterAudio(gen, synth, voices) {
		return o.fail(gen, o.classify(ctx, context.Canceled, model.KindRequest))
	}
	if o.player != nil {
		if err := o.player.Reset(); err != nil {
			o.logger.Printf("[Orchestrator] ⚠️  reset player failed: %v", err)
		}
	}

	// 4. 打开合成流
	dec, err := o.backend.OpenAudioStream(ctx, synth, voices)
	if err != nil {
		return o.fail(gen, o.classify(ctx, err, model.KindStream))
	}
	defer dec.Close()

	// 5. 按到达顺序消费事件
	for evt, err := range dec.All() {
		if err != nil {
			if ctx.Err() == nil {
				err = model.StreamFailure("語音串流中斷", err)
			}
			return o.fail(gen, o.classify(ctx, err, model.KindStream))
		}
		if err := o.apply(ctx, gen, evt); err != nil {
			return o.fail(gen, err)
		}
	}
	if ctx.Err() != nil {
		return o.fail(gen, o.classify(ctx, ctx.Err(), model.KindStream))
	}

	// 6. 流正常结束
	o.logger.Printf("[Orchestrator] stream of %s drained: %d records", gen.id, dec.Lines())
	return o.complete(gen)
}

// Cancel 取消当前生成；没有进行中的生成时返回 false。
func (o *Orchestrator) Cancel() bool {
	o.mu.Lock()
	gen := o.current
	active := gen != nil && o.lifecycle.Status.Generating()
	o.mu.Unlock()
	if !active {
		return false
	}
	o.logger.Printf("[Orchestrator] cancel requested: generation=%s", gen.id)
	gen.cancel()
	return true
}

// Lifecycle 返回生命周期快照。
func (o *Orchestrator) Lifecycle() model.Lifecycle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lifecycle
}

// Progress 返回进度快照。
func (o *Orchestrator) Progress() model.ProgressState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.progress
}

// Script 返回当前生成的脚本，脚本阶段尚未完成时为 nil。
func (o *Orchestrator) Script() *model.Script {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.script
}

// Subscribe 订阅状态变化，首条消息是当前快照。返回的函数用于退订。
func (o *Orchestrator) Subscribe() (<-chan Update, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.subs.subscribe(o.snapshotLocked(false))
}

// withIdentity 用本地角色设置补齐请求里完全缺失的主持人/来宾。
// 请求里已经填写过的角色原样保留，由 Validate 检查是否完整。
func (o *Orchestrator) withIdentity(ctx context.Context, req model.GenerationRequest) model.GenerationRequest {
	if o.characters == nil {
		return req
	}
	cs, err := o.characters.Characters(ctx)
	if err != nil {
		o.logger.Printf("[Orchestrator] ⚠️  load character settings failed: %v", err)
	}
	if req.Host == (model.Character{}) {
		req.Host = cs.Host
	} else if req.Host.Voice == "" {
		req.Host.Voice = cs.Host.Voice
	}
	if req.Guest == (model.Character{}) {
		req.Guest = cs.Guest
	} else if req.Guest.Voice == "" {
		req.Guest.Voice = cs.Guest.Voice
	}
	return req
}

// begin 让新生成成为当前生成，并停掉上一个。
func (o *Orchestrator) begin(parent context.Context, req model.GenerationRequest) (*generation, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	now := o.now()
	gen := &generation{
		id:     uuid.NewString(),
		kind:   req.Kind,
		cancel: cancel,
		ticker: progress.NewTicker(o.estimator, o.interval, o.now, o.logger),
		record: model.GenerationRecord{
			Kind:      req.Kind,
			Status:    model.StatusGeneratingScript,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
	gen.record.GenerationID = gen.id

	o.mu.Lock()
	prev := o.current
	o.current = gen
	o.lifecycle = model.Lifecycle{
		GenerationID: gen.id,
		Kind:         req.Kind,
		Status:       model.StatusGeneratingScript,
		StartedAt:    now,
	}
	o.progress = model.ProgressState{Stage: model.StageScript, Message: MessageScriptStart}
	o.script = nil
	o.broadcastLocked(false, nil)
	o.mu.Unlock()

	if prev != nil {
		prev.cancel()
		prev.ticker.Stop()
		o.logger.Printf("[Orchestrator] generation %s superseded by %s", prev.id, gen.id)
	}
	o.logger.Printf("[Orchestrator] ▶️  generation started: id=%s kind=%s", gen.id, req.Kind)
	o.saveRecord(gen)
	return gen, ctx
}

// publishEstimate 是脚本阶段定时器的回调。
func (o *Orchestrator) publishEstimate(gen *generation, pct int, msg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current != gen || o.progress.Stage != model.StageScript || pct <= o.progress.Percentage {
		return
	}
	o.progress.Percentage = pct
	o.progress.Message = msg
	o.broadcastLocked(false, nil)
}

// enterAudio 切到音频阶段并清空队列；已被取代时返回 false。
func (o *Orchestrator) enterAudio(gen *generation, script model.Script, voices model.VoiceSettings) bool {
	o.mu.Lock()
	if o.current != gen || !CanTransition(o.lifecycle.Status, model.StatusGeneratingAudio) {
		o.mu.Unlock()
		return false
	}
	// 队列清理放在锁内，避免与后一次生成的写入交错
	o.queue.Clear()
	o.lifecycle.Status = model.StatusGeneratingAudio
	o.progress = model.ProgressState{Stage: model.StageAudio, Message: MessageAudioStart}
	o.script = &script
	o.broadcastLocked(false, nil)
	o.mu.Unlock()

	gen.record.Status = model.StatusGeneratingAudio
	gen.record.Script = &script
	gen.record.Voices = voices
	gen.record.UpdatedAt = o.now()
	o.saveRecord(gen)
	o.logger.Printf("[Orchestrator] ✅ script ready: id=%s lines=%d", gen.id, len(script.Dialogue))
	return true
}

// apply 处理一条流事件；返回非 nil 表示本次生成失败。
func (o *Orchestrator) apply(ctx context.Context, gen *generation, evt model.StreamEvent) error {
	o.appendTimeline(ctx, gen, evt)
	if o.verbose {
		o.logger.Printf("[Orchestrator] %s event=%s index=%d total=%d status=%s", gen.id, evt.Type, evt.Index, evt.Total, evt.Status)
	}

	switch evt.Type {
	case model.EventProgress:
		o.mu.Lock()
		if o.current == gen {
			if evt.Total > 0 {
				o.queue.SetTotal(evt.Total)
			}
			next := ReduceProgress(o.progress, evt)
			if next != o.progress {
				o.progress = next
				o.broadcastLocked(false, nil)
			}
		}
		o.mu.Unlock()
		gen.record = ReduceRecord(gen.record, evt, false, o.now())
		return nil

	case model.EventAudio:
		if !evt.Succeeded() {
			msg := evt.Message
			if msg == "" {
				msg = fmt.Sprintf("第 %d 段語音生成失敗", evt.Index+1)
			}
			return model.StreamFailure(msg, nil)
		}
		url, err := o.backend.ResolveURL(evt.AudioFile)
		if err != nil {
			return model.StreamFailure(fmt.Sprintf("第 %d 段語音位址無效", evt.Index+1), err)
		}
		seg := model.AudioSegment{Index: evt.Index, Speaker: evt.Speaker, Content: evt.Content, URL: url}

		o.mu.Lock()
		inserted := false
		if o.current == gen {
			if evt.Total > 0 {
				o.queue.SetTotal(evt.Total)
			}
			inserted = o.queue.Insert(evt.Index, seg)
			if inserted {
				o.broadcastLocked(false, &seg)
			}
		}
		o.mu.Unlock()

		gen.record = ReduceRecord(gen.record, evt, inserted, o.now())
		if inserted {
			o.saveRecord(gen)
			if o.player != nil {
				o.player.NotifyReady(evt.Index)
			}
		}
		return nil

	case model.EventError:
		msg := evt.Message
		if msg == "" {
			msg = "語音生成失敗"
		}
		return model.StreamFailure(msg, nil)
	}
	return nil
}

// complete 进入 completed 阶段。
func (o *Orchestrator) complete(gen *generation) error {
	gen.ticker.Stop()

	o.mu.Lock()
	if o.current != gen || !CanTransition(o.lifecycle.Status, model.StatusCompleted) {
		o.mu.Unlock()
		return nil
	}
	now := o.now()
	o.lifecycle.Status = model.StatusCompleted
	o.lifecycle.FinishedAt = now
	o.progress = model.ProgressState{Stage: model.StageCompleted, Percentage: 100, Message: MessageCompleted}
	o.broadcastLocked(true, nil)
	o.mu.Unlock()

	gen.record.Status = model.StatusCompleted
	gen.record.UpdatedAt = now
	o.saveRecord(gen)
	o.logger.Printf("[Orchestrator] ✅ generation completed: id=%s segments=%d/%d",
		gen.id, gen.record.Received, gen.record.Total)
	return nil
}

// fail 把错误写入生命周期并返回它。已被取代的生成只记录日志。
func (o *Orchestrator) fail(gen *generation, err error) error {
	gen.ticker.Stop()
	merr := model.AsError(err, model.KindRequest)

	o.mu.Lock()
	if o.current != gen {
		o.mu.Unlock()
		o.logger.Printf("[Orchestrator] generation %s ended after being superseded: %v", gen.id, err)
		return err
	}
	now := o.now()
	o.lifecycle.Status = model.StatusError
	o.lifecycle.Err = merr
	o.lifecycle.FinishedAt = now
	o.progress = model.ProgressState{
		Stage:      model.StageErrored,
		Percentage: o.progress.Percentage,
		Message:    merr.Message,
	}
	o.broadcastLocked(true, nil)
	o.mu.Unlock()

	gen.record.Status = model.StatusError
	gen.record.Err = merr
	gen.record.UpdatedAt = now
	o.saveRecord(gen)
	o.logger.Printf("[Orchestrator] ❌ generation failed: id=%s kind=%s: %v", gen.id, merr.Kind, merr)
	return merr
}

// classify 把取消与普通错误区分开；取消优先。
func (o *Orchestrator) classify(ctx context.Context, err error, fallback model.ErrorKind) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return model.RequestFailure(MessageCancelled, context.Canceled)
	}
	return model.AsError(err, fallback)
}

func (o *Orchestrator) appendTimeline(ctx context.Context, gen *generation, evt model.StreamEvent) {
	_, err := o.timeline.Append(ctx, gen.id, model.TimelineEvent{
		GenerationID: gen.id,
		EventID:      timeline.EventID(gen.id, evt),
		ReceivedAt:   o.now(),
		Event:        evt,
	})
	if err != nil {
		o.logger.Printf("[Orchestrator] ⚠️  append timeline failed: %v", err)
	}
}

func (o *Orchestrator) saveRecord(gen *generation) {
	rec := gen.record
	// 记录在生成失败后也要落盘，不使用已取消的 context
	if err := o.sessions.Save(context.Background(), &rec); err != nil {
		o.logger.Printf("[Orchestrator] ⚠️  save record failed: %v", err)
	}
}

func (o *Orchestrator) snapshotLocked(final bool) Update {
	return Update{Lifecycle: o.lifecycle, Progress: o.progress, Final: final}
}

func (o *Orchestrator) broadcastLocked(final bool, seg *model.AudioSegment) {
	u := o.snapshotLocked(final)
	u.Segment = seg
	o.subs.publish(u)
}

// finalizeScript 用请求里的身份覆盖脚本里的 host/guest 字段。
func finalizeScript(s model.Script, req model.GenerationRequest) model.Script {
	s.HostName = req.Host.Name
	s.HostBackground = req.Host.Background
	s.GuestName = req.Guest.Name
	s.GuestBackground = req.Guest.Background
	return s
}
