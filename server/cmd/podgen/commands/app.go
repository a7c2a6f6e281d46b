package commands

import (
	"log"
	"maps"

	"podgen/server/internal/backend"
	"podgen/server/internal/config"
	"podgen/server/internal/kv"
	"podgen/server/internal/model"
	"podgen/server/internal/orchestrator"
	"podgen/server/internal/playback"
	"podgen/server/internal/progress"
	"podgen/server/internal/segment"
	"podgen/server/internal/session"
	"podgen/server/internal/settings"
	"podgen/server/internal/timeline"
)

// app 持有各子命令共用的存储
type app struct {
	cfg      *config.Config
	logger   *log.Logger
	store    kv.Store
	settings *settings.Store
	sessions session.Store
	timeline timeline.Store
}

// openApp 打开本地存储：settings.dir 非空时落盘到 badger，否则只在内存里
func openApp(cfg *config.Config, logger *log.Logger) (*app, error) {
	var store kv.Store
	if cfg.Settings.Dir != "" {
		db, err := kv.OpenBadger(kv.BadgerOptions{Dir: cfg.Settings.Dir, Logger: logger})
		if err != nil {
			return nil, err
		}
		store = db
	} else {
		store = kv.NewMemory()
	}

	defaults := model.CharacterSettings{
		Host:  model.Character{Voice: cfg.Voices.Host},
		Guest: model.Character{Voice: cfg.Voices.Guest},
	}
	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		settings: settings.NewStore(store, defaults, logger),
		sessions: session.NewKVStore(store),
		timeline: timeline.NewKVStore(store),
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func (a *app) newBackend() (*backend.Client, error) {
	return backend.NewClient(a.cfg.Backend, a.logger)
}

// estimator 用配置里的耗时覆盖默认值
func (a *app) estimator() *progress.Estimator {
	durations := maps.Clone(progress.DefaultDurations)
	for kind, d := range a.cfg.Progress.Durations {
		durations[model.GenerationKind(kind)] = d
	}
	return progress.NewEstimator(durations, nil)
}

func (a *app) newOrchestrator(b orchestrator.Backend, queue *segment.Queue, player orchestrator.Player) *orchestrator.Orchestrator {
	deps := orchestrator.Deps{
		Backend:        b,
		Characters:     a.settings,
		Queue:          queue,
		Player:         player,
		Sessions:       a.sessions,
		Timeline:       a.timeline,
		Estimator:      a.estimator(),
		TickerInterval: a.cfg.Progress.Interval,
		Verbose:        isDebug(a.cfg),
		Logger:         a.logger,
	}
	return orchestrator.New(deps, nil)
}

// localDevice 用外部播放器在本机出声，片段先下载到缓存，出队时删除
func (a *app) localDevice(queue *segment.Queue) (*playback.ExecDevice, func(), error) {
	cache, err := playback.NewCache(a.cfg.Playback.CacheDir, nil, a.logger)
	if err != nil {
		return nil, nil, err
	}
	queue.AddReleaser(cache)
	cleanup := func() {
		if err := cache.Close(); err != nil {
			a.logger.Printf("[podgen] ⚠️  close audio cache: %v", err)
		}
	}
	return playback.NewExecDevice(a.cfg.Playback.Player, cache, a.logger), cleanup, nil
}
