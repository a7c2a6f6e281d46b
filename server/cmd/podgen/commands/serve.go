package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"podgen/server/internal/api"
	"podgen/server/internal/config"
	"podgen/server/internal/gateway"
	"podgen/server/internal/orchestrator"
	"podgen/server/internal/playback"
	"podgen/server/internal/segment"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local HTTP + WebSocket control API",
	Long: `啟動本機控制介面。

playback.mode=remote（預設）時由連上 /api/events 的瀏覽器負責出聲；
playback.mode=local 時用外部播放器（預設 ffplay）在本機播放。`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())

	a, err := openApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	client, err := a.newBackend()
	if err != nil {
		return err
	}

	hub := gateway.NewHub(gateway.Config{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		ReadTimeout:    cfg.Server.ReadTimeout,
		PingInterval:   cfg.Server.PingInterval,
	}, logger)
	defer hub.Close()

	queue := segment.NewQueue(logger)
	var device playback.Device = hub.Device()
	if cfg.Playback.Mode == config.PlaybackLocal {
		local, cleanup, err := a.localDevice(queue)
		if err != nil {
			return err
		}
		defer cleanup()
		device = local
	}

	seq := playback.NewSequencer(queue, device, playback.Options{AutoPlay: cfg.Playback.AutoPlay}, logger)
	defer seq.Close()
	seq.OnChange(hub.PublishPlayback)
	hub.SetController(seq)

	orch := a.newOrchestrator(client, queue, seq)
	updates, unsubscribe := orch.Subscribe()
	defer unsubscribe()
	go hub.Forward(updates)

	hub.SetSnapshot(func() []gateway.ServerMessage {
		gen := orchestrator.Update{Lifecycle: orch.Lifecycle(), Progress: orch.Progress()}
		state := seq.State()
		return []gateway.ServerMessage{
			{Type: gateway.TypeGeneration, Generation: &gen},
			{Type: gateway.TypePlayback, Playback: &state},
		}
	})

	server := api.NewServer(api.Deps{
		Orchestrator:   orch,
		Player:         seq,
		Settings:       a.settings,
		Sessions:       a.sessions,
		Timeline:       a.timeline,
		Events:         hub,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Printf("🎙️  podgen listening on %s (backend %s, playback %s)", cfg.Server.Addr, client.BaseURL(), cfg.Playback.Mode)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Printf("🔌 shutting down")
	orch.Cancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
