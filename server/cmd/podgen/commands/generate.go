package commands

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/spf13/cobra"

	"podgen/server/internal/model"
	"podgen/server/internal/orchestrator"
	"podgen/server/internal/playback"
	"podgen/server/internal/segment"
)

var (
	genTopic       string
	genFile        string
	genArxiv       string
	genMaxAnalysts int
	genPlay        bool

	genHostName        string
	genHostBackground  string
	genHostVoice       string
	genGuestName       string
	genGuestBackground string
	genGuestVoice      string
)

var generateCmd = &cobra.Command{
	Use:   "generate <prompt|pdf|arxiv>",
	Short: "Generate a podcast episode in the terminal",
	Long: `生成一集 Podcast，逐段印出到達的語音片段。

主持人或來賓的名稱與背景全部留空時使用已儲存的設定（podgen settings）；
只填一部分時，缺少的欄位會直接回報錯誤。

Examples:
  podgen generate prompt --topic "量子計算入門" --max-analysts 2
  podgen generate pdf --file paper.pdf
  podgen generate arxiv --url https://arxiv.org/abs/1706.03762 --play`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{string(model.KindPrompt), string(model.KindPDF), string(model.KindArxiv)},
	RunE:      runGenerate,
}

func init() {
	f := generateCmd.Flags()
	f.StringVar(&genTopic, "topic", "", "podcast topic (prompt)")
	f.StringVarP(&genFile, "file", "f", "", "PDF file (pdf)")
	f.StringVar(&genArxiv, "url", "", "arXiv URL (arxiv)")
	f.IntVar(&genMaxAnalysts, "max-analysts", 0, "research agents for prompt generation (0 = backend.max_analysts)")
	f.BoolVar(&genPlay, "play", false, "play segments locally as they arrive")

	f.StringVar(&genHostName, "host-name", "", "host name")
	f.StringVar(&genHostBackground, "host-background", "", "host background")
	f.StringVar(&genHostVoice, "host-voice", "", "host voice")
	f.StringVar(&genGuestName, "guest-name", "", "guest name")
	f.StringVar(&genGuestBackground, "guest-background", "", "guest background")
	f.StringVar(&genGuestVoice, "guest-voice", "", "guest voice")

	rootCmd.AddCommand(generateCmd)
}

func runGenerate(cmd *cobra.Command, args []string) error {
	kind := model.GenerationKind(args[0])
	if !kind.Valid() {
		return fmt.Errorf("unknown kind %q, want prompt, pdf or arxiv", args[0])
	}
	req, err := buildRequest(kind)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// 日志和进度共用终端，默认不输出日志
	logSink := io.Discard
	if verbose {
		logSink = cmd.ErrOrStderr()
	}
	logger := newLogger(cfg, logSink)

	a, err := openApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	client, err := a.newBackend()
	if err != nil {
		return err
	}

	queue := segment.NewQueue(logger)
	var (
		seq      *playback.Sequencer
		player   orchestrator.Player
		finished = make(chan struct{})
	)
	if genPlay {
		device, cleanup, err := a.localDevice(queue)
		if err != nil {
			return err
		}
		defer cleanup()
		seq = playback.NewSequencer(queue, device, playback.Options{AutoPlay: true}, logger)
		defer seq.Close()
		player = seq

		var once sync.Once
		seq.OnChange(func(s model.PlaybackState) {
			if s.State == model.PlayerFinished {
				once.Do(func() { close(finished) })
			}
		})
	}
	orch := a.newOrchestrator(client, queue, player)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	out := cmd.OutOrStdout()
	styles := NewStyles()
	fmt.Fprintln(out, styles.Title.Render("🎙️  "+describe(req)))

	var started atomic.Bool
	startPlayback := func() {
		if seq == nil || !started.CompareAndSwap(false, true) {
			return
		}
		if err := seq.PlayNext(); err != nil {
			fmt.Fprintln(out, styles.Error.Render("⚠️  "+err.Error()))
		}
	}

	updates, unsubscribe := orch.Subscribe()
	renderer := newProgressRenderer(out, styles)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for u := range updates {
			renderer.render(u)
			if u.Segment != nil {
				startPlayback()
			}
		}
	}()

	genErr := orch.Generate(ctx, req)
	unsubscribe()
	<-done
	if genErr != nil {
		return genErr
	}

	lc := orch.Lifecycle()
	fmt.Fprintln(out, styles.Title.Render(fmt.Sprintf("✅ %s 共 %d 段", orchestrator.MessageCompleted, queue.Len())))
	fmt.Fprintln(out, styles.Dim.Render("generation "+lc.GenerationID))

	if seq == nil {
		return nil
	}
	startPlayback()
	fmt.Fprintln(out, styles.Dim.Render("▶️  播放中，Ctrl+C 結束"))
	select {
	case <-finished:
	case <-ctx.Done():
		return seq.Stop()
	}
	return nil
}

func buildRequest(kind model.GenerationKind) (model.GenerationRequest, error) {
	req := model.GenerationRequest{
		Kind:        kind,
		Topic:       genTopic,
		MaxAnalysts: genMaxAnalysts,
		ArxivURL:    genArxiv,
		Host:        model.Character{Name: genHostName, Background: genHostBackground, Voice: genHostVoice},
		Guest:       model.Character{Name: genGuestName, Background: genGuestBackground, Voice: genGuestVoice},
	}
	if kind == model.KindPDF && genFile != "" {
		data, err := os.ReadFile(genFile)
		if err != nil {
			return req, fmt.Errorf("read pdf: %w", err)
		}
		req.PDF = &model.PDFUpload{Filename: filepath.Base(genFile), Data: data}
	}
	return req, nil
}

func describe(req model.GenerationRequest) string {
	switch req.Kind {
	case model.KindPrompt:
		return "主題：" + req.Topic
	case model.KindPDF:
		if req.PDF != nil {
			return "PDF：" + req.PDF.Filename
		}
		return "PDF"
	case model.KindArxiv:
		return "arXiv：" + req.ArxivURL
	}
	return string(req.Kind)
}
