package api

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"slices"
	"strconv"

	"github.com/gin-gonic/gin"

	"podgen/server/internal/model"
	"podgen/server/internal/orchestrator"
	"podgen/server/internal/playback"
	"podgen/server/internal/session"
	"podgen/server/internal/settings"
	"podgen/server/internal/timeline"
)

// maxPDFSize 是上传 PDF 的大小上限
const maxPDFSize = 32 << 20

// defaultHistoryLimit 是历史列表默认返回的条数
const defaultHistoryLimit = 20

// Player 是 HTTP 控制接口用到的播放器操作（由 playback.Sequencer 实现）
type Player interface {
	PlayNext() error
	TogglePlay() error
	Stop() error
	SeekTo(index int) error
	State() model.PlaybackState
}

// Deps 是 Server 的协作者；Player 与 Events 可以为空
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Player       Player
	Settings     *settings.Store
	Sessions     session.Store
	Timeline     timeline.Store
	// Events 是 WebSocket 状态通道
	Events http.Handler

	AllowedOrigins []string
	Logger         *log.Logger
}

type Server struct {
	orchestrator *orchestrator.Orchestrator
	player       Player
	settings     *settings.Store
	sessions     session.Store
	timeline     timeline.Store
	events       http.Handler
	origins      []string
	logger       *log.Logger
}

func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		orchestrator: deps.Orchestrator,
		player:       deps.Player,
		settings:     deps.Settings,
		sessions:     deps.Sessions,
		timeline:     deps.Timeline,
		events:       deps.Events,
		origins:      deps.AllowedOrigins,
		logger:       logger,
	}
}

func (s *Server) Routes() http.Handler {
	// Gin 统一承载中间件与路由
	engine := gin.New()
	engine.Use(gin.Logger(), gin.Recovery(), s.corsMiddleware())
	engine.GET("/healthz", s.handleHealthz)

	api := engine.Group("/api")
	api.POST("/generate/:kind", s.handleGenerate)
	api.POST("/generation/cancel", s.handleCancel)
	api.GET("/generation", s.handleGeneration)
	api.GET("/generation/script", s.handleScript)
	api.GET("/segments", s.handleSegments)

	api.GET("/playback", s.handlePlaybackState)
	api.POST("/playback/:action", s.handlePlaybackAction)

	api.GET("/settings/characters", s.handleGetCharacters)
	api.PUT("/settings/characters", s.handlePutCharacters)
	api.GET("/settings/voice", s.handleGetProsody)
	api.PUT("/settings/voice", s.handlePutProsody)
	api.DELETE("/settings", s.handleResetSettings)

	api.GET("/generations", s.handleHistory)
	api.GET("/generations/:id", s.handleRecord)
	api.GET("/generations/:id/events", s.handleRecordEvents)

	if s.events != nil {
		api.GET("/events", gin.WrapH(s.events))
	}
	return engine
}

// handleHealthz 返回服务健康状态。
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// generateRequest 是 prompt/arxiv 的 JSON 请求体；host/guest 留空时使用本地设置
type generateRequest struct {
	Topic           string `json:"topic"`
	MaxAnalysts     int    `json:"max_analysts"`
	ArxivURL        string `json:"arxiv_url"`
	HostName        string `json:"host_name"`
	HostBackground  string `json:"host_background"`
	GuestName       string `json:"guest_name"`
	GuestBackground string `json:"guest_background"`
}

func (r generateRequest) toModel(kind model.GenerationKind) model.GenerationRequest {
	return model.GenerationRequest{
		Kind:        kind,
		Topic:       r.Topic,
		MaxAnalysts: r.MaxAnalysts,
		ArxivURL:    r.ArxivURL,
		Host:        model.Character{Name: r.HostName, Background: r.HostBackground},
		Guest:       model.Character{Name: r.GuestName, Background: r.GuestBackground},
	}
}

// handleGenerate 启动一次生成；前置条件错误同步返回，其余结果通过状态接口或 WebSocket 获取。
func (s *Server) handleGenerate(c *gin.Context) {
	kind := model.GenerationKind(c.Param("kind"))
	if !kind.Valid() {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown generation kind"})
		return
	}

	var req model.GenerationRequest
	if kind == model.KindPDF {
		r, err := s.bindPDF(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		req = r
	} else {
		var body generateRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
		req = body.toModel(kind)
	}

	id, err := s.orchestrator.Start(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.logger.Printf("[API] generation %s accepted (kind=%s)", id, kind)
	c.JSON(http.StatusAccepted, gin.H{"generation_id": id})
}

// bindPDF 解析 multipart 表单；缺少文件时交给前置条件检查报错
func (s *Server) bindPDF(c *gin.Context) (model.GenerationRequest, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxPDFSize)
	req := model.GenerationRequest{
		Kind:  model.KindPDF,
		Host:  model.Character{Name: c.PostForm("host_name"), Background: c.PostForm("host_background")},
		Guest: model.Character{Name: c.PostForm("guest_name"), Background: c.PostForm("guest_background")},
	}

	fh, err := c.FormFile("pdf_file")
	if errors.Is(err, http.ErrMissingFile) {
		return req, nil
	}
	if err != nil {
		return req, err
	}
	f, err := fh.Open()
	if err != nil {
		return req, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return req, err
	}
	req.PDF = &model.PDFUpload{Filename: fh.Filename, Data: data}
	return req, nil
}

func (s *Server) handleCancel(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"cancelled": s.orchestrator.Cancel()})
}

func (s *Server) handleGeneration(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"lifecycle": s.orchestrator.Lifecycle(),
		"progress":  s.orchestrator.Progress(),
	})
}

func (s *Server) handleScript(c *gin.Context) {
	script := s.orchestrator.Script()
	if script == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "script not ready"})
		return
	}
	c.JSON(http.StatusOK, script)
}

// handleSegments 返回已到达的片段；length 是流声明的总数
func (s *Server) handleSegments(c *gin.Context) {
	q := s.orchestrator.Queue()
	c.JSON(http.StatusOK, gin.H{
		"length":   q.Len(),
		"ready":    q.Ready(),
		"segments": q.Segments(),
	})
}

func (s *Server) handlePlaybackState(c *gin.Context) {
	if s.player == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "playback is not available"})
		return
	}
	c.JSON(http.StatusOK, s.player.State())
}

type seekRequest struct {
	Index *int `json:"index"`
}

// handlePlaybackAction 处理 toggle/stop/next/seek
func (s *Server) handlePlaybackAction(c *gin.Context) {
	if s.player == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "playback is not available"})
		return
	}

	var err error
	switch c.Param("action") {
	case "toggle":
		err = s.player.TogglePlay()
	case "stop":
		err = s.player.Stop()
	case "next":
		err = s.player.PlayNext()
	case "seek":
		var body seekRequest
		if bindErr := c.ShouldBindJSON(&body); bindErr != nil || body.Index == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "index required"})
			return
		}
		err = s.player.SeekTo(*body.Index)
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown playback action"})
		return
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.player.State())
}

func (s *Server) handleGetCharacters(c *gin.Context) {
	cs, err := s.settings.Characters(c.Request.Context())
	if err != nil {
		s.logger.Printf("[API] ⚠️  load characters: %v", err)
	}
	c.JSON(http.StatusOK, cs)
}

// handlePutCharacters 合并保存角色设置，空字段保留原值
func (s *Server) handlePutCharacters(c *gin.Context) {
	var update model.CharacterSettings
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	merged, err := s.settings.UpdateCharacters(c.Request.Context(), update)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, merged)
}

func (s *Server) handleGetProsody(c *gin.Context) {
	p, err := s.settings.Prosody(c.Request.Context())
	if err != nil {
		s.logger.Printf("[API] ⚠️  load voice settings: %v", err)
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) handlePutProsody(c *gin.Context) {
	var p settings.ProsodySettings
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if err := s.settings.SaveProsody(c.Request.Context(), p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) handleResetSettings(c *gin.Context) {
	if err := s.settings.Reset(c.Request.Context()); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleHistory(c *gin.Context) {
	limit := defaultHistoryLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	recs, err := s.sessions.List(c.Request.Context(), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"generations": recs})
}

func (s *Server) handleRecord(c *gin.Context) {
	rec, err := s.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// handleRecordEvents 返回一次生成按到达顺序记录的流事件
func (s *Server) handleRecordEvents(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := s.sessions.Get(ctx, id); err != nil {
		s.writeError(c, err)
		return
	}
	events, err := s.timeline.List(ctx, id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// writeError 把错误映射成 HTTP 状态码
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	body := gin.H{"error": err.Error()}

	var merr *model.Error
	switch {
	case errors.As(err, &merr):
		body["kind"] = merr.Kind
		if len(merr.Fields) > 0 {
			body["fields"] = merr.Fields
		}
		switch merr.Kind {
		case model.KindPrecondition, model.KindValidation:
			status = http.StatusBadRequest
		case model.KindFormat, model.KindStream, model.KindRequest:
			status = http.StatusBadGateway
		case model.KindPlayback:
			// 播放器停在当前片段等待，不是服务端故障
			status = http.StatusConflict
		}
	case errors.Is(err, session.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, playback.ErrOutOfRange):
		status = http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		s.logger.Printf("[API] ❌ %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(status, body)
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (len(s.origins) == 0 || slices.Contains(s.origins, origin)) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
