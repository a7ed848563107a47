package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"capvicam/internal/camera"
	"capvicam/internal/config"
	"capvicam/internal/frame"
	"capvicam/internal/metrics"
	"capvicam/internal/mjpeg"
)

// StatusProvider はキャプチャの状態を返す
type StatusProvider interface {
	GetStatus() camera.Status
}

// FrameStore は最新フレームの取得元
type FrameStore interface {
	Snapshot() frame.Frame
	Wait(ctx context.Context, last uint64) (frame.Frame, error)
}

// SessionLister はMJPEG配信セッションの一覧を返す
type SessionLister interface {
	ActiveSessions() int
	Sessions() []mjpeg.SessionInfo
}

// Deps はAPIサーバーが参照するコンポーネント
type Deps struct {
	Camera  StatusProvider
	Frames  FrameStore
	Streams SessionLister // MJPEGサーバーが無効なら nil
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Server は管理用HTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	httpServer *http.Server
	engine     *gin.Engine
	handler    *Handler
	logger     *zap.Logger

	closeOnce sync.Once
	closing   chan struct{}
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Log.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		config:  cfg,
		logger:  logger,
		closing: make(chan struct{}),
	}
	s.handler = &Handler{
		config:   cfg,
		camera:   deps.Camera,
		frames:   deps.Frames,
		streams:  deps.Streams,
		metrics:  deps.Metrics,
		logger:   logger,
		closing:  s.closing,
		upgrader: newUpgrader(),
	}

	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), requestLogger(logger))
	s.setupRoutes(deps.Metrics)

	s.httpServer = &http.Server{
		Addr:         cfg.APIAddress(),
		Handler:      s.engine,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
	}
	return s
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes(m *metrics.Metrics) {
	h := s.handler

	s.engine.GET("/", h.Root)
	s.engine.GET("/health", h.HealthCheck)

	api := s.engine.Group("/api")
	{
		api.GET("/status", h.GetStatus)
		api.GET("/snapshot", h.GetSnapshot)
		api.GET("/stream/ws", h.StreamWebSocket)
	}

	if m != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
}

// Handler はルーティング済みのハンドラを返す（テスト用）
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start はサーバーを起動し、ctx がキャンセルされたらシャットダウンする
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("サーバーの起動に失敗: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve は既存のリスナーで Start と同じことを行う
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	serveErr := make(chan error, 1)
	go func() {
		s.logger.Info("APIサーバーを起動しています", zap.String("addr", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err, ok := <-serveErr:
		if ok {
			return err
		}
		return nil
	}
	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンする
//
// WebSocket接続はハイジャック済みで http.Server の管理外なので、個別に終了させる。
func (s *Server) Shutdown() error {
	s.logger.Info("APIサーバーをシャットダウンしています")
	s.closeOnce.Do(func() { close(s.closing) })

	// 5秒のタイムアウトを設定
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	s.logger.Info("APIサーバーが正常にシャットダウンされました")
	return nil
}

// requestLogger はリクエストごとにアクセスログを出すミドルウェア
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("HTTPリクエスト",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client", c.ClientIP()),
		)
	}
}
