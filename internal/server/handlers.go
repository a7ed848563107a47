package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"capvicam/internal/camera"
	"capvicam/internal/config"
	"capvicam/internal/metrics"
	"capvicam/internal/mjpeg"
)

const wsWriteTimeout = 5 * time.Second

// Handler はAPIエンドポイントの実装
type Handler struct {
	config   *config.Config
	camera   StatusProvider
	frames   FrameStore
	streams  SessionLister
	metrics  *metrics.Metrics
	logger   *zap.Logger
	closing  <-chan struct{}
	upgrader websocket.Upgrader
}

// HealthResponse はヘルスチェックの応答
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// StreamInfo はMJPEG配信サーバーの状態
type StreamInfo struct {
	Enabled        bool                `json:"enabled"`
	Address        string              `json:"address,omitempty"`
	ActiveSessions int                 `json:"active_sessions"`
	Sessions       []mjpeg.SessionInfo `json:"sessions,omitempty"`
}

// DeviceSettings は要求したデバイス設定
type DeviceSettings struct {
	Path   string `json:"path"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// StatusResponse はシステム状態の応答
type StatusResponse struct {
	Status         string         `json:"status"`
	Capture        camera.Status  `json:"capture"`
	LatestSequence uint64         `json:"latest_sequence"`
	Settings       DeviceSettings `json:"settings"`
	Stream         StreamInfo     `json:"stream"`
	Timestamp      time.Time      `json:"timestamp"`
}

// ErrorResponse はエラー応答
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 64 * 1024,
		// ビューアは別ポートのページから開かれることがある
		CheckOrigin: func(*http.Request) bool { return true },
	}
}

// HealthCheck はヘルスチェックエンドポイントの実装
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}

// GetStatus はシステム状態取得エンドポイントの実装
func (h *Handler) GetStatus(c *gin.Context) {
	response := StatusResponse{
		Status: "running",
		Settings: DeviceSettings{
			Path:   h.config.Device.Path,
			Width:  h.config.Device.Width,
			Height: h.config.Device.Height,
		},
		Timestamp: time.Now(),
	}
	if h.camera != nil {
		response.Capture = h.camera.GetStatus()
	}
	if h.frames != nil {
		response.LatestSequence = h.frames.Snapshot().Seq
	}
	if h.streams != nil {
		response.Stream = StreamInfo{
			Enabled:        true,
			Address:        h.config.StreamAddress(),
			ActiveSessions: h.streams.ActiveSessions(),
			Sessions:       h.streams.Sessions(),
		}
	}

	c.JSON(http.StatusOK, response)
}

// GetSnapshot は最新フレームを1枚返す
func (h *Handler) GetSnapshot(c *gin.Context) {
	f := h.frames.Snapshot()
	if f.Seq == 0 {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:     "no_frame",
			Message:   "まだフレームが取得されていません",
			Timestamp: time.Now(),
		})
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Frame-Sequence", strconv.FormatUint(f.Seq, 10))
	c.Data(http.StatusOK, "image/jpeg", f.Data)
}

// StreamWebSocket は新しいフレームごとに1つのバイナリメッセージを送る
func (h *Handler) StreamWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade が応答を書き込み済み
		h.logger.Warn("WebSocketへのアップグレードに失敗しました", zap.Error(err))
		return
	}
	defer conn.Close()

	h.metrics.RecordWSClientStart()
	defer h.metrics.RecordWSClientStop()

	logger := h.logger.With(
		zap.String("client", uuid.NewString()),
		zap.String("remote", conn.RemoteAddr().String()),
	)
	logger.Info("WebSocketクライアントが接続しました")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// サーバー停止で終了
	go func() {
		select {
		case <-h.closing:
			cancel()
		case <-ctx.Done():
		}
	}()

	// クライアントからの切断を検知する
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	sent, err := h.streamFrames(ctx, conn)
	if err != nil {
		logger.Debug("WebSocket配信を終了しました", zap.Error(err))
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	logger.Info("WebSocketクライアントが切断しました", zap.Uint64("frames", sent))
}

// streamFrames は ctx が終わるか書き込みに失敗するまでフレームを送り続ける
func (h *Handler) streamFrames(ctx context.Context, conn *websocket.Conn) (uint64, error) {
	var last, sent uint64
	for {
		f, err := h.frames.Wait(ctx, last)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return sent, nil
			}
			return sent, err
		}

		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteMessage(websocket.BinaryMessage, f.Data); err != nil {
			return sent, fmt.Errorf("フレームの送信に失敗: %w", err)
		}
		last = f.Seq
		sent++
	}
}

// Root はビューアページを返す
func (h *Handler) Root(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, `<!DOCTYPE html>
<html lang="ja">
<head>
    <meta charset="UTF-8">
    <title>capvicam</title>
</head>
<body>
    <h1>capvicam</h1>
    <p><img id="stream" alt="MJPEGストリーム"></p>
    <p>スナップショット: <a href="/api/snapshot">/api/snapshot</a></p>
    <p>ステータス: <a href="/api/status">/api/status</a></p>
    <p>ヘルスチェック: <a href="/health">/health</a></p>
    <p>メトリクス: <a href="/metrics">/metrics</a></p>
    <script>
        document.getElementById("stream").src = "http://" + location.hostname + ":%d/";
    </script>
</body>
</html>`, h.config.Stream.Port)
}
