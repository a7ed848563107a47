package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"capvicam/internal/camera"
	"capvicam/internal/config"
	"capvicam/internal/frame"
	"capvicam/internal/metrics"
	"capvicam/internal/mjpeg"
)

type fakeCamera struct {
	status camera.Status
}

func (f *fakeCamera) GetStatus() camera.Status { return f.status }

type fakeStreams struct {
	sessions []mjpeg.SessionInfo
}

func (f *fakeStreams) ActiveSessions() int           { return len(f.sessions) }
func (f *fakeStreams) Sessions() []mjpeg.SessionInfo { return f.sessions }

func newTestServer(t *testing.T) (*Server, *frame.Slot, *metrics.Metrics) {
	t.Helper()
	cfg := config.Default()
	cfg.API.Port = 0

	slot := frame.NewSlot()
	m := metrics.New()
	srv := New(cfg, Deps{
		Camera: &fakeCamera{status: camera.Status{State: camera.StateStreaming, Device: "/dev/video0"}},
		Frames: slot,
		Streams: &fakeStreams{sessions: []mjpeg.SessionInfo{
			{ID: "s1", RemoteAddr: "127.0.0.1:50000", PartsSent: 3, LastSeq: 7},
		}},
		Metrics: m,
		Logger:  zaptest.NewLogger(t),
	})
	return srv, slot, m
}

func doRequest(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// TestServerEndpoints は各エンドポイントのステータスコードをテストする
func TestServerEndpoints(t *testing.T) {
	srv, slot, _ := newTestServer(t)
	slot.Publish([]byte("jpeg"))

	testCases := []struct {
		name           string
		endpoint       string
		expectedStatus int
		contentType    string
	}{
		{"ルートエンドポイント", "/", http.StatusOK, "text/html"},
		{"ヘルスチェックエンドポイント", "/health", http.StatusOK, "application/json"},
		{"ステータスエンドポイント", "/api/status", http.StatusOK, "application/json"},
		{"スナップショットエンドポイント", "/api/snapshot", http.StatusOK, "image/jpeg"},
		{"メトリクスエンドポイント", "/metrics", http.StatusOK, "text/plain"},
		{"存在しないエンドポイント", "/nope", http.StatusNotFound, ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(t, srv.Handler(), tc.endpoint)
			if rec.Code != tc.expectedStatus {
				t.Errorf("予期しないステータスコード: got %d, want %d", rec.Code, tc.expectedStatus)
			}
			if tc.contentType != "" && !strings.HasPrefix(rec.Header().Get("Content-Type"), tc.contentType) {
				t.Errorf("予期しないContent-Type: got %q, want prefix %q", rec.Header().Get("Content-Type"), tc.contentType)
			}
		})
	}
}

func TestRootLinksStreamPort(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doRequest(t, srv.Handler(), "/")
	if !strings.Contains(rec.Body.String(), `":8000/"`) {
		t.Errorf("ビューアが配信ポートを参照していません: %s", rec.Body.String())
	}
}

func TestGetStatus(t *testing.T) {
	srv, slot, _ := newTestServer(t)
	slot.Publish([]byte("a"))
	slot.Publish([]byte("b"))

	rec := doRequest(t, srv.Handler(), "/api/status")

	var resp StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("JSONの解析に失敗: %v", err)
	}
	if resp.Status != "running" {
		t.Errorf("status: got %q", resp.Status)
	}
	if resp.Capture.State != camera.StateStreaming {
		t.Errorf("capture.state: got %q", resp.Capture.State)
	}
	if resp.LatestSequence != 2 {
		t.Errorf("latest_sequence: got %d, want 2", resp.LatestSequence)
	}
	if resp.Settings.Path != "/dev/video0" || resp.Settings.Width != 640 {
		t.Errorf("settings: got %+v", resp.Settings)
	}
	if !resp.Stream.Enabled || resp.Stream.ActiveSessions != 1 || resp.Stream.Sessions[0].ID != "s1" {
		t.Errorf("stream: got %+v", resp.Stream)
	}
}

func TestGetStatus_StreamDisabled(t *testing.T) {
	cfg := config.Default()
	srv := New(cfg, Deps{Frames: frame.NewSlot(), Logger: zaptest.NewLogger(t)})

	rec := doRequest(t, srv.Handler(), "/api/status")

	var resp StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("JSONの解析に失敗: %v", err)
	}
	if resp.Stream.Enabled {
		t.Error("配信サーバー無効時は enabled=false になるべきです")
	}

	// メトリクスが無ければルートも無い
	if rec := doRequest(t, srv.Handler(), "/metrics"); rec.Code != http.StatusNotFound {
		t.Errorf("/metrics: got %d, want 404", rec.Code)
	}
}

func TestGetSnapshot(t *testing.T) {
	srv, slot, _ := newTestServer(t)

	t.Run("フレームなし", func(t *testing.T) {
		rec := doRequest(t, srv.Handler(), "/api/snapshot")
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("got %d, want 503", rec.Code)
		}
		var resp ErrorResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("JSONの解析に失敗: %v", err)
		}
		if resp.Error != "no_frame" {
			t.Errorf("error: got %q", resp.Error)
		}
	})

	t.Run("最新フレーム", func(t *testing.T) {
		slot.Publish([]byte("old"))
		slot.Publish([]byte("\xff\xd8latest\xff\xd9"))

		rec := doRequest(t, srv.Handler(), "/api/snapshot")
		if rec.Code != http.StatusOK {
			t.Fatalf("got %d, want 200", rec.Code)
		}
		if !bytes.Equal(rec.Body.Bytes(), []byte("\xff\xd8latest\xff\xd9")) {
			t.Errorf("body: got %q", rec.Body.Bytes())
		}
		if got := rec.Header().Get("X-Frame-Sequence"); got != "2" {
			t.Errorf("X-Frame-Sequence: got %q, want 2", got)
		}
	})
}

func TestMetricsExposition(t *testing.T) {
	srv, _, m := newTestServer(t)
	m.RecordFrame(1, 1024)

	rec := doRequest(t, srv.Handler(), "/metrics")
	if !strings.Contains(rec.Body.String(), "capvicam_frames_captured_total 1") {
		t.Errorf("メトリクスにフレーム数が含まれていません:\n%s", rec.Body.String())
	}
}

func TestStreamWebSocket(t *testing.T) {
	srv, slot, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/stream/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("WebSocket接続に失敗: %v", err)
	}
	defer conn.Close()

	go func() {
		for _, s := range []string{"one", "two", "three"} {
			slot.Publish([]byte(s))
			time.Sleep(20 * time.Millisecond)
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for _, want := range []string{"one", "two", "three"} {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("メッセージの受信に失敗: %v", err)
		}
		if typ != websocket.BinaryMessage {
			t.Errorf("バイナリメッセージであるべきです: got %d", typ)
		}
		if string(data) != want {
			t.Errorf("got %q, want %q", data, want)
		}
	}
}

// シャットダウンでWebSocket接続も終了する
func TestStreamWebSocket_Shutdown(t *testing.T) {
	srv, _, _ := newTestServer(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, ln) }()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/api/stream/ws", nil)
	if err != nil {
		cancel()
		t.Fatalf("WebSocket接続に失敗: %v", err)
	}
	defer conn.Close()

	cancel()

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("正常なクローズを受信するべきです: %v", err)
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("サーバーの停止でエラーが発生しました: %v", err)
		}
	case <-time.After(6 * time.Second):
		t.Fatal("サーバーの停止がタイムアウトしました")
	}
}

// TestServerStartAndShutdown はサーバーの起動とシャットダウンをテストする
func TestServerStartAndShutdown(t *testing.T) {
	srv, _, _ := newTestServer(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("HTTPリクエストでエラーが発生しました: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `"status":"healthy"`) {
		t.Errorf("予期しない応答: %s", body)
	}

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("サーバーの起動/停止でエラーが発生しました: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("サーバーの停止がタイムアウトしました")
	}
}

func TestStart_BindFailure(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer occupied.Close()

	cfg := config.Default()
	cfg.API.Host = "127.0.0.1"
	cfg.API.Port = occupied.Addr().(*net.TCPAddr).Port
	srv := New(cfg, Deps{Frames: frame.NewSlot()})

	if err := srv.Start(context.Background()); err == nil {
		t.Fatal("使用中のポートではエラーになるべきです")
	}
}
