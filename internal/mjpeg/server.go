// Package mjpeg は最新フレームを multipart/x-mixed-replace で配信する
// TCPサーバーを提供する
//
// HTTPの解釈はせず、接続ごとに固定のレスポンスを書き続ける。
package mjpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"

	"capvicam/internal/frame"
	"capvicam/internal/metrics"
)

var (
	// ErrListenerBindFailed はリッスンソケットを作れなかったことを示す
	ErrListenerBindFailed = errors.New("リッスンに失敗")
	// ErrClientIO はクライアントへの書き込み失敗（1セッションだけが終了する）
	ErrClientIO = errors.New("クライアントへの書き込みに失敗")
)

// Source は配信するフレームの取得元
type Source interface {
	SnapshotSince(last uint64) (frame.Frame, bool)
}

// Options はサーバーの任意設定
type Options struct {
	PollInterval time.Duration // 0 なら 10ms
	WriteTimeout time.Duration // 0 なら無効
	MaxSessions  int           // 0 なら無制限
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

const (
	defaultPollInterval = 10 * time.Millisecond
	maxAcceptDelay      = time.Second
)

// Server は接続を受け付け、接続ごとに配信セッションを起動する
type Server struct {
	ln      net.Listener
	src     Source
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics
	sem     *semaphore.Weighted

	mu       sync.Mutex
	sessions map[string]*session
	wg       sync.WaitGroup
	served   chan struct{}
}

// Listen は addr でリッスンしてサーバーを作成する
//
// バインドに失敗した場合は ErrListenerBindFailed を返し、セッションは一切作られない。
func Listen(addr string, src Source, opts Options) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrListenerBindFailed, addr, err)
	}
	return NewServer(ln, src, opts), nil
}

// NewServer は既存のリスナーからサーバーを作成する
func NewServer(ln net.Listener, src Source, opts Options) *Server {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		ln:       ln,
		src:      src,
		opts:     opts,
		logger:   logger,
		metrics:  opts.Metrics,
		sessions: make(map[string]*session),
		served:   make(chan struct{}),
	}
	if opts.MaxSessions > 0 {
		s.sem = semaphore.NewWeighted(int64(opts.MaxSessions))
	}
	return s
}

// Addr はリッスンアドレスを返す
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve は ctx がキャンセルされるまで接続を受け付ける
//
// 一時的な accept エラーはバックオフして続行する。それ以外のエラーは返す。
// キャンセル時はリスナーを閉じて nil を返す。各セッションも ctx で終了する。
func (s *Server) Serve(ctx context.Context) error {
	defer close(s.served)

	stop := context.AfterFunc(ctx, func() {
		_ = s.ln.Close()
	})
	defer stop()

	s.logger.Info("MJPEGサーバーを起動しました", zap.String("addr", s.ln.Addr().String()))
	defer s.logger.Info("MJPEGサーバーを停止しました")

	var delay time.Duration
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if !isTransient(err) {
				s.metrics.RecordAcceptError(false)
				return fmt.Errorf("accept: %w", err)
			}

			s.metrics.RecordAcceptError(true)
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay *= 2
			}
			if delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			s.logger.Warn("接続の受け付けに失敗しました。再試行します", zap.Error(err), zap.Duration("delay", delay))

			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return nil
			}
			continue
		}

		delay = 0
		s.handle(ctx, conn)
	}
}

// handle はセッションを独立したゴルーチンで起動する（完了は待たない）
func (s *Server) handle(ctx context.Context, conn net.Conn) {
	if s.sem != nil && !s.sem.TryAcquire(1) {
		s.metrics.RecordSessionRejected()
		s.logger.Warn("同時接続数の上限に達したため接続を拒否しました",
			zap.String("remote", conn.RemoteAddr().String()), zap.Int("max", s.opts.MaxSessions))
		go reject(conn)
		return
	}

	ss := &session{
		id:           uuid.NewString(),
		conn:         conn,
		src:          s.src,
		pollInterval: s.opts.PollInterval,
		writeTimeout: s.opts.WriteTimeout,
		metrics:      s.metrics,
		startedAt:    time.Now(),
	}
	ss.logger = s.logger.With(zap.String("session", ss.id), zap.String("remote", conn.RemoteAddr().String()))

	s.mu.Lock()
	s.sessions[ss.id] = ss
	s.mu.Unlock()
	s.wg.Add(1)
	s.metrics.RecordSessionStart()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.sessions, ss.id)
			s.mu.Unlock()
			s.metrics.RecordSessionStop()
			if s.sem != nil {
				s.sem.Release(1)
			}
		}()

		ss.logger.Info("クライアントが接続しました")
		if err := ss.run(ctx); err != nil {
			// 切断は日常的に起きるのでエラー扱いしない
			ss.logger.Debug("配信を終了しました", zap.Error(err), zap.Uint64("parts", ss.parts.Load()))
		}
		if ctx.Err() != nil {
			ss.logger.Info("キャンセルによりクライアントを切断しました")
			return
		}
		ss.logger.Info("クライアントが切断しました", zap.Uint64("parts", ss.parts.Load()))
	}()
}

// ActiveSessions は配信中のセッション数を返す
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sessions は配信中セッションの情報を開始順で返す
func (s *Server) Sessions() []SessionInfo {
	s.mu.Lock()
	infos := make([]SessionInfo, 0, len(s.sessions))
	for _, ss := range s.sessions {
		infos = append(infos, ss.info())
	}
	s.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

// Wait は Serve の終了後、全セッションの終了を ctx の期限まで待つ
func (s *Server) Wait(ctx context.Context) error {
	select {
	case <-s.served:
	case <-ctx.Done():
		return ctx.Err()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func reject(conn net.Conn) {
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_, _ = io.WriteString(conn, rejectResponse)
	_ = conn.Close()
}

// isTransient は接続単位の一時的な accept エラーかどうかを判定する
func isTransient(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	for _, errno := range []unix.Errno{
		unix.ECONNABORTED, unix.ECONNRESET, unix.EINTR, unix.EPROTO,
		unix.EMFILE, unix.ENFILE, unix.ENOBUFS, unix.ENOMEM,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}
