package camera

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"capvicam/internal/metrics"
)

// Loop はデバイスからフレームを読み続け、スロットへ公開するキャプチャループ
//
// Run は1回のセッション分だけ動く。キャンセルは1フレーム読み取りごとに確認する。
type Loop struct {
	dev      Device
	sink     FrameSink
	cancel   Canceller
	settings Settings
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu      sync.RWMutex
	state   State
	onState func(State)
}

// NewLoop は新しいキャプチャループを作成する
func NewLoop(dev Device, sink FrameSink, cancel Canceller, settings Settings, opts ...Option) *Loop {
	o := buildOptions(opts)
	if settings.BufferCount <= 0 {
		settings.BufferCount = defaultBufferCount
	}
	if settings.ReadTimeout <= 0 {
		settings.ReadTimeout = defaultReadTimeout
	}
	return &Loop{
		dev:      dev,
		sink:     sink,
		cancel:   cancel,
		settings: settings,
		logger:   o.logger,
		metrics:  o.metrics,
		state:    StateIdle,
		onState:  o.onState,
	}
}

// GetState は現在の状態を返す
func (l *Loop) GetState() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()

	l.metrics.RecordCaptureState(string(s), AllStates)
	if l.onState != nil {
		l.onState(s)
	}
}

// Run はバッファ確保からストリーミング停止までを実行する
//
// 返すエラーはバッファ確保・開始・読み取りの失敗のみ。停止時のエラーはログに残すだけ。
func (l *Loop) Run() error {
	if err := l.dev.AllocateBuffers(l.settings.BufferCount); err != nil {
		l.metrics.RecordCaptureError(Stage(ErrBufferAllocationFailed))
		l.setState(StateFailed)
		return fmt.Errorf("%w: %d個: %w", ErrBufferAllocationFailed, l.settings.BufferCount, err)
	}

	l.setState(StateStreaming)

	var runErr error
	if err := l.dev.Start(); err != nil {
		runErr = fmt.Errorf("%w: %w", ErrStreamStartFailed, err)
		l.logger.Error("ストリーミングを開始できません", zap.Error(err))
		l.metrics.RecordCaptureError(Stage(runErr))
	} else {
		l.logger.Info("ストリーミングを開始しました", zap.Int("buffers", l.settings.BufferCount))
		runErr = l.readLoop()
	}

	l.setState(StateStopping)
	if err := l.dev.Stop(); err != nil {
		l.metrics.RecordCaptureError(Stage(ErrStreamStopFailed))
		l.logger.Error("ストリーミングの停止に失敗しました",
			zap.Error(fmt.Errorf("%w: %w", ErrStreamStopFailed, err)))
	} else {
		l.logger.Info("ストリーミングを停止しました")
	}

	if runErr != nil {
		l.setState(StateFailed)
		return runErr
	}
	l.setState(StateIdle)
	return nil
}

func (l *Loop) readLoop() error {
	failures := 0
	for !l.cancel.Cancelled() {
		err := l.dev.ReadFrame(l.settings.ReadTimeout, l.publish)
		switch {
		case err == nil:
			failures = 0
		case errors.Is(err, ErrNoFrame):
			// タイムアウトはキャンセル確認に戻るだけ
		default:
			failures++
			l.metrics.RecordCaptureError(Stage(ErrFrameReadFailed))
			if failures > l.settings.ReadRetries {
				l.logger.Error("フレームの読み取りに失敗しました", zap.Error(err), zap.Int("attempts", failures))
				return fmt.Errorf("%w: %w", ErrFrameReadFailed, err)
			}
			l.logger.Warn("フレームの読み取りに失敗しました。再試行します",
				zap.Error(err), zap.Int("attempt", failures), zap.Int("retries", l.settings.ReadRetries))
		}
	}

	l.logger.Info("キャンセルを検知しました")
	return nil
}

// publish はドライバのバッファをコピーしてからスロットへ公開する
func (l *Loop) publish(view []byte) {
	data := make([]byte, len(view))
	copy(data, view)

	seq := l.sink.Publish(data)
	l.metrics.RecordFrame(seq, len(data))
	l.logger.Debug("フレームを受信しました", zap.Uint64("seq", seq), zap.Int("size", len(data)))
}

// Option はループとサービスの任意設定
type Option func(*options)

type options struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	onState func(State)
}

// WithLogger はロガーを設定する
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics はメトリクスを設定する
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithStateHook は状態遷移の通知先を設定する
func WithStateHook(fn func(State)) Option {
	return func(o *options) { o.onState = fn }
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return o
}

const (
	defaultBufferCount = 8
	defaultReadTimeout = time.Second
)
