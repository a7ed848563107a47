package camera

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"capvicam/internal/metrics"
)

// Status はAPI向けのキャプチャ状態
type Status struct {
	State      State       `json:"state"`
	Device     string      `json:"device"`
	Capability *Capability `json:"capability,omitempty"`
	Negotiated *Negotiated `json:"negotiated,omitempty"`
	StartedAt  time.Time   `json:"started_at,omitempty"`
	LastError  string      `json:"last_error,omitempty"`
}

// Service は1台のデバイスについて、オープンからクローズまでのキャプチャを管理する
type Service struct {
	settings Settings
	open     Opener
	sink     FrameSink
	cancel   Canceller
	opts     []Option
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu     sync.RWMutex
	status Status
}

// NewService は新しいServiceを作成する
func NewService(settings Settings, open Opener, sink FrameSink, cancel Canceller, opts ...Option) *Service {
	o := buildOptions(opts)
	s := &Service{
		settings: settings,
		open:     open,
		sink:     sink,
		cancel:   cancel,
		logger:   o.logger.With(zap.String("device", settings.Path)),
		metrics:  o.metrics,
		status:   Status{State: StateIdle, Device: settings.Path},
	}
	// ループの状態遷移をステータスへ反映する
	s.opts = []Option{
		WithLogger(s.logger),
		WithMetrics(o.metrics),
		WithStateHook(func(st State) {
			s.setState(st)
			if o.onState != nil {
				o.onState(st)
			}
		}),
	}
	return s
}

// GetStatus は現在の状態を取得する
func (s *Service) GetStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Service) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.State = st
	if st == StateStreaming {
		s.status.StartedAt = time.Now()
	}
}

func (s *Service) fail(err error) error {
	s.metrics.RecordCaptureError(Stage(err))
	s.mu.Lock()
	s.status.State = StateFailed
	s.status.LastError = err.Error()
	s.mu.Unlock()
	return err
}

// Run はデバイスを開いてキャプチャを行い、終了時に必ずデバイスを閉じる
//
// 呼び出し元のゴルーチンはOSスレッドに固定される。キャンセルされるか
// 回復不能なエラーが起きるまで戻らない。
func (s *Service) Run() (err error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	dev, err := s.open(s.settings.Path)
	if err != nil {
		return s.fail(fmt.Errorf("%w: %s: %w", ErrDeviceOpenFailed, s.settings.Path, err))
	}
	s.logger.Info("デバイスを開きました")

	defer func() {
		if cerr := dev.Close(); cerr != nil {
			cerr = fmt.Errorf("%w: %w", ErrDeviceCloseFailed, cerr)
			s.metrics.RecordCaptureError(Stage(cerr))
			// 元のエラーを上書きしない
			s.logger.Error("デバイスを閉じられませんでした", zap.Error(cerr))
			return
		}
		s.logger.Info("デバイスを閉じました")
	}()

	capability, err := dev.Capability()
	if err != nil {
		return s.fail(fmt.Errorf("%w: %w", ErrCapabilityUnavailable, err))
	}
	s.logger.Info("デバイス情報",
		zap.String("name", capability.Name),
		zap.String("bus", capability.BusInfo),
		zap.Bool("streaming", capability.Streaming))

	if !capability.Streaming {
		return s.fail(fmt.Errorf("%w: %s", ErrStreamingUnsupported, capability.Name))
	}

	for _, f := range dev.Formats() {
		s.logger.Info("対応フォーマット",
			zap.String("fourcc", f.FourCC),
			zap.String("description", f.Description),
			zap.Strings("sizes", f.Sizes))
	}

	negotiated, err := dev.NegotiateFormat(s.settings.Width, s.settings.Height)
	if err != nil {
		return s.fail(fmt.Errorf("%w: %w", ErrFormatNegotiationFailed, err))
	}
	s.logger.Info("フォーマットを設定しました",
		zap.String("fourcc", negotiated.Format.FourCC),
		zap.Int("width", negotiated.Width),
		zap.Int("height", negotiated.Height))

	s.mu.Lock()
	s.status.Capability = &capability
	s.status.Negotiated = &negotiated
	s.mu.Unlock()

	loop := NewLoop(dev, s.sink, s.cancel, s.settings, s.opts...)
	if err := loop.Run(); err != nil {
		s.mu.Lock()
		s.status.LastError = err.Error()
		s.mu.Unlock()
		return err
	}
	return nil
}
