// Package shutdown はプロセス全体で共有するキャンセルシグナルを提供する
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
)

// Signal は一度だけ有効になるキャンセルシグナル
//
// キャプチャループは Cancelled でポーリングし、配信セッションは Done で待つ。
type Signal struct {
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

// New は未キャンセルのシグナルを作成する
func New() *Signal {
	ctx, cancel := context.WithCancel(context.Background())
	return &Signal{ctx: ctx, cancel: cancel}
}

// Cancel はシグナルをセットする。複数回呼んでも効果は1回と同じ
func (s *Signal) Cancel() {
	s.cancelled.Store(true)
	s.cancel()
}

// Cancelled はキャンセル済みかどうかを返す
func (s *Signal) Cancelled() bool {
	return s.cancelled.Load()
}

// Done はキャンセル時に close されるチャンネルを返す
func (s *Signal) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Context はキャンセルと連動するコンテキストを返す
func (s *Signal) Context() context.Context {
	return s.ctx
}

// NotifyOnSignal は指定したOSシグナルの受信で Cancel する
//
// onSignal はシグナル受信ごとに呼ばれる（nil可）。2回目以降の受信も通知される。
// 戻り値の関数で購読を解除する。
func (s *Signal) NotifyOnSignal(onSignal func(os.Signal, int), sigs ...os.Signal) (stop func()) {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, sigs...)

	quit := make(chan struct{})
	go func() {
		count := 0
		for {
			select {
			case sig := <-ch:
				count++
				s.Cancel()
				if onSignal != nil {
					onSignal(sig, count)
				}
			case <-quit:
				return
			}
		}
	}()

	return func() {
		signal.Stop(ch)
		close(quit)
	}
}
