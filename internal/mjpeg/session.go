package mjpeg

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"capvicam/internal/metrics"
)

// SessionInfo は配信中セッションの情報
type SessionInfo struct {
	ID         string    `json:"id"`
	RemoteAddr string    `json:"remote_addr"`
	StartedAt  time.Time `json:"started_at"`
	PartsSent  uint64    `json:"parts_sent"`
	LastSeq    uint64    `json:"last_seq"`
}

// session は1クライアント分の配信ループ
type session struct {
	id           string
	conn         net.Conn
	src          Source
	pollInterval time.Duration
	writeTimeout time.Duration
	logger       *zap.Logger
	metrics      *metrics.Metrics

	startedAt time.Time
	parts     atomic.Uint64
	lastSeq   atomic.Uint64
}

func (ss *session) info() SessionInfo {
	return SessionInfo{
		ID:         ss.id,
		RemoteAddr: ss.conn.RemoteAddr().String(),
		StartedAt:  ss.startedAt,
		PartsSent:  ss.parts.Load(),
		LastSeq:    ss.lastSeq.Load(),
	}
}

// run はプリアンブルを送り、新しいフレームが出るたびにパートを送る
//
// キャンセル、クライアントの切断、書き込み失敗のいずれかで戻る。
// 書き込み失敗のときだけ ErrClientIO を返す。
func (ss *session) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// キャンセル時は書き込み中でも接続を閉じて抜ける
	stop := context.AfterFunc(ctx, func() {
		_ = ss.conn.Close()
	})
	defer stop()
	defer ss.conn.Close()

	// クライアントからの入力は読み捨て、切断を検知する
	go func() {
		_, _ = io.Copy(io.Discard, ss.conn)
		cancel()
	}()

	if err := ss.write(net.Buffers{[]byte(Preamble)}); err != nil {
		return ss.ioError(ctx, err)
	}

	ticker := time.NewTicker(ss.pollInterval)
	defer ticker.Stop()

	var last uint64
	header := make([]byte, 0, 96)
	for {
		if ctx.Err() != nil {
			return nil
		}

		if f, ok := ss.src.SnapshotSince(last); ok {
			var skipped uint64
			if last > 0 && f.Seq > last+1 {
				skipped = f.Seq - last - 1
			}

			header = AppendPartHeader(header[:0], len(f.Data))
			if err := ss.write(net.Buffers{header, f.Data}); err != nil {
				return ss.ioError(ctx, err)
			}

			last = f.Seq
			ss.lastSeq.Store(last)
			ss.parts.Add(1)
			ss.metrics.RecordPart(len(f.Data), skipped)
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (ss *session) write(bufs net.Buffers) error {
	if ss.writeTimeout > 0 {
		if err := ss.conn.SetWriteDeadline(time.Now().Add(ss.writeTimeout)); err != nil {
			return err
		}
	}
	_, err := bufs.WriteTo(ss.conn)
	return err
}

// ioError はキャンセルによる書き込み失敗を正常終了として扱う
func (ss *session) ioError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrClientIO, err)
}
