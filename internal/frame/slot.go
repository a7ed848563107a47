// Package frame は最新フレームを1枚だけ保持する共有スロットを提供する
//
// キャプチャ側が Publish で上書きし、配信側はスナップショット（コピー）を読む。
// 履歴は持たない。
package frame

import (
	"context"
	"sync"
)

// Frame はシーケンス番号付きのエンコード済み画像
type Frame struct {
	Seq  uint64 // 0 は「まだフレームがない」
	Data []byte
}

// Slot は最新フレームを保持する
type Slot struct {
	mu      sync.RWMutex
	seq     uint64
	data    []byte
	changed chan struct{} // Publish ごとに close して作り直す
}

// NewSlot は空のスロットを作成する
func NewSlot() *Slot {
	return &Slot{changed: make(chan struct{})}
}

// Publish はフレームを差し替え、新しいシーケンス番号を返す
//
// data の所有権はスロットに移る。呼び出し側は以後 data を変更してはならない。
func (s *Slot) Publish(data []byte) uint64 {
	s.mu.Lock()
	s.seq++
	s.data = data
	seq := s.seq
	ch := s.changed
	s.changed = make(chan struct{})
	s.mu.Unlock()

	close(ch)
	return seq
}

// Snapshot は現在のシーケンス番号とバイト列のコピーを返す
func (s *Slot) Snapshot() Frame {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyLocked()
}

// SnapshotSince は last と異なるフレームがある場合のみコピーを返す
func (s *Slot) SnapshotSince(last uint64) (Frame, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.seq == last {
		return Frame{}, false
	}
	return s.copyLocked(), true
}

// Sequence は現在のシーケンス番号を返す
func (s *Slot) Sequence() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

// Wait は last より新しいフレームが公開されるか ctx が終了するまで待つ
func (s *Slot) Wait(ctx context.Context, last uint64) (Frame, error) {
	for {
		s.mu.RLock()
		if s.seq != last {
			f := s.copyLocked()
			s.mu.RUnlock()
			return f, nil
		}
		ch := s.changed
		s.mu.RUnlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	}
}

func (s *Slot) copyLocked() Frame {
	var data []byte
	if s.data != nil {
		data = make([]byte, len(s.data))
		copy(data, s.data)
	}
	return Frame{Seq: s.seq, Data: data}
}
