package camera

import (
	"sync"
	"time"
)

// MockDevice はテスト用のモックDevice実装
//
// Frames を順に返し、尽きたら ErrNoFrame を返す。ReadErrs で n 回目（0始まり）の
// 読み取りにエラーを注入できる。fn に渡すバッファは使い回し、呼び出し後に上書きする。
type MockDevice struct {
	Frames        [][]byte
	FrameInterval time.Duration
	ReadErrs      map[int]error
	NoStreaming   bool
	FormatList    []Format

	OpenErr       error
	CapabilityErr error
	NegotiateErr  error
	AllocateErr   error
	StartErr      error
	StopErr       error
	CloseErr      error

	mu     sync.Mutex
	buf    []byte
	next   int
	calls  MockCalls
	opened string
}

// MockCalls はモックへの呼び出し記録
type MockCalls struct {
	Allocated int // AllocateBuffers に渡された数
	Started   int
	Stopped   int
	Closed    int
	Reads     int
	Delivered int // fn を呼んだ回数
}

// Opener はこのモックを返す Opener を返す
func (m *MockDevice) Opener() Opener {
	return func(path string) (Device, error) {
		if m.OpenErr != nil {
			return nil, m.OpenErr
		}
		m.mu.Lock()
		m.opened = path
		m.mu.Unlock()
		return m, nil
	}
}

// Calls は呼び出し記録のコピーを返す
func (m *MockDevice) Calls() MockCalls {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Capability はモックのデバイス情報を返す
func (m *MockDevice) Capability() (Capability, error) {
	if m.CapabilityErr != nil {
		return Capability{}, m.CapabilityErr
	}
	return Capability{Name: "Mock Camera", BusInfo: "mock:" + m.opened, Streaming: !m.NoStreaming}, nil
}

// Formats はモックのフォーマット一覧を返す
func (m *MockDevice) Formats() []Format {
	if m.FormatList != nil {
		return m.FormatList
	}
	return []Format{{Code: uint32(fourcc("MJPG")), FourCC: "MJPG", Description: "Motion-JPEG", Sizes: []string{"640x480"}}}
}

// NegotiateFormat は要求どおりの解像度を返す
func (m *MockDevice) NegotiateFormat(width, height int) (Negotiated, error) {
	if m.NegotiateErr != nil {
		return Negotiated{}, m.NegotiateErr
	}
	return Negotiated{Format: m.Formats()[0], Width: width, Height: height}, nil
}

// AllocateBuffers は確保数を記録する
func (m *MockDevice) AllocateBuffers(count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.Allocated = count
	return m.AllocateErr
}

// Start は開始を記録する
func (m *MockDevice) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.Started++
	return m.StartErr
}

// Stop は停止を記録する
func (m *MockDevice) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.Stopped++
	return m.StopErr
}

// ReadFrame は FrameInterval 待ってから次のフレームを渡す
func (m *MockDevice) ReadFrame(_ time.Duration, fn func(view []byte)) error {
	if m.FrameInterval > 0 {
		time.Sleep(m.FrameInterval)
	}

	m.mu.Lock()
	n := m.calls.Reads
	m.calls.Reads++
	if err, ok := m.ReadErrs[n]; ok {
		m.mu.Unlock()
		return err
	}
	if m.next >= len(m.Frames) {
		m.mu.Unlock()
		return ErrNoFrame
	}
	frame := m.Frames[m.next]
	m.next++
	m.calls.Delivered++
	m.buf = append(m.buf[:0], frame...)
	view := m.buf
	m.mu.Unlock()

	fn(view)

	// ドライバがバッファを再利用する状況を再現する
	for i := range view {
		view[i] = 0xFF
	}
	return nil
}

// Close はクローズを記録する
func (m *MockDevice) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.Closed++
	return m.CloseErr
}
