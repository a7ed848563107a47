package camera

import (
	"context"
	"time"
)

// State はキャプチャループの状態を表す
type State string

const (
	StateIdle      State = "idle"      // 停止中
	StateStreaming State = "streaming" // フレーム取得中
	StateStopping  State = "stopping"  // 後片付け中
	StateFailed    State = "failed"    // エラーで終了した
)

// AllStates はメトリクス出力用の全状態
var AllStates = []string{
	string(StateIdle), string(StateStreaming), string(StateStopping), string(StateFailed),
}

// Settings はキャプチャの設定
type Settings struct {
	Path        string        // デバイスパス（例: /dev/video0）
	Width       int           // 要求する画像幅
	Height      int           // 要求する画像高さ
	BufferCount int           // カーネルバッファ数
	ReadTimeout time.Duration // 1回のフレーム待ちの上限
	ReadRetries int           // 連続読み取り失敗の許容回数
}

// Capability はデバイスの基本情報
type Capability struct {
	Name      string `json:"name"`      // カード名
	BusInfo   string `json:"bus_info"`  // バス情報
	Streaming bool   `json:"streaming"` // ストリーミングI/Oに対応しているか
}

// Format はデバイスが提供するピクセルフォーマット
type Format struct {
	Code        uint32   `json:"code"`        // V4L2 fourcc コード
	FourCC      string   `json:"fourcc"`      // 例: "MJPG"
	Description string   `json:"description"` // ドライバの説明文
	Sizes       []string `json:"sizes,omitempty"`
}

// Negotiated は実際に設定されたフォーマット
type Negotiated struct {
	Format Format `json:"format"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Device はキャプチャデバイスを操作するインターフェース
//
// ReadFrame に渡す fn は、ドライバが所有するバッファのビューを受け取る。
// ビューは fn の呼び出し中だけ有効で、外に持ち出してはならない。
type Device interface {
	// Capability はデバイス情報を取得する
	Capability() (Capability, error)

	// Formats は対応フォーマットの一覧を返す
	Formats() []Format

	// NegotiateFormat は指定解像度でエンコード済みフォーマットを設定する
	NegotiateFormat(width, height int) (Negotiated, error)

	// AllocateBuffers はキャプチャバッファを確保する
	AllocateBuffers(count int) error

	// Start はストリーミングを開始する
	Start() error

	// Stop はストリーミングを停止し、バッファを解放する
	Stop() error

	// ReadFrame は1フレーム待って fn を呼ぶ。用意できなければ ErrNoFrame
	ReadFrame(timeout time.Duration, fn func(view []byte)) error

	// Close はデバイスを閉じる
	Close() error
}

// Opener はデバイスパスから Device を開く
type Opener func(path string) (Device, error)

// FrameSink は公開先（最新フレームスロット）
type FrameSink interface {
	Publish(data []byte) uint64
}

// Canceller はキャプチャループが参照するキャンセルフラグ
type Canceller interface {
	Cancelled() bool
}

// Discovery はカメラデバイスの検出機能を提供する
type Discovery interface {
	// ScanDevices はシステム内の利用可能なカメラデバイスをスキャンする
	ScanDevices(ctx context.Context) ([]string, error)

	// IsDeviceAvailable は指定されたデバイスが利用可能かチェックする
	IsDeviceAvailable(ctx context.Context, device string) bool

	// GetDeviceInfo はデバイスの詳細情報を取得する
	GetDeviceInfo(ctx context.Context, device string) (*DeviceInfo, error)
}

// DeviceInfo はカメラデバイスの詳細情報を表す
type DeviceInfo struct {
	Device  string   `json:"device"`   // デバイスパス
	Name    string   `json:"name"`     // デバイス名
	BusInfo string   `json:"bus_info"` // バス情報
	Formats []Format `json:"formats"`  // サポートされるフォーマット
}
