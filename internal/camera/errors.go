package camera

import "errors"

// キャプチャ各段階のエラー種別。errors.Is で判定する
var (
	ErrDeviceOpenFailed        = errors.New("デバイスのオープンに失敗")
	ErrCapabilityUnavailable   = errors.New("デバイス情報の取得に失敗")
	ErrStreamingUnsupported    = errors.New("デバイスがストリーミングに未対応")
	ErrFormatNegotiationFailed = errors.New("フォーマットの設定に失敗")
	ErrBufferAllocationFailed  = errors.New("バッファの確保に失敗")
	ErrStreamStartFailed       = errors.New("ストリーミングの開始に失敗")
	ErrFrameReadFailed         = errors.New("フレームの読み取りに失敗")
	ErrStreamStopFailed        = errors.New("ストリーミングの停止に失敗")
	ErrDeviceCloseFailed       = errors.New("デバイスのクローズに失敗")
)

// ErrNoFrame は待ち時間内にフレームが用意されなかったことを示す（失敗ではない）
var ErrNoFrame = errors.New("フレーム未到着")

// Stage はエラーが発生した段階名を返す（メトリクスのラベル用）
func Stage(err error) string {
	switch {
	case errors.Is(err, ErrDeviceOpenFailed):
		return "open"
	case errors.Is(err, ErrCapabilityUnavailable):
		return "capability"
	case errors.Is(err, ErrStreamingUnsupported):
		return "streaming_check"
	case errors.Is(err, ErrFormatNegotiationFailed):
		return "negotiate"
	case errors.Is(err, ErrBufferAllocationFailed):
		return "allocate"
	case errors.Is(err, ErrStreamStartFailed):
		return "start"
	case errors.Is(err, ErrFrameReadFailed):
		return "read"
	case errors.Is(err, ErrStreamStopFailed):
		return "stop"
	case errors.Is(err, ErrDeviceCloseFailed):
		return "close"
	}
	return "unknown"
}
