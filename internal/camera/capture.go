package camera

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/blackjack/webcam"
	"golang.org/x/sys/unix"
)

// 優先するエンコード済みフォーマット（先頭ほど優先）
var preferredFormats = []webcam.PixelFormat{
	fourcc("MJPG"),
	fourcc("JPEG"),
}

// V4L2Device は blackjack/webcam を使った Device 実装
type V4L2Device struct {
	cam       *webcam.Webcam
	path      string
	streaming bool
}

// OpenV4L2 はV4L2デバイスを開く
//
// キャプチャ非対応やストリーミングI/O非対応のデバイスはここでエラーになる。
func OpenV4L2(path string) (Device, error) {
	cam, err := webcam.Open(path)
	if err != nil {
		return nil, err
	}
	return &V4L2Device{cam: cam, path: path}, nil
}

// Capability はデバイス情報を取得する
func (d *V4L2Device) Capability() (Capability, error) {
	name, err := d.cam.GetName()
	if err != nil {
		return Capability{}, fmt.Errorf("VIDIOC_QUERYCAP: %w", err)
	}
	bus, err := d.cam.GetBusInfo()
	if err != nil {
		return Capability{}, fmt.Errorf("VIDIOC_QUERYCAP: %w", err)
	}

	// webcam.Open がストリーミング非対応デバイスを拒否するため、ここまで来れば対応済み
	return Capability{Name: name, BusInfo: bus, Streaming: true}, nil
}

// Formats は対応フォーマットの一覧をコード順で返す
func (d *V4L2Device) Formats() []Format {
	supported := d.cam.GetSupportedFormats()

	formats := make([]Format, 0, len(supported))
	for pf, desc := range supported {
		f := Format{
			Code:        uint32(pf),
			FourCC:      fourccString(uint32(pf)),
			Description: desc,
		}
		for _, size := range d.cam.GetSupportedFrameSizes(pf) {
			f.Sizes = append(f.Sizes, size.GetString())
		}
		formats = append(formats, f)
	}

	sort.Slice(formats, func(i, j int) bool {
		return formats[i].Code < formats[j].Code
	})
	return formats
}

// NegotiateFormat はMJPG（なければJPEG）で解像度を設定する
func (d *V4L2Device) NegotiateFormat(width, height int) (Negotiated, error) {
	supported := d.cam.GetSupportedFormats()

	for _, pf := range preferredFormats {
		desc, ok := supported[pf]
		if !ok {
			continue
		}

		got, w, h, err := d.cam.SetImageFormat(pf, uint32(width), uint32(height))
		if err != nil {
			return Negotiated{}, fmt.Errorf("VIDIOC_S_FMT %s %dx%d: %w", fourccString(uint32(pf)), width, height, err)
		}

		return Negotiated{
			Format: Format{Code: uint32(got), FourCC: fourccString(uint32(got)), Description: desc},
			Width:  int(w),
			Height: int(h),
		}, nil
	}

	return Negotiated{}, errors.New("MJPG/JPEG フォーマットに対応していません")
}

// AllocateBuffers はバッファ数を設定する（mmap は Start 時に行われる）
func (d *V4L2Device) AllocateBuffers(count int) error {
	if count <= 0 {
		return fmt.Errorf("無効なバッファ数: %d", count)
	}
	return d.cam.SetBufferCount(uint32(count))
}

// Start はバッファを mmap してストリーミングを開始する
func (d *V4L2Device) Start() error {
	if err := d.cam.StartStreaming(); err != nil {
		return err
	}
	d.streaming = true
	return nil
}

// Stop はストリーミングを停止し、バッファを munmap する
func (d *V4L2Device) Stop() error {
	if !d.streaming {
		return nil
	}
	d.streaming = false
	return d.cam.StopStreaming()
}

// ReadFrame は1フレームを取り出して fn を呼び、バッファをドライバへ返す
func (d *V4L2Device) ReadFrame(timeout time.Duration, fn func(view []byte)) error {
	// WaitForFrame の単位は秒
	secs := uint32(math.Ceil(timeout.Seconds()))
	if secs == 0 {
		secs = 1
	}

	if err := d.cam.WaitForFrame(secs); err != nil {
		var to *webcam.Timeout
		if errors.As(err, &to) {
			return ErrNoFrame
		}
		return fmt.Errorf("poll: %w", err)
	}

	buf, index, err := d.cam.GetFrame()
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return ErrNoFrame
		}
		return fmt.Errorf("VIDIOC_DQBUF: %w", err)
	}

	if len(buf) > 0 {
		fn(buf)
	}

	if err := d.cam.ReleaseFrame(index); err != nil {
		return fmt.Errorf("VIDIOC_QBUF: %w", err)
	}
	if len(buf) == 0 {
		return ErrNoFrame
	}
	return nil
}

// Close はデバイスを閉じる
func (d *V4L2Device) Close() error {
	d.streaming = false
	return d.cam.Close()
}

// Path はデバイスパスを返す
func (d *V4L2Device) Path() string {
	return d.path
}

// fourcc は4文字をV4L2のピクセルフォーマットコードに変換する
func fourcc(s string) webcam.PixelFormat {
	return webcam.PixelFormat(uint32(s[0]) | uint32(s[1])<<8 | uint32(s[2])<<16 | uint32(s[3])<<24)
}

func fourccString(code uint32) string {
	b := []byte{byte(code), byte(code >> 8), byte(code >> 16), byte(code >> 24)}
	return string(b)
}
