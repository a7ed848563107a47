package camera

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var deviceNumberPattern = regexp.MustCompile(`video(\d+)$`)

// LinuxDiscovery はLinux環境でのカメラデバイス検出を実装する
type LinuxDiscovery struct {
	pattern string
	open    Opener
}

// NewLinuxDiscovery は新しいLinuxDiscoveryを作成する
// open が nil の場合は OpenV4L2 を使う
func NewLinuxDiscovery(open Opener) *LinuxDiscovery {
	if open == nil {
		open = OpenV4L2
	}
	return &LinuxDiscovery{pattern: "/dev/video*", open: open}
}

// ScanDevices はシステム内の利用可能なカメラデバイスをスキャンする
func (d *LinuxDiscovery) ScanDevices(ctx context.Context) ([]string, error) {
	var devices []string

	// /dev/video* パターンでデバイスを検索
	matches, err := filepath.Glob(d.pattern)
	if err != nil {
		return nil, fmt.Errorf("デバイスのスキャンに失敗: %w", err)
	}

	// デバイス番号でソート（video10 が video2 より前に来ないように）
	sort.Slice(matches, func(i, j int) bool {
		return extractDeviceNumber(matches[i]) < extractDeviceNumber(matches[j])
	})

	for _, match := range matches {
		// コンテキストのキャンセルをチェック
		select {
		case <-ctx.Done():
			return devices, ctx.Err()
		default:
		}

		if d.IsDeviceAvailable(ctx, match) {
			devices = append(devices, match)
		}
	}

	return devices, nil
}

// IsDeviceAvailable は指定されたデバイスが利用可能かチェックする
func (d *LinuxDiscovery) IsDeviceAvailable(_ context.Context, device string) bool {
	if !isVideoDeviceName(device) {
		return false
	}

	// デバイスファイルの読み取り権限チェック
	file, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return false
	}
	_ = file.Close()
	return true
}

// GetDeviceInfo はデバイスを開いて詳細情報を取得する
func (d *LinuxDiscovery) GetDeviceInfo(ctx context.Context, device string) (*DeviceInfo, error) {
	if !d.IsDeviceAvailable(ctx, device) {
		return nil, fmt.Errorf("デバイスが利用できません: %s", device)
	}

	dev, err := d.open(device)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDeviceOpenFailed, device, err)
	}
	defer func() {
		_ = dev.Close()
	}()

	info := &DeviceInfo{Device: device}

	capability, err := dev.Capability()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCapabilityUnavailable, err)
	}
	info.Name = capability.Name
	info.BusInfo = capability.BusInfo
	info.Formats = dev.Formats()

	// 名前が取れない場合はデバイス番号から生成
	if strings.TrimSpace(info.Name) == "" {
		info.Name = fmt.Sprintf("カメラ %d", extractDeviceNumber(device))
	}

	return info, nil
}

// HasEncodedFormat はMJPG/JPEGを提供するデバイスかどうかを返す
func (info *DeviceInfo) HasEncodedFormat() bool {
	for _, f := range info.Formats {
		if f.FourCC == "MJPG" || f.FourCC == "JPEG" {
			return true
		}
	}
	return false
}

// isVideoDeviceName は videoN 形式のデバイス名かチェックする
func isVideoDeviceName(device string) bool {
	return deviceNumberPattern.MatchString(filepath.Base(device))
}

// extractDeviceNumber はデバイスパスから番号を抽出する
func extractDeviceNumber(device string) int {
	// /dev/videoXX から XX を抽出
	matches := deviceNumberPattern.FindStringSubmatch(device)
	if len(matches) < 2 {
		return 0
	}

	num, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0
	}

	return num
}
