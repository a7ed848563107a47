// Package main はV4L2デバイスの一覧と対応フォーマットを表示するコマンドです
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"go.uber.org/zap"

	"capvicam/internal/camera"
	"capvicam/internal/logging"
)

func main() {
	// コマンドラインオプション
	var (
		device = flag.String("device", "", "調べるデバイス (デフォルト: /dev/video* をすべて)")
		asJSON = flag.Bool("json", false, "JSONで出力")
		debug  = flag.Bool("debug", false, "デバッグログを出力")
		help   = flag.Bool("help", false, "ヘルプを表示")
	)

	flag.Parse()

	// ヘルプ表示
	if *help {
		fmt.Println("capvicam probe")
		fmt.Println()
		fmt.Println("使用方法:")
		fmt.Println("  probe [オプション]")
		fmt.Println()
		fmt.Println("オプション:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	logger, err := logging.New(*debug, "console")
	if err != nil {
		fmt.Fprintf(os.Stderr, "ロガーの作成に失敗しました: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	discovery := camera.NewLinuxDiscovery(camera.OpenV4L2)

	devices := []string{*device}
	if *device == "" {
		devices, err = discovery.ScanDevices(ctx)
		if err != nil {
			logger.Fatal("デバイスのスキャンに失敗しました", zap.Error(err))
		}
	}
	if len(devices) == 0 {
		logger.Warn("利用可能なデバイスが見つかりませんでした")
		os.Exit(1)
	}

	var infos []*camera.DeviceInfo
	failed := false
	for _, dev := range devices {
		info, err := discovery.GetDeviceInfo(ctx, dev)
		if err != nil {
			// メタデータ専用ノードなど、キャプチャ非対応のデバイスもある
			logger.Warn("デバイス情報を取得できませんでした", zap.String("device", dev), zap.Error(err))
			failed = true
			continue
		}
		infos = append(infos, info)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(infos); err != nil {
			logger.Fatal("JSONの出力に失敗しました", zap.Error(err))
		}
	} else {
		for _, info := range infos {
			printInfo(info)
		}
	}

	if failed && *device != "" {
		os.Exit(1)
	}
}

func printInfo(info *camera.DeviceInfo) {
	fmt.Printf("%s: %s (%s)\n", info.Device, info.Name, info.BusInfo)
	if !info.HasEncodedFormat() {
		fmt.Println("  ※ MJPG/JPEG に対応していないため配信には使えません")
	}
	for _, f := range info.Formats {
		fmt.Printf("  %s  %s\n", f.FourCC, f.Description)
		if len(f.Sizes) > 0 {
			fmt.Printf("      %s\n", strings.Join(f.Sizes, ", "))
		}
	}
}
