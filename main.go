// Package main はcapvicamの実装です
//
// V4L2デバイスからMJPEGフレームを取得し、生TCPのMJPEGサーバーで配信する。
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"capvicam/internal/camera"
	"capvicam/internal/config"
	"capvicam/internal/frame"
	"capvicam/internal/logging"
	"capvicam/internal/metrics"
	"capvicam/internal/mjpeg"
	"capvicam/internal/server"
	"capvicam/internal/shutdown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// コマンドラインオプション
	var (
		configPath = flag.String("config", "", "設定ファイル (YAML)")
		path       = flag.String("path", "", "デバイスパス (デフォルト: /dev/video0)")
		width      = flag.Int("width", 0, "画像幅 (デフォルト: 640)")
		height     = flag.Int("height", 0, "画像高さ (デフォルト: 480)")
		mjpegFlag  = flag.String("mjpeg", "", "MJPEG配信サーバー (enable|disable)")
		port       = flag.Int("port", 0, "配信ポート (デフォルト: 8000)")
		apiPort    = flag.Int("api-port", 0, "管理APIのポート (指定すると管理APIを有効化)")
		debug      = flag.Bool("debug", false, "デバッグログを出力")
		help       = flag.Bool("help", false, "ヘルプを表示")
	)

	flag.Parse()

	// ヘルプ表示
	if *help {
		fmt.Println("capvicam")
		fmt.Println()
		fmt.Println("使用方法:")
		fmt.Println("  capvicam [オプション]")
		fmt.Println()
		fmt.Println("オプション:")
		flag.PrintDefaults()
		return 0
	}

	// 設定を読み込む
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "設定の読み込みに失敗しました: %v\n", err)
		return 1
	}

	// コマンドラインオプションで設定を上書き
	if *path != "" {
		cfg.Device.Path = *path
	}
	if *width != 0 {
		cfg.Device.Width = *width
	}
	if *height != 0 {
		cfg.Device.Height = *height
	}
	if *mjpegFlag != "" {
		enabled, err := config.ParseSwitch(*mjpegFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "-mjpeg の値が不正です: %v\n", err)
			return 1
		}
		cfg.Stream.Enabled = enabled
	}
	if *port != 0 {
		cfg.Stream.Port = *port
	}
	if *apiPort != 0 {
		cfg.API.Enabled = true
		cfg.API.Port = *apiPort
	}
	if *debug {
		cfg.Log.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "設定が不正です: %v\n", err)
		return 1
	}

	logger, err := logging.New(cfg.Log.Debug, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ロガーの作成に失敗しました: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	sig := shutdown.New()
	stopNotify := sig.NotifyOnSignal(func(s os.Signal, count int) {
		if count == 1 {
			logger.Info("シグナルを受信しました。終了処理を開始します", zap.Stringer("signal", s))
			return
		}
		logger.Warn("再度シグナルを受信したため強制終了します", zap.Stringer("signal", s))
		_ = logger.Sync()
		os.Exit(1)
	}, os.Interrupt, syscall.SIGTERM)
	defer stopNotify()

	return serve(cfg, logger, sig)
}

// serve は各コンポーネントを起動し、終了コードを返す
func serve(cfg *config.Config, logger *zap.Logger, sig *shutdown.Signal) int {
	ctx := sig.Context()
	slot := frame.NewSlot()
	m := metrics.New()

	var g errgroup.Group

	// MJPEG配信サーバー。バインド失敗は配信だけを諦め、キャプチャは続ける
	var stream *mjpeg.Server
	if cfg.Stream.Enabled {
		s, err := mjpeg.Listen(cfg.StreamAddress(), slot, mjpeg.Options{
			PollInterval: cfg.Stream.PollInterval,
			WriteTimeout: cfg.Stream.WriteTimeout,
			MaxSessions:  cfg.Stream.MaxSessions,
			Logger:       logger.Named("mjpeg"),
			Metrics:      m,
		})
		if err != nil {
			logger.Error("MJPEG配信サーバーを起動できませんでした", zap.Error(err))
		} else {
			stream = s
			g.Go(func() error {
				if err := stream.Serve(ctx); err != nil {
					logger.Error("MJPEG配信サーバーが停止しました", zap.Error(err))
				}
				return nil
			})
		}
	}

	svc := camera.NewService(camera.Settings{
		Path:        cfg.Device.Path,
		Width:       cfg.Device.Width,
		Height:      cfg.Device.Height,
		BufferCount: cfg.Device.BufferCount,
		ReadTimeout: cfg.Device.ReadTimeout,
		ReadRetries: cfg.Device.ReadRetries,
	}, camera.OpenV4L2, slot, sig,
		camera.WithLogger(logger.Named("camera")),
		camera.WithMetrics(m),
	)

	// 管理API
	if cfg.API.Enabled {
		deps := server.Deps{
			Camera:  svc,
			Frames:  slot,
			Metrics: m,
			Logger:  logger.Named("api"),
		}
		if stream != nil {
			deps.Streams = stream
		}
		api := server.New(cfg, deps)
		g.Go(func() error {
			if err := api.Start(ctx); err != nil {
				logger.Error("管理APIが停止しました", zap.Error(err))
			}
			return nil
		})
	}

	exitCode := 0
	err := svc.Run()
	switch {
	case err == nil:
		// キャンセルによる正常終了
	case errors.Is(err, camera.ErrFrameReadFailed) && stream != nil && !sig.Cancelled():
		logger.Error("フレームの取得に失敗しました。最後のフレームを配信し続けます（Ctrl+Cで終了）", zap.Error(err))
		<-sig.Done()
		exitCode = 1
	default:
		logger.Error("キャプチャに失敗しました", zap.Error(err), zap.String("stage", camera.Stage(err)))
		exitCode = 1
	}
	sig.Cancel()

	// セッションはキャンセルを協調的に検知する。猶予時間を過ぎたら待たずに終了する
	if stream != nil {
		waitCtx, cancel := context.WithTimeout(context.Background(), cfg.Stream.GracePeriod)
		if err := stream.Wait(waitCtx); err != nil {
			logger.Warn("猶予時間内に終了しなかったセッションがあります", zap.Int("sessions", stream.ActiveSessions()))
		}
		cancel()
	}
	_ = g.Wait()

	logger.Info("終了しました", zap.Int("exit_code", exitCode))
	return exitCode
}
