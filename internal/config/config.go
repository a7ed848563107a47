package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Device DeviceConfig `yaml:"device"`
	Stream StreamConfig `yaml:"stream"`
	API    APIConfig    `yaml:"api"`
	Log    LogConfig    `yaml:"log"`
}

// DeviceConfig はキャプチャデバイスの設定
type DeviceConfig struct {
	Path        string        `yaml:"path"`         // デバイスパス (例: /dev/video0)
	Width       int           `yaml:"width"`        // 画像幅
	Height      int           `yaml:"height"`       // 画像高さ
	BufferCount int           `yaml:"buffer_count"` // カーネルバッファ数
	ReadTimeout time.Duration `yaml:"read_timeout"` // 1フレーム待ちの上限
	ReadRetries int           `yaml:"read_retries"` // 連続読み取り失敗の許容回数 (0 = 即失敗)
}

// StreamConfig はMJPEG配信サーバーの設定
type StreamConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	PollInterval time.Duration `yaml:"poll_interval"` // 新フレーム確認の間隔
	WriteTimeout time.Duration `yaml:"write_timeout"` // 0 で無効
	MaxSessions  int           `yaml:"max_sessions"`  // 0 で無制限
	GracePeriod  time.Duration `yaml:"grace_period"`  // 終了時にセッションを待つ時間
}

// APIConfig は管理用HTTP APIの設定
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`

	// タイムアウト設定
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"` // ストリーミング用に0（無効）
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Debug  bool   `yaml:"debug"`
	Format string `yaml:"format"` // console または json
}

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Path:        "/dev/video0",
			Width:       640,
			Height:      480,
			BufferCount: 8,
			ReadTimeout: time.Second,
			ReadRetries: 0,
		},
		Stream: StreamConfig{
			Enabled:      false,
			Host:         "0.0.0.0",
			Port:         8000,
			PollInterval: 10 * time.Millisecond,
			WriteTimeout: 0,
			MaxSessions:  0,
			GracePeriod:  2 * time.Second,
		},
		API: APIConfig{
			Enabled:      false,
			Host:         "127.0.0.1",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 0,
		},
		Log: LogConfig{
			Debug:  false,
			Format: "console",
		},
	}
}

// Load は設定を読み込む
// デフォルト値 → YAMLファイル（path が空なら省略）→ 環境変数 の順に上書きする
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("設定ファイルの解析に失敗: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Device.Path = getEnvOrDefault("CAPVICAM_DEVICE", c.Device.Path)
	c.Device.Width = getEnvAsIntOrDefault("CAPVICAM_WIDTH", c.Device.Width)
	c.Device.Height = getEnvAsIntOrDefault("CAPVICAM_HEIGHT", c.Device.Height)
	c.Stream.Enabled = getEnvAsBoolOrDefault("CAPVICAM_MJPEG", c.Stream.Enabled)
	c.Stream.Host = getEnvOrDefault("CAPVICAM_HOST", c.Stream.Host)
	c.Stream.Port = getEnvAsIntOrDefault("CAPVICAM_PORT", c.Stream.Port)
	c.API.Port = getEnvAsIntOrDefault("CAPVICAM_API_PORT", c.API.Port)
	c.Log.Debug = getEnvAsBoolOrDefault("CAPVICAM_DEBUG", c.Log.Debug)
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	// デバイス設定の検証
	if c.Device.Path == "" {
		return errors.New("デバイスパスが空です")
	}
	if c.Device.Width <= 0 || c.Device.Height <= 0 {
		return fmt.Errorf("無効な解像度: %dx%d", c.Device.Width, c.Device.Height)
	}
	if c.Device.BufferCount < 1 || c.Device.BufferCount > 32 {
		return fmt.Errorf("無効なバッファ数: %d", c.Device.BufferCount)
	}
	if c.Device.ReadTimeout <= 0 {
		return fmt.Errorf("無効な読み取りタイムアウト: %s", c.Device.ReadTimeout)
	}
	if c.Device.ReadRetries < 0 {
		return fmt.Errorf("無効なリトライ回数: %d", c.Device.ReadRetries)
	}

	// 配信設定の検証
	if c.Stream.Enabled {
		if c.Stream.Port < 1 || c.Stream.Port > 65535 {
			return fmt.Errorf("無効なポート番号: %d", c.Stream.Port)
		}
	}
	if c.Stream.PollInterval <= 0 {
		return fmt.Errorf("無効なポーリング間隔: %s", c.Stream.PollInterval)
	}
	if c.Stream.WriteTimeout < 0 || c.Stream.GracePeriod < 0 {
		return errors.New("タイムアウトが負の値です")
	}
	if c.Stream.MaxSessions < 0 {
		return fmt.Errorf("無効な最大セッション数: %d", c.Stream.MaxSessions)
	}

	// API設定の検証
	if c.API.Enabled {
		if c.API.Port < 1 || c.API.Port > 65535 {
			return fmt.Errorf("無効なAPIポート番号: %d", c.API.Port)
		}
		if c.Stream.Enabled && c.API.Port == c.Stream.Port && c.API.Host == c.Stream.Host {
			return fmt.Errorf("APIと配信のアドレスが重複しています: %s", c.APIAddress())
		}
	}
	if c.API.ReadTimeout < 0 || c.API.WriteTimeout < 0 {
		return errors.New("APIタイムアウトが負の値です")
	}

	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("未知のログ形式: %q", c.Log.Format)
	}

	return nil
}

// StreamAddress は配信サーバーのリッスンアドレスを返す
func (c *Config) StreamAddress() string {
	return fmt.Sprintf("%s:%d", c.Stream.Host, c.Stream.Port)
}

// APIAddress は管理APIのリッスンアドレスを返す
func (c *Config) APIAddress() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}

// ParseSwitch は enable/disable 形式の値を解釈する
func ParseSwitch(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "enable", "enabled", "on", "true", "1", "yes":
		return true, nil
	case "disable", "disabled", "off", "false", "0", "no":
		return false, nil
	}
	return false, fmt.Errorf("enable または disable を指定してください: %q", value)
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvAsBoolOrDefault は環境変数を真偽値として取得する
func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := ParseSwitch(value); err == nil {
			return b
		}
	}
	return defaultValue
}
