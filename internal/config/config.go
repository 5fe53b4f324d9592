package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/char5742/stickkeys/internal/logging"
	"github.com/char5742/stickkeys/internal/remap"
)

// AppName は設定ディレクトリ名などに使うアプリケーション名
const AppName = "stickkeys"

// 出力バックエンド
const (
	BackendUinput  = "uinput"
	BackendRobotgo = "robotgo"
)

// Config はアプリケーション全体の設定を表す構造体
type Config struct {
	Motion MotionConfig `toml:"motion" json:"motion"`
	Device DeviceConfig `toml:"device" json:"device"`
	Output OutputConfig `toml:"output" json:"output"`
	Log    LogConfig    `toml:"log" json:"log"`
	API    APIConfig    `toml:"api" json:"api"`
}

// MotionConfig は移動量から方向入力への変換設定
type MotionConfig struct {
	Tolerance     int32         `toml:"tolerance" json:"tolerance"`
	RestTolerance int32         `toml:"rest_tolerance" json:"rest_tolerance"`
	MinInterval   time.Duration `toml:"min_interval" json:"min_interval"`
	// 対象デバイスからの入力がこの時間途絶えたら静止サンプルを補う (0で無効)
	IdleRest      time.Duration `toml:"idle_rest" json:"idle_rest"`
}

// DeviceConfig は入力デバイスの設定
type DeviceConfig struct {
	IdentityFile string `toml:"identity_file" json:"identity_file"` // 空の場合は設定ディレクトリの device.ini
	Grab         bool   `toml:"grab" json:"grab"`                   // 対象デバイスを専有してカーソル移動を止める
	InputDir     string `toml:"input_dir" json:"input_dir"`
}

// OutputConfig はキー入力の出力設定
type OutputConfig struct {
	Backend    string `toml:"backend" json:"backend"`
	UinputPath string `toml:"uinput_path" json:"uinput_path"`
	DeviceName string `toml:"device_name" json:"device_name"`
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Level  string `toml:"level" json:"level"`
	Format string `toml:"format" json:"format"`
}

// APIConfig はAPIサーバーの設定
type APIConfig struct {
	Port int `toml:"port" json:"port"`
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() *Config {
	th := remap.DefaultThresholds()
	return &Config{
		Motion: MotionConfig{
			Tolerance:     th.Tolerance,
			RestTolerance: th.RestTolerance,
			MinInterval:   th.MinInterval,
			IdleRest:      200 * time.Millisecond,
		},
		Device: DeviceConfig{
			InputDir: "/dev/input",
		},
		Output: OutputConfig{
			Backend:    BackendUinput,
			UinputPath: "/dev/uinput",
			DeviceName: "stickkeys virtual keyboard",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		API: APIConfig{
			Port: 8080,
		},
	}
}

// Thresholds は変換器に渡すしきい値を返す
func (c *Config) Thresholds() remap.Thresholds {
	return remap.Thresholds{
		Tolerance:     c.Motion.Tolerance,
		RestTolerance: c.Motion.RestTolerance,
		MinInterval:   c.Motion.MinInterval,
	}
}

// IdentityPath はデバイス識別ファイルのパスを返す
func (c *Config) IdentityPath() (string, error) {
	if c.Device.IdentityFile != "" {
		return c.Device.IdentityFile, nil
	}
	dir, err := GetDefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, IdentityFileName), nil
}

// Validate は設定値を検証する
func (c *Config) Validate() error {
	if c.Motion.Tolerance < 0 {
		return fmt.Errorf("motion.tolerance must not be negative: %d", c.Motion.Tolerance)
	}
	if c.Motion.RestTolerance < c.Motion.Tolerance {
		return fmt.Errorf("motion.rest_tolerance (%d) must not be below motion.tolerance (%d)",
			c.Motion.RestTolerance, c.Motion.Tolerance)
	}
	if c.Motion.MinInterval < 0 {
		return fmt.Errorf("motion.min_interval must not be negative: %s", c.Motion.MinInterval)
	}
	if c.Motion.IdleRest < 0 {
		return fmt.Errorf("motion.idle_rest must not be negative: %s", c.Motion.IdleRest)
	}
	switch c.Output.Backend {
	case BackendUinput, BackendRobotgo:
	default:
		return fmt.Errorf("unknown output.backend %q", c.Output.Backend)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.API.Port < 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port out of range: %d", c.API.Port)
	}
	return nil
}

// GetDefaultConfigDir はデフォルトの設定ディレクトリを返す
func GetDefaultConfigDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, AppName), nil
}

// DefaultConfigPath はデフォルトの設定ファイルパスを返す
func DefaultConfigPath() (string, error) {
	dir, err := GetDefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// LoadConfig は設定ファイルから設定を読み込む
func LoadConfig(configPath string) (*Config, error) {
	// デフォルト設定を用意
	config := DefaultConfig()

	// ファイルが存在しない場合はデフォルト設定を保存して返す
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := SaveConfig(configPath, config); err != nil {
			return config, err
		}
		return config, nil
	}

	// 設定ファイルの読み込み
	if _, err := toml.DecodeFile(configPath, config); err != nil {
		return config, fmt.Errorf("設定ファイルの解析に失敗しました: %w", err)
	}

	if err := config.Validate(); err != nil {
		return config, err
	}

	return config, nil
}

// SaveConfig は設定をTOMLファイルに保存する
func SaveConfig(configPath string, config *Config) error {
	// 設定ディレクトリの作成
	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return err
	}

	// ファイルを開く（なければ作成）
	f, err := os.Create(configPath)
	if err != nil {
		return err
	}
	defer f.Close()

	// TOML形式でエンコードして書き込み
	encoder := toml.NewEncoder(f)
	return encoder.Encode(config)
}
