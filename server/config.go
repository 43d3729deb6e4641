package server

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"snakearena/game"
)

// Config 服务配置：默认值 → YAML 文件 → .env → 环境变量（仅 HOST/PORT）
type Config struct {
	Listen  ListenConfig  `yaml:"-"`
	Session SessionConfig `yaml:"session"`
	Game    game.Config   `yaml:"game"`
	Log     LogConfig     `yaml:"log"`
}

// ListenConfig 只来自环境变量
type ListenConfig struct {
	Host string `env:"HOST" envDefault:"0.0.0.0"`
	Port int    `env:"PORT" envDefault:"8000"`
}

// Addr 监听地址 host:port
func (l ListenConfig) Addr() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}

// SessionConfig 每个会话的 Tick 与输入队列规则
type SessionConfig struct {
	DefaultTickMs int `yaml:"default_tick_ms"`
	MaxTickMs     int `yaml:"max_tick_ms"`
	QueueCapacity int `yaml:"queue_capacity"` // <=0 表示不限
	SendBuffer    int `yaml:"send_buffer"`
}

// LogConfig zap + lumberjack 滚动策略
type LogConfig struct {
	File       string `yaml:"file"`
	Level      string `yaml:"level"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
	Stdout     bool   `yaml:"stdout"`
}

// DefaultConfig 所有字段的默认值
func DefaultConfig() Config {
	return Config{
		Listen: ListenConfig{Host: "0.0.0.0", Port: 8000},
		Session: SessionConfig{
			DefaultTickMs: 100,
			MaxTickMs:     10000,
			QueueCapacity: 64,
			SendBuffer:    64,
		},
		Game: game.DefaultConfig(),
		Log: LogConfig{
			File:       "app.log",
			Level:      "debug",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 7,
			Stdout:     true,
		},
	}
}

// LoadConfig 按层加载配置；path 为空时跳过 YAML 文件
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	// .env 可选，不存在时忽略
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}

	if err := env.Parse(&cfg.Listen); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate 检查取值范围
func (c Config) Validate() error {
	if c.Listen.Port <= 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Listen.Port)
	}
	if c.Session.DefaultTickMs < 1 {
		return fmt.Errorf("default_tick_ms must be positive, got %d", c.Session.DefaultTickMs)
	}
	if c.Session.MaxTickMs < c.Session.DefaultTickMs {
		return fmt.Errorf("max_tick_ms %d below default_tick_ms %d", c.Session.MaxTickMs, c.Session.DefaultTickMs)
	}
	if c.Session.SendBuffer < 1 {
		return fmt.Errorf("send_buffer must be positive, got %d", c.Session.SendBuffer)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	if c.Game.Width < 2 || c.Game.Height < 2 {
		return fmt.Errorf("grid %dx%d too small", c.Game.Width, c.Game.Height)
	}
	return nil
}
