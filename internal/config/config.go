package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Mode 运行模式，进程启动时确定，之后只读
type Mode string

const (
	ModeRecording Mode = "recording" // 仅记录，不暂停
	ModeDebug     Mode = "debug"     // 拦截暂停，等待控制端恢复
	ModeMockk     Mode = "mockk"     // 自动应用控制端的 mock 规则
)

// Valid 校验模式取值
func (m Mode) Valid() bool {
	switch m {
	case ModeRecording, ModeDebug, ModeMockk:
		return true
	}
	return false
}

// Config 配置文件结构体
type Config struct {
	Version string `yaml:"version"`

	Mode Mode `yaml:"mode"`

	// Control 控制面监听地址（控制端调用 /status /resume /mock-match）
	Control struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"control"`

	// Plugin 控制端监听地址（本进程向其发送 /intercept /mock-match）
	Plugin struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"plugin"`

	// Proxy 演示代理的监听地址
	Proxy struct {
		Listen string `yaml:"listen"`
	} `yaml:"proxy"`

	Sqlite struct {
		Enabled bool   `yaml:"enabled"`
		Dsn     string `yaml:"dsn"`
		Prefix  string `yaml:"prefix"`
	} `yaml:"sqlite"`

	Log struct {
		Level  string   `yaml:"level"`
		Writer []string `yaml:"writer"`
		File   string   `yaml:"file"`
	} `yaml:"log"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	c := &Config{}
	c.Version = "1.0.0"
	c.Mode = ModeRecording
	c.Control.Host = "127.0.0.1"
	c.Control.Port = 9999
	c.Plugin.Host = "127.0.0.1"
	c.Plugin.Port = 8765
	c.Proxy.Listen = "0.0.0.0:8080"
	c.Sqlite.Enabled = false
	c.Sqlite.Dsn = "db.sqlite3"
	c.Sqlite.Prefix = "mockkhttp_"
	c.Log.Level = "debug"
	c.Log.Writer = []string{"console", "file"}
	c.Log.File = "mockkhttp.log"
	return c
}

// Load 读取配置文件并在默认值上覆盖
func Load(path string) (*Config, error) {
	cfg := NewConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if !cfg.Mode.Valid() {
		return nil, fmt.Errorf("invalid mode %q", cfg.Mode)
	}
	return cfg, nil
}
