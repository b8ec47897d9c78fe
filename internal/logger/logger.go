package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger 统一的结构化日志接口，键值对成对出现
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
}

// Options 日志初始化选项
type Options struct {
	Level   string   // debug/info/warn/error
	Writers []string // console/file
	File    string   // file writer 的输出路径
}

type zlog struct {
	zl zerolog.Logger
}

// New 根据配置创建 zerolog 实现
func New(opts Options) Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var outs []io.Writer
	for _, w := range opts.Writers {
		switch w {
		case "console":
			outs = append(outs, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
		case "file":
			file := opts.File
			if file == "" {
				file = "mockkhttp.log"
			}
			outs = append(outs, &lumberjack.Logger{
				Filename:   file,
				MaxSize:    50, // MB
				MaxBackups: 3,
				MaxAge:     7, // days
			})
		}
	}
	if len(outs) == 0 {
		outs = append(outs, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(outs...)).Level(level).With().Timestamp().Logger()
	return &zlog{zl: zl}
}

// NewNop 创建空日志实现，用于测试或可选依赖
func NewNop() Logger {
	return &zlog{zl: zerolog.Nop()}
}

func (l *zlog) Debug(msg string, kv ...any) { emit(l.zl.Debug(), msg, kv) }
func (l *zlog) Info(msg string, kv ...any)  { emit(l.zl.Info(), msg, kv) }
func (l *zlog) Warn(msg string, kv ...any)  { emit(l.zl.Warn(), msg, kv) }
func (l *zlog) Error(msg string, kv ...any) { emit(l.zl.Error(), msg, kv) }

func emit(ev *zerolog.Event, msg string, kv []any) {
	for i := 0; i+1 < len(kv); i += 2 {
		ev = ev.Interface(fmt.Sprint(kv[i]), kv[i+1])
	}
	ev.Msg(msg)
}
