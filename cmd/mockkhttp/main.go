package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mockkhttp/internal/config"
	"mockkhttp/internal/control"
	"mockkhttp/internal/engine"
	"mockkhttp/internal/interceptor"
	"mockkhttp/internal/logger"
	"mockkhttp/internal/plugin"
	"mockkhttp/internal/registry"
	"mockkhttp/internal/storage"
)

func main() {
	var (
		configPath = flag.String("config", "", "配置文件路径")
		mode       = flag.String("mode", "", "覆盖配置中的运行模式 (recording/debug/mockk)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		os.Stderr.WriteString("load config: " + err.Error() + "\n")
		os.Exit(1)
	}
	if *mode != "" {
		cfg.Mode = config.Mode(*mode)
		if !cfg.Mode.Valid() {
			os.Stderr.WriteString("invalid mode: " + *mode + "\n")
			os.Exit(1)
		}
	}

	log := logger.New(logger.Options{
		Level:   cfg.Log.Level,
		Writers: cfg.Log.Writer,
		File:    cfg.Log.File,
	})

	log.Info("mockkhttp 启动",
		"mode", string(cfg.Mode),
		"controlPort", cfg.Control.Port,
		"pluginClientPort", cfg.Plugin.Port,
	)

	var rec *storage.Recorder
	if cfg.Sqlite.Enabled {
		rec, err = storage.Open(cfg.Sqlite.Dsn, cfg.Sqlite.Prefix, log)
		if err != nil {
			log.Error("打开流量记录失败，继续运行", "error", err)
			rec = nil
		}
	}

	cli := plugin.New(plugin.Config{
		Host:   cfg.Plugin.Host,
		Port:   cfg.Plugin.Port,
		Logger: log,
	})
	reg := registry.New(log)

	coord := interceptor.New(interceptor.Options{
		Mode:     cfg.Mode,
		Registry: reg,
		Client:   cli,
		Recorder: rec,
		Logger:   log,
	})

	ctl := control.New(control.Config{
		Host:             cfg.Control.Host,
		Port:             cfg.Control.Port,
		Mode:             cfg.Mode,
		PluginClientPort: cfg.Plugin.Port,
	}, reg, cli, log)
	if err := ctl.Start(); err != nil {
		// 端口被占用时控制面降级：debug 的恢复通道不可用，
		// recording/mockk 不受影响
		log.Warn("控制面启动失败，进程继续运行", "error", err)
		ctl = nil
	}

	proxy := engine.New(coord, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- proxy.Start(cfg.Proxy.Listen)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			log.Error("代理服务异常退出", "error", err)
		}
	}

	log.Info("mockkhttp 退出中")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	proxy.Shutdown(shutdownCtx)
	if ctl != nil {
		ctl.Shutdown(shutdownCtx)
	}
	cli.Close()
	if rec != nil {
		rec.Close()
	}
}
