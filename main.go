package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"quantsim/config"
	"quantsim/i18n"
	"quantsim/logger"
	"quantsim/storage"
	"quantsim/utils"
)

// Version 版本号
var Version = "1.2.0"

func main() {
	configPath := flag.String("config", "config.yaml", "配置文件路径")
	mode := flag.String("mode", "run", "运行模式: run | sweep | serve | fetch")
	watch := flag.Bool("watch", false, "监控配置文件，变更后重新执行（run/sweep）")
	debug := flag.Bool("debug", false, "输出调试日志并开启 pprof")
	showVersion := flag.Bool("version", false, "显示版本号")
	flag.Parse()

	if *showVersion {
		fmt.Printf("QuantSim Backtest Engine\n")
		fmt.Printf("Version: %s\n", Version)
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("[FATAL] 加载配置失败: %v", err)
	}
	if *debug {
		cfg.System.LogLevel = "DEBUG"
	}

	logStorage := setupLogging(cfg)
	defer func() {
		logger.Close()
		if logStorage != nil {
			if err := logStorage.Close(); err != nil {
				log.Printf("[WARN] 关闭日志存储失败: %v", err)
			}
		}
	}()

	logger.Info("🚀 QuantSim 回测引擎启动...")
	logger.Info("📦 版本号: %s, 模式: %s", Version, *mode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logStorage, *debug)
	if err != nil {
		logger.Fatalf("❌ 初始化失败: %v", err)
	}
	defer a.Close()

	switch *mode {
	case "run":
		err = a.repeat(ctx, *configPath, *watch, a.runBacktest)
	case "sweep":
		err = a.repeat(ctx, *configPath, *watch, a.runSweep)
	case "fetch":
		err = a.fetch(ctx)
	case "serve":
		err = a.serve(ctx)
	default:
		err = fmt.Errorf("未知运行模式: %s", *mode)
	}

	if err != nil && ctx.Err() == nil {
		logger.Error("❌ 执行失败: %v", err)
		a.Close()
		logger.Close()
		os.Exit(1)
	}
	logger.Info("✅ 程序已退出")
}

// setupLogging 按配置设置时区、级别、文件日志与日志库
func setupLogging(cfg *config.Config) *storage.LogStorage {
	if err := utils.SetLocation(cfg.System.Timezone); err != nil {
		log.Printf("[WARN] 加载时区 %s 失败: %v，使用默认时区", cfg.System.Timezone, err)
	}
	logger.SetLocation(utils.GlobalLocation)

	logLevel := logger.ParseLogLevel(cfg.System.LogLevel)
	logger.SetLevel(logLevel)

	if cfg.System.LogDir != "" {
		if err := logger.EnableFileLog(cfg.System.LogDir); err != nil {
			log.Printf("[WARN] 启用文件日志失败: %v", err)
		}
	}

	if err := i18n.Init(cfg.System.LogLanguage); err != nil {
		log.Printf("[WARN] 初始化 i18n 失败: %v，将使用默认语言", err)
	}

	if cfg.Storage.LogPath == "" {
		return nil
	}
	logStorage, err := storage.NewLogStorage(cfg.Storage.LogPath)
	if err != nil {
		log.Printf("[WARN] 初始化日志存储失败: %v，将继续运行但不保存日志到数据库", err)
		return nil
	}
	logger.InitLogStorage(func(level, message string) {
		logStorage.WriteLog(level, message)
	})
	logger.Info("日志级别设置为: %s, 日志库: %s", logLevel.String(), cfg.Storage.LogPath)
	return logStorage
}
