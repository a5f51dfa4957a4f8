package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/koopa0/codebattle/internal"
)

func main() {
	// .env 存在就載入，不存在不算錯
	_ = godotenv.Load()

	// 解析命令行參數（預設值可被環境變數覆蓋）
	var (
		port          = flag.Int("port", envInt("PORT", 8080), "服務器端口")
		logLevel      = flag.String("log-level", envStr("LOG_LEVEL", "info"), "日誌級別 (debug, info, warn, error)")
		logFormat     = flag.String("log-format", envStr("LOG_FORMAT", "text"), "日誌格式 (text, json)")
		publicURL     = flag.String("public-url", envStr("PUBLIC_URL", "http://localhost:8080"), "對外網址（QR code 加入連結用）")
		battleSeconds = flag.Int("battle-seconds", envInt("BATTLE_SECONDS", 60), "對戰時長（秒）")
	)
	flag.Parse()

	// 設置日誌
	logger := setupLogger(*logLevel, *logFormat)

	ctx := context.Background()

	// 題庫：有 DATABASE_URL 就用 PostgreSQL，否則用內建題庫
	var tasks internal.TaskSource
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		repo, err := internal.NewPostgresTaskRepo(ctx, dsn)
		if err != nil {
			logger.Error("連線題庫資料庫失敗", "error", err)
			os.Exit(1)
		}
		defer repo.Close()
		tasks = repo
		logger.Info("使用 PostgreSQL 題庫")
	} else {
		tasks = internal.NewMemoryTaskRepo()
		logger.Info("使用內建題庫")
	}

	// 程式碼執行後端：有 RUNNER_URL 就轉發，否則用 stub
	var runner internal.CodeRunner = internal.StubRunner{}
	if url := os.Getenv("RUNNER_URL"); url != "" {
		runner = internal.NewHTTPRunner(url)
		logger.Info("使用外部程式碼執行服務", "endpoint", url)
	}

	roomCfg := internal.DefaultRoomConfig()
	roomCfg.BattleSeconds = *battleSeconds

	// 組裝
	manager := internal.NewManager(internal.ManagerConfig{
		Room:   roomCfg,
		Tasks:  tasks,
		Runner: runner,
	}, logger)
	hub := internal.NewHub(manager, logger)
	handler := internal.NewHandler(manager, hub, *publicURL, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      handler.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// 啟動服務器
	go func() {
		logger.Info("CodeBattle 服務器啟動",
			"port", *port,
			"battle_seconds", *battleSeconds,
			"log_level", *logLevel)

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("服務器啟動失敗", "error", err)
			os.Exit(1)
		}
	}()

	// 等待中斷信號
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("收到關閉信號，開始優雅關閉...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// 停止接受新連接
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("服務器關閉失敗", "error", err)
	}

	// 停止房間管理器與連線中心
	manager.Stop()
	hub.Stop()

	logger.Info("服務器已關閉")
}

// setupLogger 設置日誌
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: level == "debug",
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
