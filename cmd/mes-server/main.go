package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"shopfloor-mes/internal/api"
	"shopfloor-mes/internal/config"
	"shopfloor-mes/internal/event"
	"shopfloor-mes/internal/handlers"
	"shopfloor-mes/internal/order"
	"shopfloor-mes/internal/persistence"
	"shopfloor-mes/internal/quality"
	"shopfloor-mes/internal/session"
	"shopfloor-mes/internal/storage"
	"shopfloor-mes/internal/web"
)

// main 是车间生产会话服务的主入口
func main() {
	configPath := flag.String("config", "", "配置文件路径 (默认查找 ./config.yaml)")
	flag.Parse()

	// 1. 初始化日志和配置
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Error("加载配置失败", "error", err)
		os.Exit(1)
	}

	// 2. 存储和会话日志
	store, err := storage.New(cfg.DBPath)
	if err != nil {
		logger.Error("无法打开数据库", "error", err, "path", cfg.DBPath)
		os.Exit(1)
	}
	defer store.Close()

	wal, err := persistence.NewWAL(cfg.JournalPath)
	if err != nil {
		logger.Error("无法初始化会话日志", "error", err, "path", cfg.JournalPath)
		os.Exit(1)
	}
	defer wal.Close()

	reducer, err := order.NewReducer(cfg.CompletionRule)
	if err != nil {
		logger.Error("订单完工规则无效", "error", err, "rule", cfg.CompletionRule)
		os.Exit(1)
	}

	// 3. 事件总线、终端推送
	hub := web.NewHub(logger)
	stateTracker := web.NewStateTracker(hub)
	hub.OnConnect = func(conn *websocket.Conn) {
		if err := conn.WriteJSON(stateTracker.GetStateSnapshot()); err != nil {
			logger.Warn("推送全量状态失败", "error", err)
		}
	}
	eventBus := event.NewBus()
	handlers.RegisterEventHandlers(eventBus, stateTracker, logger)

	// 4. 会话控制器
	registry := session.NewRegistry(cfg.Stations, session.Deps{
		Runs:    store,
		Orders:  order.NewAggregator(store, store, reducer, logger),
		Quality: quality.NewTrigger(qualitySink(cfg, store, logger), nil, logger),
		Journal: wal,
		Bus:     eventBus,
		Logger:  logger,
	})

	states, err := wal.Recover()
	if err != nil {
		logger.Warn("读取会话日志失败", "error", err)
	}
	n, err := registry.Recover(context.Background(), states, store)
	if err != nil {
		logger.Warn("部分会话恢复失败", "error", err)
	}
	for _, snap := range registry.Snapshots() {
		stateTracker.UpdateStation(snap)
	}

	logger.Info("=== 车间生产会话服务启动 ===", "stations", cfg.Stations, "recovered", n, "rule", reducer.Rule())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go hub.Run(done)
	registry.StartClocks(ctx, time.Duration(cfg.TickIntervalMs)*time.Millisecond)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: api.NewServer(registry, store, hub, stateTracker, logger).Handler(),
	}
	go func() {
		logger.Info("API 和 WebSocket 服务器启动", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("API 服务器启动失败", "error", err)
			cancel()
		}
	}()

	// 5. 优雅停机
	waitForShutdown(ctx, logger, cancel, srv)
	close(done)
	hub.Wait()
	registry.Wait()
	eventBus.Wait()
	logger.Info("服务已安全退出")
}

// qualitySink 配置了远程地址时投递到远程质检服务，否则写入本地数据库
func qualitySink(cfg *config.Config, store *storage.Storage, logger *slog.Logger) quality.Sink {
	if cfg.Quality.RemoteEndpoint == "" {
		return store
	}
	timeout := time.Duration(cfg.Quality.TimeoutMs) * time.Millisecond
	logger.Info("质检请求投递到远程服务", "endpoint", cfg.Quality.RemoteEndpoint, "timeout", timeout)
	return quality.NewRemoteSink(cfg.Quality.RemoteEndpoint, timeout, logger)
}

// waitForShutdown 等待系统信号以实现优雅停机
func waitForShutdown(ctx context.Context, logger *slog.Logger, cancel context.CancelFunc, srv *http.Server) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
		logger.Info("接收到停机信号，正在优雅关闭...")
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("关闭 HTTP 服务器失败", "error", err)
	}
}
