package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/TakundaMabukwa/fuel-server-sub000/internal/api/feed"
	"github.com/TakundaMabukwa/fuel-server-sub000/internal/api/handlers"
	"github.com/TakundaMabukwa/fuel-server-sub000/internal/api/mqtt"
	"github.com/TakundaMabukwa/fuel-server-sub000/internal/config"
	"github.com/TakundaMabukwa/fuel-server-sub000/internal/repository"
	"github.com/TakundaMabukwa/fuel-server-sub000/internal/service"
	"github.com/TakundaMabukwa/fuel-server-sub000/internal/snapshot"
	"github.com/TakundaMabukwa/fuel-server-sub000/internal/store"
	"github.com/TakundaMabukwa/fuel-server-sub000/pkg/ws"
)

func main() {
	configPath := pflag.String("config", "", "YAML config file (defaults to $CONFIG_FILE)")
	envFile := pflag.String("env-file", "", "env file to load before reading the environment (defaults to ./.env)")
	pflag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger := initLogger(cfg.Debug, cfg.LogLevel)
	defer logger.Sync()

	logger.Info("Starting fuel server",
		zap.String("port", cfg.ServerPort),
		zap.String("feed", cfg.FeedSource))

	// 收到退出信号时取消
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 本地持久化存储，打开失败无法继续
	st, err := store.Open(ctx, store.Config{
		Path:      cfg.LocalStorePath,
		PoolSize:  cfg.LocalStorePool,
		Retention: cfg.HistoryRetention,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal("Failed to open local store", zap.Error(err))
	}
	defer st.Close()

	// 远程账本，不可用时写入在发件箱中排队
	var (
		ledger       service.Ledger
		ledgerReader handlers.LedgerReader
	)
	if cfg.DatabaseURL != "" {
		l := repository.NewLedger(ctx, cfg.DatabaseURL, logger)
		defer l.Close()
		ledger, ledgerReader = l, l
	} else {
		logger.Warn("DATABASE_URL not set, ledger writes stay in the local outbox")
	}

	// 实时油量快照
	var (
		snapshots service.SnapshotSource
		sink      service.SnapshotSink
	)
	if cfg.RedisAddr != "" {
		cache, err := snapshot.New(ctx, snapshot.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			logger.Warn("Snapshot cache unavailable", zap.Error(err))
		} else {
			defer cache.Close()
			go cache.Run(ctx)
			snapshots, sink = cache, cache
		}
	}

	// 创建 WebSocket Hub
	wsHub := ws.NewHub(logger)
	go wsHub.Run(ctx)

	// 创建油量服务
	fuelService := service.NewFuelService(cfg, logger, st, ledger, snapshots, sink, wsHub, nil)
	wsHub.SetInitDataProvider(func() *ws.InitData {
		return &ws.InitData{Vehicles: fuelService.AllLive()}
	})
	fuelService.Start(ctx)

	// 按车辆分片处理读数
	dispatcher := service.NewDispatcher(fuelService, cfg.Workers, cfg.WorkerQueueSize, logger)
	dispatchDone := make(chan struct{})
	go func() {
		dispatcher.Run(ctx)
		close(dispatchDone)
	}()

	// 遥测数据源
	waitFeed, err := startFeed(ctx, cfg, logger, dispatcher)
	if err != nil {
		logger.Fatal("Failed to start telemetry feed", zap.Error(err))
	}

	// 创建 HTTP 处理器
	handler := handlers.NewHandler(logger, fuelService, ledgerReader, dispatcher, wsHub, cfg.FillCombineWindow)

	// 设置 Gin 模式
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	// 创建路由
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	// 注册路由
	handler.RegisterRoutes(router)

	// 启动 HTTP 服务器
	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("Server started", zap.String("addr", server.Addr))

	// 等待退出信号
	<-ctx.Done()
	logger.Info("Shutting down server...")

	// 优雅关闭: 先停止所有入口，再处理完队列中的读数
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	waitFeed()

	dispatcher.Close()
	<-dispatchDone

	fuelService.Stop()
	if err := fuelService.Sweep(shutdownCtx); err != nil {
		logger.Warn("Final sweep failed", zap.Error(err))
	}

	logger.Info("Server exited")
}

// startFeed 按配置启动遥测数据源，返回的函数等待数据源停止
func startFeed(ctx context.Context, cfg *config.Config, logger *zap.Logger, dispatcher *service.Dispatcher) (func(), error) {
	switch cfg.FeedSource {
	case "mqtt":
		client, err := mqtt.NewClient(cfg.MQTTURL, logger)
		if err != nil {
			return nil, err
		}
		if err := client.Subscribe(ctx, cfg.MQTTTopic, dispatcher.Submit); err != nil {
			client.Disconnect()
			return nil, err
		}
		return client.Disconnect, nil

	case "websocket":
		client := feed.NewClient(logger, cfg.FeedURL, cfg.FeedToken)
		client.SetCallbacks(feed.Callbacks{
			OnReading: dispatcher.Submit,
			OnDisconnect: func(err error) {
				logger.Debug("Telemetry feed disconnected", zap.Error(err))
			},
		})
		done := make(chan struct{})
		go func() {
			defer close(done)
			client.Run(ctx)
		}()
		return func() { <-done }, nil

	default:
		logger.Info("No push feed configured, accepting readings on POST /api/readings")
		return func() {}, nil
	}
}

// initLogger 初始化日志
func initLogger(debug bool, level string) *zap.Logger {
	var config zap.Config
	if debug {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
	}

	if level != "" {
		if lvl, err := zapcore.ParseLevel(level); err == nil {
			config.Level = zap.NewAtomicLevelAt(lvl)
		}
	}

	logger, _ := config.Build()
	return logger
}

// corsMiddleware CORS 中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
