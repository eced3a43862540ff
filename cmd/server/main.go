package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/GoDePIN/orchgate/internal/config"
	"github.com/GoDePIN/orchgate/internal/coordinator"
	"github.com/GoDePIN/orchgate/internal/handler"
	"github.com/GoDePIN/orchgate/internal/middleware"
	"github.com/GoDePIN/orchgate/internal/model"
	"github.com/GoDePIN/orchgate/internal/monitor"
	"github.com/GoDePIN/orchgate/internal/optimizer"
	"github.com/GoDePIN/orchgate/internal/pkg/logger"
	"github.com/GoDePIN/orchgate/internal/protocol"
	"github.com/GoDePIN/orchgate/internal/realloc"
	"github.com/GoDePIN/orchgate/internal/repository"
	"github.com/GoDePIN/orchgate/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.Init(cfg.Log.Level)

	if cfg.API.Workers > 0 {
		runtime.GOMAXPROCS(cfg.API.Workers)
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// 2. Initialize Persistence
	db, err := repository.NewDB(cfg.Store.URL, cfg.Store.MaxConnections)
	if err != nil {
		// The API cannot authenticate without the key table.
		log.Fatalf("Failed to connect to store (store.url): %v", err)
	}
	logger.Info("connected to PostgreSQL")
	metricsRepo := repository.NewPostgresMetricsRepo(db)
	reallocRepo := repository.NewPostgresReallocRepo(db, cfg.Store.MaxRealloc)
	alertRepo := repository.NewPostgresAlertRepo(db, cfg.Store.MaxAlerts)
	keyRepo := repository.NewPostgresApiKeyRepo(db)

	// 3. Build the adapters and coordinator
	coord := coordinator.New(coordinator.Config{
		MaxHistory:  cfg.Coordinator.MaxHistory,
		PollTimeout: time.Duration(cfg.Coordinator.PollTimeoutSecs) * time.Second,
		PoolCapacity: coordinator.PoolCapacity{
			MemoryMB:      cfg.Coordinator.MemoryMB,
			BandwidthMbps: cfg.Coordinator.BandwidthMbps,
			StorageGB:     cfg.Coordinator.StorageGB,
		},
	})
	for name, protoCfg := range cfg.Protocols {
		adapter, err := protocol.New(name, protoCfg)
		if err != nil {
			log.Fatalf("Failed to build adapter %s: %v", name, err)
		}
		if err := coord.Register(adapter); err != nil {
			log.Fatalf("Failed to register adapter %s: %v", name, err)
		}
	}

	// 4. Core services
	var changeStore realloc.ChangeStore = reallocRepo
	// Mirror recent changes to Redis when configured (best-effort).
	if cfg.Redis.Addr != "" {
		if redisClient, err := repository.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB); err == nil {
			logger.Info("connected to Redis")
			changeStore = repository.NewRedisChangeMirror(redisClient, reallocRepo, cfg.Redis.ChangesKey, cfg.Redis.ChangesMax)
		} else {
			logger.Error("failed to connect to Redis, mirror disabled", "error", err)
		}
	}

	engine := realloc.New(realloc.Config{
		MinHoldDuration: cfg.Reallocation.MinHoldDuration(),
		MaxPerHour:      cfg.Reallocation.MaxPerHour,
		AutoRollback:    cfg.Reallocation.AutoRollback,
	}, coord.Adapters(), changeStore)

	mon := monitor.New(monitor.Config{
		LowEarningsThreshold:  cfg.Monitor.LowEarningsThreshold,
		OptimizationThreshold: cfg.Monitor.OptimizationThreshold,
		ConnectionTimeout:     cfg.Monitor.ConnectionTimeout(),
		MaxAlerts:             cfg.Monitor.MaxAlerts,
	}, engine, alertRepo)
	engine.SetAlertSink(mon)

	opt := optimizer.New(optimizer.Config{
		MinImprovementThreshold: cfg.Optimizer.MinImprovementThreshold,
		MinImprovementPercent:   cfg.Optimizer.MinImprovementPercent,
		MaxAllocationChange:     cfg.Optimizer.MaxAllocationChange,
		AnalysisWindow:          time.Duration(cfg.Optimizer.AnalysisWindowHours) * time.Hour,
		MinSamples:              cfg.Optimizer.MinSamples,
	})

	orch := service.NewOrchestrator(service.SchedulerConfig{
		PollInterval:   time.Duration(cfg.Scheduler.PollIntervalSecs) * time.Second,
		AutoReallocate: cfg.Scheduler.AutoReallocate,
		RetentionDays:  cfg.Store.RetentionDays,
	}, coord, opt, engine, mon, metricsRepo, reallocRepo, alertRepo)

	keyManager := service.NewKeyManager(keyRepo)

	// 5. Connect adapters and start the background loops
	coord.ConnectAll(rootCtx)
	go orch.Run(rootCtx)

	// 6. Handlers
	systemHandler := handler.NewSystemHandler(orch)
	metricsHandler := handler.NewMetricsHandler(orch)
	allocationHandler := handler.NewAllocationHandler(orch, reallocRepo)
	dashboardHandler := handler.NewDashboardHandler(orch)
	alertsHandler := handler.NewAlertsHandler(orch)
	adminHandler := handler.NewAdminHandler(keyManager)
	protocolsHandler := handler.NewProtocolsHandler(orch)
	reportsHandler := handler.NewReportsHandler(orch)
	wsHandler := handler.NewWsHandler(orch, rootCtx)

	// 7. Router
	r := gin.Default()
	r.Use(middleware.ErrorHandler())
	r.Use(middleware.MetricsMiddleware())

	r.GET(cfg.API.PrometheusPath, gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	v1.GET("/health", systemHandler.Health)
	v1.GET("/status", systemHandler.Status)

	protected := v1.Group("")
	protected.Use(middleware.AuthMiddleware(keyManager))
	protected.Use(middleware.RateLimitMiddleware(keyManager))
	{
		read := middleware.RequirePermission(model.PermRead)
		write := middleware.RequirePermission(model.PermWrite)
		admin := middleware.RequirePermission(model.PermAdmin)

		protected.GET("/metrics", read, metricsHandler.GetMetrics)
		protected.GET("/metrics/history", read, metricsHandler.GetMetricsHistory)
		protected.GET("/opportunities", read, allocationHandler.GetOpportunities)
		protected.GET("/allocation", read, allocationHandler.GetAllocation)
		protected.POST("/reallocate", write, allocationHandler.Reallocate)
		protected.GET("/reallocation/history", read, allocationHandler.GetReallocationHistory)
		protected.GET("/dashboard", read, dashboardHandler.GetDashboard)
		protected.GET("/alerts", read, alertsHandler.GetAlerts)
		protected.POST("/alerts/acknowledge", write, alertsHandler.AcknowledgeAlert)
		protected.GET("/protocols", read, protocolsHandler.ListProtocols)
		protected.GET("/protocols/:name", read, protocolsHandler.GetProtocol)
		protected.GET("/reports", read, reportsHandler.GetReport)

		protected.POST("/admin/keys", admin, adminHandler.CreateKey)
		protected.GET("/admin/keys", admin, adminHandler.ListKeys)
		protected.GET("/admin/keys/:id", admin, adminHandler.GetKey)
		protected.PUT("/admin/keys/:id", admin, adminHandler.UpdateKey)
		protected.DELETE("/admin/keys/:id",
			middleware.RequirePermission(model.PermAdmin, model.PermDelete),
			adminHandler.DeleteKey)
	}

	// The WebSocket upgrade authenticates and consumes one rate-limit slot;
	// frames afterwards are free.
	r.GET("/ws",
		middleware.AuthMiddleware(keyManager),
		middleware.RateLimitMiddleware(keyManager),
		wsHandler.Serve)

	// 8. Start Server with Graceful Shutdown
	srv := &http.Server{
		Addr:        cfg.API.Host + ":" + cfg.API.Port,
		Handler:     r,
		ReadTimeout: time.Duration(cfg.API.RequestTimeout) * time.Second,
	}

	go func() {
		logger.Info("orchgate started", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server listen failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server...")

	// Cancelling the root context stops the scheduler and tells every
	// WebSocket session to close within its grace period.
	rootCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown: ", err)
	}

	coord.DisconnectAll(context.Background())
	logger.Info("server exiting")
}
