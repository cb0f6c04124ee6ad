package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/threatscope/threatscope/internal/apiserver/database"
	"github.com/threatscope/threatscope/internal/apiserver/handler"
	"github.com/threatscope/threatscope/internal/apiserver/middleware"
	"github.com/threatscope/threatscope/internal/auth/jwt"
	"github.com/threatscope/threatscope/internal/common/config"
	"github.com/threatscope/threatscope/internal/notify"
	"github.com/threatscope/threatscope/internal/security/ratelimit"
	"github.com/threatscope/threatscope/pkg/logger"
	"github.com/threatscope/threatscope/pkg/metrics"
	"github.com/threatscope/threatscope/pkg/version"
)

var (
	configPath string

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of notifyd",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("notifyd version %s\n", version.Get())
		},
	}

	rootCmd = &cobra.Command{
		Use:   "notifyd",
		Short: "ThreatScope notification service",
		Long:  `notifyd pushes scan and threat notifications to connected clients over WebSocket`,
		Run: func(cmd *cobra.Command, args []string) {
			run()
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "conf", "", "path to configuration file")
	rootCmd.AddCommand(versionCmd)
}

func getConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if envPath := os.Getenv("NOTIFYD_CONF"); envPath != "" {
		return envPath
	}
	return "configs/config.yaml"
}

func run() {
	cfg, err := config.LoadConfig(getConfigPath())
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.NewLogger(&cfg.Logger)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	zapLogger.Info("Starting notifyd",
		zap.String("version", version.Get()),
		zap.Int("port", cfg.Server.Port))

	db, err := database.NewDatabase(&cfg.Database)
	if err != nil {
		zapLogger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	jwtService, err := jwt.NewService(jwt.Config{
		SecretKey: cfg.Auth.JWT.SecretKey,
		Duration:  cfg.Auth.JWT.Duration,
	})
	if err != nil {
		zapLogger.Fatal("Failed to initialize JWT service", zap.Error(err))
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter, err = ratelimit.NewLimiter(zapLogger, &cfg.RateLimit)
		if err != nil {
			zapLogger.Fatal("Failed to initialize rate limiter", zap.Error(err))
		}
		defer limiter.Close()
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics)
	}

	registry := notify.NewRegistry(zapLogger, &cfg.WebSocket)
	dispatcher := notify.NewDispatcher(zapLogger, registry, m)

	gin.SetMode(cfg.Server.Mode)
	router := gin.New()
	router.Use(gin.Recovery())
	if m != nil {
		router.Use(m.GinMiddleware())
		router.GET(cfg.Metrics.Path, gin.WrapH(m.Handler()))
	}

	wsHandler := handler.NewWebSocketHandler(zapLogger, registry, dispatcher, jwtService, limiter, db, &cfg.WebSocket, m)
	router.GET(cfg.WebSocket.Path, wsHandler.Handle)

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"version":     version.Get(),
			"connections": registry.Count(),
		})
	})

	notifyHandler := handler.NewNotifyHandler(zapLogger, registry, dispatcher, db)
	api := router.Group("/api", middleware.JWTAuthMiddleware(jwtService), middleware.RequireRole("admin"))
	{
		api.POST("/notify", notifyHandler.Dispatch)
		api.GET("/connections", notifyHandler.ListConnections)
		api.GET("/audit", notifyHandler.ListAudit)
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zapLogger.Info("Shutting down notifyd")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		zapLogger.Error("Failed to shutdown server gracefully", zap.Error(err))
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Failed to execute command: %v", err)
	}
}
