package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"data_gateway/app"
	"data_gateway/config"
	"data_gateway/logger"
	"data_gateway/middleware"
)

func main() {
	log := logger.WithComponent("main")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	logger.Init(cfg.LogLevel, cfg.LogFile)
	log = logger.WithComponent("main")
	log.WithFields(logger.Fields{
		"port":        cfg.Port,
		"environment": cfg.Environment,
		"db_driver":   cfg.DBDriver,
	}).Info("market data gateway starting")

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	gw, err := app.Build(ctx, cfg, nil)
	cancel()
	if err != nil {
		log.WithError(err).Error("startup failed, serving health endpoints only")
		startLimitedServer(cfg.Port)
		return
	}
	gw.Start()

	server := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           gw.Router,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	go func() {
		log.WithField("addr", server.Addr).Info("server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server error")
		}
	}()

	gracefulShutdown(server, gw)
}

// gracefulShutdown handles graceful shutdown of the server
func gracefulShutdown(server *http.Server, gw *app.App) {
	log := logger.WithComponent("main")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Wait for shutdown signal
	sig := <-quit
	log.WithField("signal", sig.String()).Info("shutting down gracefully")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Stop accepting requests before draining workers
	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("server forced to shutdown")
	}
	gw.Shutdown(ctx)

	log.Info("server shutdown completed")
}

// startLimitedServer keeps health checks answering when storage is unavailable
func startLimitedServer(port string) {
	log := logger.WithComponent("main")

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORSMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "limited",
			"sources": []interface{}{},
		})
	})
	router.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "not_ready",
			"message": "Database not connected",
		})
	})

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.WithField("port", port).Info("limited server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server error")
		}
	}()

	<-quit
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Shutdown(ctx)
}
