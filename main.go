// Code execution service: runs untrusted snippets in hardened,
// short-lived containers and streams their output.

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"coderun/internal/config"
	"coderun/internal/executor"
	"coderun/internal/handlers"
	"coderun/internal/language"
	"coderun/internal/logging"
	"coderun/internal/sandbox"
	"coderun/internal/validator"
	"coderun/internal/ws"
)

func main() {
	_ = godotenv.Load()
	logging.Init()
	defer logging.Sync()
	log := logging.L()

	cfg := config.Load()

	docker, err := client.NewClientWithOpts(
		client.WithHost(cfg.DockerHost),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		log.Fatal("docker client init failed", zap.Error(err))
	}
	defer docker.Close()

	reg := language.NewRegistry()
	mgr := sandbox.NewManager(docker, cfg)
	exec := executor.New(mgr, reg, cfg)
	val := validator.New(mgr, reg)

	reaperCtx, stopReaper := context.WithCancel(context.Background())
	go mgr.RunReaper(reaperCtx)

	router := setupRouter(exec, val, mgr, reg, cfg)
	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		log.Info("listening",
			zap.String("addr", cfg.ListenAddr),
			zap.Int("languages", reg.Len()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	stopReaper()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown", zap.Error(err))
	}
	// Sandboxes do not survive the process.
	mgr.CleanupAll(shutdownCtx)
	log.Info("stopped")
}

func setupRouter(exec *executor.Executor, val *validator.Validator, mgr *sandbox.Manager, reg *language.Registry, cfg *config.Config) *gin.Engine {
	if os.Getenv("ENVIRONMENT") == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), accessLog())

	h := handlers.New(exec, val, mgr, reg, cfg)
	stream := ws.New(exec, mgr)

	r.GET("/health", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	{
		v1.POST("/execute", h.Execute)
		v1.GET("/execute/stream/:session_id", stream.Stream)
		v1.POST("/validate", h.Validate)
		v1.GET("/languages", h.Languages)
		v1.GET("/stats", h.Stats)
		v1.GET("/executions/:id/logs", h.Logs)
		v1.DELETE("/sessions/:id", h.CleanupSession)
	}
	return r
}

// accessLog writes one structured line per request.
func accessLog() gin.HandlerFunc {
	log := logging.L().Named("access")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info(c.Request.Method+" "+c.Request.URL.Path,
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client", c.ClientIP()))
	}
}
