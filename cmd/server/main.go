package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/Brownie44l1/foodfocus/internal/config"
	"github.com/Brownie44l1/foodfocus/internal/handlers"
	"github.com/Brownie44l1/foodfocus/internal/inference"
	"github.com/Brownie44l1/foodfocus/internal/store"
)

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cfg
}

// requestTimeout bounds the context of every request.
func requestTimeout(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("[Server] Failed to load .env: %v", err)
	}

	cfg, err := config.LoadServer()
	if err != nil {
		log.Fatalf("[Server] Invalid configuration: %v", err)
	}

	ctx := context.Background()
	artifacts, err := store.Open(ctx, store.Options{
		Backend:    cfg.ArtifactBackend,
		Dir:        cfg.ArtifactDir,
		S3Bucket:   cfg.S3Bucket,
		S3Prefix:   cfg.S3Prefix,
		S3Region:   cfg.S3Region,
		S3Endpoint: cfg.S3Endpoint,
	})
	if err != nil {
		log.Fatalf("[Server] Failed to open artifact store: %v", err)
	}

	log.Printf("[Server] Loading model %s from %s store", cfg.ArtifactKey, cfg.ArtifactBackend)
	service, err := inference.Load(ctx, artifacts, cfg.ArtifactKey, cfg.ONNXRuntimeLib)
	if err != nil {
		log.Fatalf("[Server] Failed to load model: %v", err)
	}
	defer service.Close()

	router := gin.Default()
	router.MaxMultipartMemory = cfg.MaxUploadBytes
	router.Use(cors.New(corsConfig(cfg.AllowedOrigins)))
	router.Use(requestTimeout(cfg.RequestTimeout))
	handlers.NewHandler(service, cfg.MaxUploadBytes).Register(router)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		log.Printf("[Server] Listening on :%s with %d labels", cfg.Port, len(service.Labels()))
		log.Println("[Server] Endpoints:")
		log.Println("[Server]   GET  /health        - Health check")
		log.Println("[Server]   POST /api/recognize - Recognize food from an image upload")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		if err != nil {
			log.Fatalf("[Server] Server error: %v", err)
		}
	case sig := <-quit:
		log.Printf("[Server] Received signal: %v", sig)
	}

	log.Println("[Server] Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Server] Shutdown error: %v", err)
	}
	log.Println("[Server] Stopped")
}
