package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/synaptica-ai/theranorm/pkg/common/config"
	"github.com/synaptica-ai/theranorm/pkg/common/database"
	"github.com/synaptica-ai/theranorm/pkg/common/logger"
	"github.com/synaptica-ai/theranorm/pkg/common/middleware"
	"github.com/synaptica-ai/theranorm/pkg/query"
	"github.com/synaptica-ai/theranorm/pkg/storage"
)

func main() {
	logger.Init()
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.Open(ctx, cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to open record store")
	}
	defer store.Close()

	if !store.CheckSchemaInitialized(ctx) {
		logger.Log.Fatal("Record store schema is not initialized")
	}
	if !store.CheckTablesPopulated(ctx) {
		logger.Log.Warn("Record store tables are not fully populated")
	}

	cache := query.NewResponseCache(database.GetRedis(), cfg.ResponseCacheTTL)
	defer database.CloseRedis()

	handler := query.NewHandler(query.NewQueryHandler(store), cache)

	router := mux.NewRouter()
	router.Use(middleware.Recovery, middleware.Logging)
	router.HandleFunc("/health", healthCheck).Methods("GET")
	handler.Register(router.PathPrefix("/therapy").Subrouter())

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host": cfg.ServerHost,
			"port": cfg.ServerPort,
		}).Info("Normalizer Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Normalizer Service...")
	cancel()

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(ctxShutdown); err != nil {
		logger.Log.WithError(err).Error("Server forced to shutdown")
	}

	logger.Log.Info("Normalizer Service stopped")
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy"}`))
}
