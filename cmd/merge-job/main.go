package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/synaptica-ai/theranorm/pkg/common/config"
	"github.com/synaptica-ai/theranorm/pkg/common/kafka"
	"github.com/synaptica-ai/theranorm/pkg/common/logger"
	"github.com/synaptica-ai/theranorm/pkg/merge"
	"github.com/synaptica-ai/theranorm/pkg/storage"
)

// merge-job rebuilds the normalized layer: it drops all merged records,
// re-derives concept groups from every identity record, and publishes a
// completion event.
func main() {
	logger.Init()
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		logger.Log.Info("Shutting down merge job...")
		cancel()
	}()

	store, err := storage.Open(ctx, cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to open record store")
	}
	defer store.Close()

	producer := kafka.NewProducer(cfg.KafkaTopic)
	defer producer.Close()

	logger.Log.Info("Deleting existing merged records")
	if err := store.DeleteNormalizedConcepts(ctx); err != nil {
		logger.Log.WithError(err).Fatal("Failed to delete merged records")
	}

	conceptIDs, err := store.GetAllConceptIDs(ctx)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to list concept IDs")
	}

	merger := merge.New(store)
	if err := merger.CreateMergedConcepts(ctx, conceptIDs); err != nil {
		logger.Log.WithError(err).Fatal("Merge pass failed")
	}

	err = producer.PublishEvent(ctx, "merge-completed", "merge-job", map[string]interface{}{
		"seed_count": len(conceptIDs),
	})
	if err != nil {
		logger.Log.WithError(err).Warning("Failed to publish merge completion event")
	}

	logger.Log.Info("Merge job finished")
}
