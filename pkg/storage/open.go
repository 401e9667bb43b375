package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/synaptica-ai/theranorm/pkg/common/config"
	"github.com/synaptica-ai/theranorm/pkg/common/logger"
)

// Open selects a backend from configuration: a postgres DSN in
// THERAPY_DB_URL routes to the relational store, anything else to DynamoDB at
// the configured endpoint.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	if strings.HasPrefix(cfg.DatabaseURL, "postgres://") || strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
		logger.Log.WithField("backend", "postgres").Info("Opening record store")
		return NewPostgresStore(cfg.DatabaseURL)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInitialization, err)
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.DynamoEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.DynamoEndpoint)
		}
	})

	logger.Log.WithFields(map[string]interface{}{
		"backend": "dynamodb",
		"table":   cfg.DynamoTable,
	}).Info("Opening record store")
	return NewDynamoStore(ctx, client, cfg.DynamoTable)
}
