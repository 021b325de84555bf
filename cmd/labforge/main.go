package main

import (
	"context"
	"log"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/labforge/labforge/internal/api"
	"github.com/labforge/labforge/internal/bundle"
	"github.com/labforge/labforge/internal/config"
	"github.com/labforge/labforge/internal/engine"
	"github.com/labforge/labforge/internal/state"
	"github.com/labforge/labforge/internal/store"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("labforge: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"state_bucket", cfg.StateBucket,
	)

	if cfg.StateBucket == "" {
		log.Fatal("LABFORGE_STATE_BUCKET must be set")
	}

	creds := config.LoadCredentials()

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	ctx := context.Background()

	s3Client, err := newS3Client(ctx, creds)
	if err != nil {
		log.Fatalf("failed to configure S3 client: %v", err)
	}

	locator := state.NewLocator(s3Client, cfg.StateBucket, creds.AWSRegion, logger)
	if err := locator.EnsureBucket(ctx); err != nil {
		log.Fatalf("failed to ensure state bucket: %v", err)
	}

	registry := engine.NewRegistry(logger)
	executor := engine.NewTerraformExecutor(
		cfg.TerraformPath, cfg.WorkDirRoot, cfg.StatePrefix,
		locator, registry, creds, logger,
	)

	eng := engine.NewEngine(db, executor, registry, bundle.NewS3Storage(s3Client), logger, engine.Options{
		MaxConcurrentRuns: cfg.MaxConcurrentRuns,
		LogFlushInterval:  cfg.LogFlushInterval,
		TerminateGrace:    cfg.TerminateGrace,
	})

	sweepCtx, stopSweep := context.WithCancel(ctx)
	sweeper := engine.NewSweeper(db, eng, cfg.SweepInterval, logger)
	go sweeper.Run(sweepCtx)

	srv := api.NewServer(cfg.ListenAddr, db, eng, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}

	// Let in-flight runs record their terminal state before exiting.
	stopSweep()
	eng.Wait()
}

// newS3Client builds an S3 client from the configured static credentials,
// falling back to the SDK's default chain when none are set.
func newS3Client(ctx context.Context, creds config.Credentials) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(creds.AWSRegion),
	}
	if creds.AWSAccessKeyID != "" && creds.AWSSecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.AWSAccessKeyID, creds.AWSSecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(awsCfg), nil
}
