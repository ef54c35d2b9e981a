package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"dialogue-core/internal/app"
	"dialogue-core/internal/config"
	"dialogue-core/internal/observability"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load(os.Getenv(config.EnvPrefix + "_CONFIG_FILE"))
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	logger := observability.Setup(cfg.Log.Level)

	// Concurrent invocations land in separate execution environments, and a
	// frozen environment runs no background retries. Storage's conditional
	// writes keep ordering; the cache must re-read on every turn.
	if !cfg.Cache.ReadThrough {
		logger.Warn("cache.read_through is off; other execution environments' turns will be missed until cache.refresh_after")
	}
	if cfg.Durability.Mode == config.DurabilityAsynchronous {
		logger.Warn("asynchronous durability under Lambda: pending writes pause while the environment is frozen")
	}

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	a, err := app.New(ctx, cfg, awsCfg, logger)
	if err != nil {
		logger.Error("failed to build service", "err", err)
		os.Exit(1)
	}

	lambda.Start(a.Handler.Handle)
}
