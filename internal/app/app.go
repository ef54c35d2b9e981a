// Package app wires the service from configuration. Both the Lambda and the
// long-running HTTP entrypoints build on it.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"dialogue-core/handler"
	"dialogue-core/internal/config"
	"dialogue-core/internal/domain"
	"dialogue-core/internal/integrations/auth"
	"dialogue-core/internal/integrations/openai"
	"dialogue-core/internal/integrations/paramstore"
	"dialogue-core/internal/repository"
	"dialogue-core/internal/resilience"
	"dialogue-core/internal/sequencer"
	"dialogue-core/internal/state"
	"dialogue-core/internal/usecase"
)

// App owns the wired service and its background sweepers.
type App struct {
	Handler *handler.Handler

	store  *state.Store
	cancel context.CancelFunc
}

// New builds every collaborator from cfg and starts the idle sweepers.
// Call Close to stop them and drain pending durable writes.
func New(ctx context.Context, cfg *config.Config, awsCfg aws.Config, logger *slog.Logger) (*App, error) {
	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, fmt.Errorf("app: create SSM client: %w", err)
	}

	var backend repository.Backend
	switch cfg.Persistence.Backend {
	case config.BackendMemory:
		logger.Warn("using in-memory persistence; conversations will not survive a restart")
		backend = repository.NewMemory()
	default:
		stateClient, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.Persistence.Table)
		if err != nil {
			return nil, fmt.Errorf("app: create state client: %w", err)
		}
		backend = stateClient
	}

	breaker := cfg.Breaker.Settings()
	authGuard := resilience.NewClient("auth", cfg.Retry.Auth.Policy(), breaker, resilience.WithLogger(logger))
	inferenceGuard := resilience.NewClient("inference", cfg.Retry.Inference.Policy(), breaker, resilience.WithLogger(logger))
	persistenceGuard := resilience.NewClient("persistence", cfg.Retry.Persistence.Policy(), breaker, resilience.WithLogger(logger))

	persistence, err := repository.NewGuarded(backend, persistenceGuard)
	if err != nil {
		return nil, fmt.Errorf("app: create persistence client: %w", err)
	}

	authClient, err := auth.NewClient(cfg.Auth.BaseURL, ssmClient, cfg.ParamPrefix)
	if err != nil {
		return nil, fmt.Errorf("app: create auth client: %w", err)
	}

	openaiClient, err := openai.NewClient(ssmClient, cfg.ParamPrefix,
		openai.WithBaseURL(cfg.Inference.BaseURL),
		openai.WithModel(cfg.Inference.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("app: create OpenAI client: %w", err)
	}

	// ---- Sequencing and state ----
	locks := sequencer.New(sequencer.Config{
		MaxHold: cfg.Lock.MaxHold,
		IdleTTL: cfg.Lock.IdleTTL,
	}, logger)

	store, err := state.New(persistence, locks, state.Config{
		IdleTTL:            cfg.Cache.IdleTTL,
		RefreshAfter:       cfg.Cache.RefreshAfter,
		ReadThrough:        cfg.Cache.ReadThrough,
		BackgroundAttempts: cfg.Durability.BackgroundAttempts,
		BackgroundBackoff:  cfg.Retry.Persistence.Policy(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("app: create conversation store: %w", err)
	}

	// ---- Handler ----
	orchestrator, err := usecase.NewOrchestrator(usecase.Deps{
		Auth:           authClient,
		AuthGuard:      authGuard,
		Inference:      openaiClient,
		InferenceGuard: inferenceGuard,
		Locks:          locks,
		Store:          store,
		Params:         ssmClient,
		Metadata:       persistence,
		Logger:         logger,
	}, usecase.Settings{
		LockMaxWait:    cfg.Lock.MaxWait,
		RequestTimeout: cfg.Request.Timeout,
		MaxUserText:    cfg.Request.MaxUserText,
		Budget: domain.Budget{
			MaxLength: cfg.Context.MaxLength,
			MaxTurns:  cfg.Context.MaxTurns,
		},
		Durability: usecase.DurabilityMode(cfg.Durability.Mode),
		Generation: domain.GenerationParams{
			SystemPrompt: cfg.Inference.SystemPrompt,
			Temperature:  cfg.Inference.Temperature,
			MaxTokens:    cfg.Inference.MaxTokens,
		},
		ParamPrefix: cfg.ParamPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("app: create orchestrator: %w", err)
	}

	h, err := handler.NewHandler(orchestrator)
	if err != nil {
		return nil, fmt.Errorf("app: create handler: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go locks.Run(runCtx, cfg.Cache.SweepInterval)
	go store.Run(runCtx, cfg.Cache.SweepInterval)

	return &App{Handler: h, store: store, cancel: cancel}, nil
}

// Close stops the sweepers and waits for in-flight durable writes until ctx
// is done.
func (a *App) Close(ctx context.Context) error {
	a.cancel()
	return a.store.Close(ctx)
}
