package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/jervisai/jervis/pkg/api"
	"github.com/jervisai/jervis/pkg/config"
	"github.com/jervisai/jervis/pkg/engine"
	"github.com/jervisai/jervis/pkg/events"
	"github.com/jervisai/jervis/pkg/httpx"
	"github.com/jervisai/jervis/pkg/indexer"
	"github.com/jervisai/jervis/pkg/llm"
	"github.com/jervisai/jervis/pkg/log"
	"github.com/jervisai/jervis/pkg/planner"
	"github.com/jervisai/jervis/pkg/poller"
	"github.com/jervisai/jervis/pkg/ratelimit"
	"github.com/jervisai/jervis/pkg/registry"
	"github.com/jervisai/jervis/pkg/safety"
	"github.com/jervisai/jervis/pkg/search"
	"github.com/jervisai/jervis/pkg/sources"
	"github.com/jervisai/jervis/pkg/storage"
)

const shutdownTimeout = 30 * time.Second

// Supervisor owns every long-running component of the daemon.
type Supervisor struct {
	cfg     *config.Config
	store   *storage.BoltStore
	broker  *events.Broker
	limiter *ratelimit.Limiter
	schema  *search.SchemaManager
	poller  *poller.Poller
	indexer *indexer.Indexer
	engine  *engine.Engine
	api     *api.Server
	logger  zerolog.Logger
}

// New builds the full component graph without starting anything.
func New(cfg *config.Config) (*Supervisor, error) {
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open staging store: %w", err)
	}

	broker := events.NewBroker()
	limiter := ratelimit.New(
		cfg.RateLimit.MaxRequestsPerSecond,
		int(cfg.RateLimit.MaxRequestsPerMinute),
		time.Duration(cfg.RateLimit.IdleTTLMinutes)*time.Minute,
	)
	httpClient := httpx.New(limiter, cfg.Retry.HTTP)
	reg := registry.New(store, httpClient, broker)
	llmClient := llm.New(cfg.LLM.BaseURL, cfg.LLM.MaxConcurrentPerModel)

	schema, err := search.NewSchemaManager(cfg.Weaviate, broker)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("search store client: %w", err)
	}
	writer := search.NewWriter(schema.Client(), cfg.Weaviate.VectorDimensions)

	poll := poller.New(store, reg, cfg.Polling, broker,
		poller.NewIssueHandler(sources.NewIssueTrackerClient(httpClient), store),
		poller.NewWikiHandler(sources.NewWikiClient(httpClient), store),
		poller.NewMailHandler(sources.NewIMAPReader(), sources.NewPOP3Reader(), store),
		poller.NewGitHandler(sources.NewGitRemote(cfg.Git.CloneDir, cfg.Git.Depth), store),
	)

	linkQualifier := safety.NewQualifier(store, llmClient, cfg.Qualifier.Model, broker)
	idx := indexer.New(store, llmClient, writer, linkQualifier, cfg.LLM, cfg.Indexer, broker)

	gateway := planner.New(cfg.Planner)
	taskQualifier := engine.NewLLMQualifier(llmClient, cfg.Qualifier.Model)
	eng := engine.New(store, taskQualifier, gateway, cfg, broker)

	apiServer := api.NewServer(cfg.API.Addr, store, broker, map[string]api.ReadyCheck{
		"search": func(ctx context.Context) (string, error) {
			return "", schema.Ping(ctx)
		},
	})

	return &Supervisor{
		cfg:     cfg,
		store:   store,
		broker:  broker,
		limiter: limiter,
		schema:  schema,
		poller:  poll,
		indexer: idx,
		engine:  eng,
		api:     apiServer,
		logger:  log.WithComponent("supervisor"),
	}, nil
}

// Start verifies the search schema and launches every component. A
// schema the manager cannot reconcile fails startup.
func (s *Supervisor) Start(ctx context.Context) error {
	s.broker.Start()

	if err := s.schema.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("search schema: %w", err)
	}

	if err := s.engine.Start(ctx); err != nil {
		return err
	}
	s.poller.Start(ctx)
	s.indexer.Start(ctx)
	s.api.Start()

	s.logger.Info().Msg("All components started")
	return nil
}

// Stop shuts the components down in reverse dependency order, bounded
// by the shutdown timeout.
func (s *Supervisor) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.api.Stop(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("API shutdown incomplete")
	}
	s.poller.Stop()
	s.indexer.Stop()
	s.engine.Stop()
	s.limiter.Stop()
	s.broker.Stop()

	if err := s.store.Close(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to close staging store")
	}
	s.logger.Info().Msg("Shutdown complete")
}
