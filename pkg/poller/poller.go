package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jervisai/jervis/pkg/config"
	"github.com/jervisai/jervis/pkg/events"
	"github.com/jervisai/jervis/pkg/log"
	"github.com/jervisai/jervis/pkg/metrics"
	"github.com/jervisai/jervis/pkg/registry"
	"github.com/jervisai/jervis/pkg/storage"
	"github.com/jervisai/jervis/pkg/types"
)

// Result counts what one poll did.
type Result struct {
	Discovered int
	Created    int
	Skipped    int
	Errors     int
}

func (r Result) add(other Result) Result {
	r.Discovered += other.Discovered
	r.Created += other.Created
	r.Skipped += other.Skipped
	r.Errors += other.Errors
	return r
}

// Scope is the client/project context a connection is polled under.
type Scope struct {
	Client  *types.Client
	Project *types.Project
	Filter  *types.ConnectionFilter
}

// Handler is one per-protocol polling strategy. Handlers write full
// content to the staging store and never touch the search store.
type Handler interface {
	Name() string
	CanHandle(conn *types.Connection) bool
	Poll(ctx context.Context, conn *types.Connection, scope Scope) (Result, error)
}

// Poller is the central ingest loop: every iteration it walks the
// enabled connections, resolves the owning client, and dispatches due
// connections to their handler under bounded concurrency.
type Poller struct {
	store    storage.Store
	registry *registry.Registry
	handlers []Handler
	cfg      config.PollingConfig
	broker   *events.Broker
	logger   zerolog.Logger

	mu       sync.Mutex
	lastPoll map[types.ID]time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates a Poller with the given handlers.
func New(store storage.Store, reg *registry.Registry, cfg config.PollingConfig, broker *events.Broker, handlers ...Handler) *Poller {
	return &Poller{
		store:    store,
		registry: reg,
		handlers: handlers,
		cfg:      cfg,
		broker:   broker,
		logger:   log.WithComponent("poller"),
		lastPoll: make(map[types.ID]time.Time),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the polling loop. The startup delay gives source
// systems and the local model server time to come up after boot.
func (p *Poller) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.run(ctx)
}

// Stop terminates the loop and waits for in-flight polls.
func (p *Poller) Stop() {
	p.once.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()

	select {
	case <-time.After(p.cfg.StartupDelay()):
	case <-p.stopCh:
		return
	case <-ctx.Done():
		return
	}

	p.logger.Info().Dur("interval", p.cfg.BaseInterval()).Msg("Poller started")
	ticker := time.NewTicker(p.cfg.BaseInterval())
	defer ticker.Stop()

	p.runOnce(ctx)
	for {
		select {
		case <-p.stopCh:
			p.logger.Info().Msg("Poller stopped")
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.runOnce(ctx)
		}
	}
}

// runOnce performs one poller iteration.
func (p *Poller) runOnce(ctx context.Context) {
	metrics.PollCyclesTotal.Inc()

	conns, err := p.store.ListEnabledConnections()
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to list connections")
		return
	}
	clients, err := p.store.ListClients()
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to list clients")
		return
	}
	projects, err := p.store.ListProjects()
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to list projects")
		return
	}

	maxPolls := p.cfg.MaxConcurrentPolls
	if maxPolls < 1 {
		maxPolls = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxPolls)

	for _, conn := range conns {
		conn := conn
		if !conn.Usable() {
			p.logger.Debug().Str("connection", conn.Name).Str("state", string(conn.State)).
				Msg("Skipping unusable connection")
			continue
		}

		scope, ok := resolveScope(conn, clients, projects)
		if !ok {
			p.logger.Debug().Str("connection", conn.Name).
				Msg("Connection not referenced by any client, skipping")
			continue
		}

		handler := p.handlerFor(conn)
		if handler == nil {
			p.logger.Warn().Str("connection", conn.Name).Str("kind", string(conn.Kind)).
				Msg("No handler for connection")
			continue
		}

		if !p.due(conn) {
			continue
		}
		p.markPolled(conn.ID)

		g.Go(func() error {
			p.pollOne(gctx, handler, conn, scope)
			return nil
		})
	}

	g.Wait()
}

func (p *Poller) pollOne(ctx context.Context, handler Handler, conn *types.Connection, scope Scope) {
	timer := metrics.NewTimer()
	logger := log.WithConnection(conn)

	result, err := handler.Poll(ctx, conn, scope)
	timer.ObserveDuration(metrics.PollDuration.WithLabelValues(handler.Name()))

	outcome := "ok"
	if err != nil {
		outcome = "error"
		if types.IsAuth(err) {
			outcome = "auth_error"
			if mErr := p.registry.MarkInvalid(conn.ID, err.Error()); mErr != nil {
				logger.Error().Err(mErr).Msg("Failed to mark connection invalid")
			}
		}
		logger.Warn().Err(err).Str("handler", handler.Name()).Msg("Poll failed")
	}
	metrics.PollsTotal.WithLabelValues(handler.Name(), outcome).Inc()

	if result.Created > 0 && p.broker != nil {
		p.broker.Publish(events.New(events.EventArtifactStaged,
			fmt.Sprintf("Staged %d artifacts from %s", result.Created, conn.Name),
			map[string]string{
				"connectionId": conn.ID.String(),
				"handler":      handler.Name(),
				"created":      fmt.Sprintf("%d", result.Created),
				"skipped":      fmt.Sprintf("%d", result.Skipped),
			}))
	}

	logger.Debug().
		Str("handler", handler.Name()).
		Int("discovered", result.Discovered).
		Int("created", result.Created).
		Int("skipped", result.Skipped).
		Int("errors", result.Errors).
		Msg("Poll complete")
}

func (p *Poller) handlerFor(conn *types.Connection) Handler {
	for _, h := range p.handlers {
		if h.CanHandle(conn) {
			return h
		}
	}
	return nil
}

// due checks the per-protocol cadence against the last dispatch time.
func (p *Poller) due(conn *types.Connection) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	last, ok := p.lastPoll[conn.ID]
	if !ok {
		return true
	}
	return time.Since(last) >= p.intervalFor(conn.Kind)
}

func (p *Poller) markPolled(id types.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastPoll[id] = time.Now()
}

// intervalFor returns the per-protocol poll cadence. Mailboxes poll
// tighter than HTTP APIs: mail is the latency-sensitive source.
func (p *Poller) intervalFor(kind types.ConnectionKind) time.Duration {
	ms := 0
	switch kind {
	case types.ConnectionKindHTTP:
		ms = p.cfg.HTTPIntervalMs
	case types.ConnectionKindIMAP:
		ms = p.cfg.IMAPIntervalMs
	case types.ConnectionKindPOP3:
		ms = p.cfg.POP3IntervalMs
	case types.ConnectionKindOAuth2:
		ms = p.cfg.OAuth2IntervalMs
	}
	if ms <= 0 {
		switch kind {
		case types.ConnectionKindIMAP:
			return time.Minute
		case types.ConnectionKindPOP3:
			return 2 * time.Minute
		default:
			return 5 * time.Minute
		}
	}
	return time.Duration(ms) * time.Millisecond
}

// resolveScope finds the client (and optionally project) that references
// the connection. A connection nobody references is not polled.
func resolveScope(conn *types.Connection, clients []*types.Client, projects []*types.Project) (Scope, bool) {
	for _, project := range projects {
		if containsID(project.ConnectionIDs, conn.ID) {
			client := clientByID(clients, project.ClientID)
			if client == nil {
				continue
			}
			return Scope{
				Client:  client,
				Project: project,
				Filter:  types.EffectiveFilter(client, project, conn.ID),
			}, true
		}
	}
	for _, client := range clients {
		if containsID(client.ConnectionIDs, conn.ID) {
			return Scope{
				Client: client,
				Filter: types.EffectiveFilter(client, nil, conn.ID),
			}, true
		}
	}
	return Scope{}, false
}

func clientByID(clients []*types.Client, id types.ID) *types.Client {
	for _, c := range clients {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func containsID(ids []types.ID, id types.ID) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
