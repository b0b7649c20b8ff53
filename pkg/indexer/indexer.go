package indexer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jervisai/jervis/pkg/config"
	"github.com/jervisai/jervis/pkg/events"
	"github.com/jervisai/jervis/pkg/log"
	"github.com/jervisai/jervis/pkg/metrics"
	"github.com/jervisai/jervis/pkg/normalize"
	"github.com/jervisai/jervis/pkg/safety"
	"github.com/jervisai/jervis/pkg/search"
	"github.com/jervisai/jervis/pkg/storage"
	"github.com/jervisai/jervis/pkg/types"
)

// claimBatch is how many NEW artifacts one consumer pulls per cycle.
const claimBatch = 10

// Embedder produces one vector per text using the named model.
type Embedder interface {
	Embed(ctx context.Context, model, text string) ([]float32, error)
}

// ChunkWriter persists embedded chunks into the search store.
type ChunkWriter interface {
	WriteChunks(ctx context.Context, class string, chunks []search.Chunk) error
	DeleteByParent(ctx context.Context, class, parentRef string) error
}

// LinkQualifier gates URLs discovered in artifact bodies. The indexer
// never fetches them; qualification caches unsafe links and raises
// review tasks for uncertain ones before any later scraping.
type LinkQualifier interface {
	Qualify(ctx context.Context, clientID types.ID, rawURL, surrounding string) (safety.Result, error)
}

// Indexer drains the staging store into the search store. It runs one
// consumer goroutine per source collection; consumers only ever read
// staged payloads and never contact source systems, so indexing keeps
// working while a connection is down.
type Indexer struct {
	store    storage.Store
	embedder Embedder
	writer   ChunkWriter
	links    LinkQualifier
	llmCfg   config.LLMConfig
	backoff  time.Duration
	broker   *events.Broker
	logger   zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates an Indexer. links may be nil to skip link qualification.
func New(store storage.Store, embedder Embedder, writer ChunkWriter, links LinkQualifier, llmCfg config.LLMConfig, idxCfg config.IndexerConfig, broker *events.Broker) *Indexer {
	return &Indexer{
		store:    store,
		embedder: embedder,
		writer:   writer,
		links:    links,
		llmCfg:   llmCfg,
		backoff:  idxCfg.EmptyQueueBackoff(),
		broker:   broker,
		logger:   log.WithComponent("indexer"),
		stopCh:   make(chan struct{}),
	}
}

// Start launches one consumer per source collection.
func (ix *Indexer) Start(ctx context.Context) {
	for _, src := range storage.Sources {
		ix.wg.Add(1)
		go ix.consume(ctx, src)
	}
	ix.logger.Info().Int("consumers", len(storage.Sources)).Msg("Indexer started")
}

// Stop terminates the consumers and waits for in-flight artifacts.
func (ix *Indexer) Stop() {
	ix.once.Do(func() { close(ix.stopCh) })
	ix.wg.Wait()
	ix.logger.Info().Msg("Indexer stopped")
}

func (ix *Indexer) consume(ctx context.Context, src storage.Source) {
	defer ix.wg.Done()

	for {
		select {
		case <-ix.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		processed := ix.drainBatch(ctx, src)
		ix.refreshGauges(src)
		if processed > 0 {
			continue
		}

		select {
		case <-time.After(ix.backoff):
		case <-ix.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// drainBatch claims and indexes up to claimBatch artifacts, returning the
// number it actually claimed.
func (ix *Indexer) drainBatch(ctx context.Context, src storage.Source) int {
	items, err := ix.store.FindNew(src, claimBatch)
	if err != nil {
		ix.logger.Error().Err(err).Str("source", string(src)).Msg("Failed to list new artifacts")
		return 0
	}

	processed := 0
	for i := range items {
		select {
		case <-ix.stopCh:
			return processed
		case <-ctx.Done():
			return processed
		default:
		}

		claimed, err := ix.store.CASArtifactState(src, items[i].Meta.ConnectionID, items[i].Meta.SourceKey,
			types.ArtifactStateNew, types.ArtifactStateIndexing)
		if err != nil {
			ix.logger.Error().Err(err).Str("source", string(src)).Msg("Claim failed")
			continue
		}
		if !claimed {
			// Another consumer or a concurrent poll update won the race
			continue
		}
		processed++
		ix.indexOne(ctx, src, items[i])
	}
	return processed
}

// indexOne carries a claimed artifact to INDEXED or FAILED. Failures are
// terminal until the source publishes a newer version; there is no retry.
func (ix *Indexer) indexOne(ctx context.Context, src storage.Source, item storage.StagedItem) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.IndexingDuration.WithLabelValues(string(src)))

	docs, chunks, err := ix.index(ctx, src, item)
	if err != nil {
		metrics.ArtifactsIndexFailed.WithLabelValues(string(src)).Inc()
		if mErr := ix.store.MarkArtifactFailed(src, item.Meta.ConnectionID, item.Meta.SourceKey, err.Error()); mErr != nil {
			ix.logger.Error().Err(mErr).Msg("Failed to record indexing failure")
		}
		ix.publish(events.EventArtifactFailed, src, item, map[string]string{"error": err.Error()})
		ix.logger.Warn().Err(err).
			Str("source", string(src)).
			Str("sourceKey", item.Meta.SourceKey).
			Msg("Indexing failed")
		return
	}

	if err := ix.store.MarkArtifactIndexed(src, item.Meta.ConnectionID, item.Meta.SourceKey, docs, chunks); err != nil {
		ix.logger.Error().Err(err).Msg("Failed to mark artifact indexed")
		return
	}
	metrics.ArtifactsIndexed.WithLabelValues(string(src)).Inc()
	ix.publish(events.EventArtifactIndexed, src, item, map[string]string{
		"documents": fmt.Sprintf("%d", docs),
		"chunks":    fmt.Sprintf("%d", chunks),
	})
	ix.logger.Debug().
		Str("source", string(src)).
		Str("sourceKey", item.Meta.SourceKey).
		Int("documents", docs).
		Int("chunks", chunks).
		Msg("Artifact indexed")
}

func (ix *Indexer) index(ctx context.Context, src storage.Source, item storage.StagedItem) (docCount, chunkCount int, err error) {
	built, err := buildDocs(src, item)
	if err != nil {
		return 0, 0, err
	}

	// An upstream edit resets the artifact to NEW without remembering the
	// old chunk shape, so stale chunks are always cleared before writing.
	if err := ix.writer.DeleteByParent(ctx, built.Class, built.ParentRef); err != nil {
		return 0, 0, fmt.Errorf("delete stale chunks: %w", err)
	}

	model := ix.llmCfg.EmbeddingTextModel
	if built.Class == search.ClassSemanticCode {
		model = ix.llmCfg.EmbeddingCodeModel
	}
	maxTokens := ix.llmCfg.ContextTokens * 9 / 10

	var chunks []search.Chunk
	for _, doc := range built.Docs {
		pieces := normalize.Chunk(doc.Text, maxTokens)
		for i, piece := range pieces {
			vector, err := ix.embedder.Embed(ctx, model, piece)
			if err != nil {
				return 0, 0, fmt.Errorf("embed %s: %w", doc.ID, err)
			}
			chunks = append(chunks, search.Chunk{
				ChunkID:     fmt.Sprintf("%s#%s#%d", built.ParentRef, doc.ID, i),
				Text:        piece,
				Vector:      vector,
				ClientID:    item.Meta.ClientID,
				ProjectID:   item.Meta.ProjectID,
				SourceType:  string(src),
				SourceURI:   built.SourceURI,
				ChunkOf:     doc.ID,
				ParentRef:   built.ParentRef,
				RelatedDocs: doc.RelatedDocs,
				Title:       doc.Title,
				Author:      doc.Author,
				CreatedAt:   doc.CreatedAt,
				Branch:      built.Branch,
				Language:    built.Language,
				Folder:      built.Folder,
				Labels:      built.Labels,
			})
		}
	}

	if err := ix.writer.WriteChunks(ctx, built.Class, chunks); err != nil {
		return 0, 0, err
	}

	// A URL that made it into the index never needs link qualification
	for _, link := range built.Links {
		putErr := ix.store.PutIndexedLink(&types.IndexedLink{
			URL:       link,
			ClientID:  item.Meta.ClientID,
			IndexedAt: time.Now(),
		})
		if putErr != nil {
			ix.logger.Warn().Err(putErr).Str("url", link).Msg("Failed to register indexed link")
		}
	}

	// URLs embedded in body text are classified now so anything unsafe
	// is cached and anything uncertain is already waiting for review by
	// the time a scrape could happen. Failures here never fail indexing.
	if ix.links != nil {
		for _, link := range built.FoundLinks {
			if _, qErr := ix.links.Qualify(ctx, item.Meta.ClientID, link.URL, link.Context); qErr != nil {
				ix.logger.Warn().Err(qErr).Str("url", link.URL).Msg("Link qualification failed")
			}
		}
	}

	return len(built.Docs), len(chunks), nil
}

func (ix *Indexer) publish(t events.EventType, src storage.Source, item storage.StagedItem, extra map[string]string) {
	if ix.broker == nil {
		return
	}
	meta := map[string]string{
		"source":       string(src),
		"connectionId": item.Meta.ConnectionID.String(),
		"sourceKey":    item.Meta.SourceKey,
	}
	for k, v := range extra {
		meta[k] = v
	}
	ix.broker.Publish(events.New(t, fmt.Sprintf("%s %s", t, item.Meta.SourceKey), meta))
}

func (ix *Indexer) refreshGauges(src storage.Source) {
	counts, err := ix.store.CountArtifactsByState(src)
	if err != nil {
		return
	}
	for _, state := range []types.ArtifactState{
		types.ArtifactStateNew, types.ArtifactStateIndexing,
		types.ArtifactStateIndexed, types.ArtifactStateFailed,
	} {
		metrics.ArtifactsByState.WithLabelValues(string(src), string(state)).Set(float64(counts[state]))
	}
}
