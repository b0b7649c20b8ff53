package search

import (
	"context"
	"fmt"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/weaviate/weaviate-go-client/v4/weaviate"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/filters"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/jervisai/jervis/pkg/log"
	"github.com/jervisai/jervis/pkg/metrics"
	"github.com/jervisai/jervis/pkg/types"
)

// Chunk is one embedded piece of a document headed for the search store.
type Chunk struct {
	// ChunkID is globally unique and stable across reindex runs; the
	// object UUID is derived from it, making writes idempotent.
	ChunkID string
	Text    string
	Vector  []float32

	ClientID   types.ID
	ProjectID  types.ID
	SourceType string
	SourceURI  string
	// ChunkOf names the document this chunk was split from.
	ChunkOf string
	// ParentRef groups every chunk of an artifact for DeleteByParent.
	ParentRef   string
	RelatedDocs []string
	Title       string
	Author      string
	CreatedAt   time.Time

	// Code-specific fields, ignored by SemanticText.
	Branch    string
	Language  string
	LineStart int
	LineEnd   int

	// Text-specific fields.
	Folder string
	Labels string
}

// Writer batch-writes chunks into the search store.
type Writer struct {
	client     *weaviate.Client
	dimensions int
	logger     zerolog.Logger
}

// NewWriter creates a Writer sharing the schema manager's client.
// dimensions is the expected embedding width; zero disables the check.
func NewWriter(client *weaviate.Client, dimensions int) *Writer {
	return &Writer{
		client:     client,
		dimensions: dimensions,
		logger:     log.WithComponent("search.writer"),
	}
}

// WriteChunks batch-writes chunks into class. Object ids are derived
// deterministically from chunk ids, so rewriting the same chunks is an
// overwrite, not a duplication. Vectors of the wrong width are rejected
// before anything goes over the wire; a mismatch means the embedder and
// the index were configured for different models.
func (w *Writer) WriteChunks(ctx context.Context, class string, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	objects := make([]*models.Object, 0, len(chunks))
	for _, chunk := range chunks {
		if w.dimensions > 0 && len(chunk.Vector) != w.dimensions {
			return types.Permanent("search batch write",
				fmt.Errorf("chunk %s: vector has %d dimensions, index expects %d",
					chunk.ChunkID, len(chunk.Vector), w.dimensions))
		}
		objects = append(objects, &models.Object{
			Class:      class,
			ID:         strfmt.UUID(ChunkUUID(chunk.ChunkID)),
			Vector:     models.C11yVector(chunk.Vector),
			Properties: chunkProperties(class, chunk),
		})
	}

	resp, err := w.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return types.Transient("search batch write", err)
	}
	for _, obj := range resp {
		if obj.Result != nil && obj.Result.Errors != nil && len(obj.Result.Errors.Error) > 0 {
			return types.Permanent("search batch write",
				fmt.Errorf("object %s: %s", obj.ID, obj.Result.Errors.Error[0].Message))
		}
	}

	metrics.ChunksWritten.WithLabelValues(class).Add(float64(len(chunks)))
	w.logger.Debug().Str("class", class).Int("chunks", len(chunks)).Msg("Chunks written")
	return nil
}

// DeleteByParent removes every chunk belonging to parentRef, used before
// reindexing an artifact whose chunking may have changed shape.
func (w *Writer) DeleteByParent(ctx context.Context, class, parentRef string) error {
	where := filters.Where().
		WithPath([]string{"parentRef"}).
		WithOperator(filters.Equal).
		WithValueString(parentRef)

	_, err := w.client.Batch().ObjectsBatchDeleter().
		WithClassName(class).
		WithWhere(where).
		Do(ctx)
	if err != nil {
		return types.Transient("search delete by parent", err)
	}
	return nil
}

// ChunkUUID derives the deterministic object id for a chunk id.
func ChunkUUID(chunkID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("jervis:chunk:"+chunkID)).String()
}

func chunkProperties(class string, chunk Chunk) map[string]interface{} {
	props := map[string]interface{}{
		"text":       chunk.Text,
		"clientId":   chunk.ClientID.String(),
		"projectId":  chunk.ProjectID.String(),
		"sourceType": chunk.SourceType,
		"sourceUri":  chunk.SourceURI,
		"chunkId":    chunk.ChunkID,
		"chunkOf":    chunk.ChunkOf,
		"parentRef":  chunk.ParentRef,
		"title":      chunk.Title,
		"author":     chunk.Author,
	}
	if len(chunk.RelatedDocs) > 0 {
		props["relatedDocs"] = chunk.RelatedDocs
	}
	if !chunk.CreatedAt.IsZero() {
		props["createdAt"] = chunk.CreatedAt.Format(time.RFC3339)
	}

	switch class {
	case ClassSemanticCode:
		props["branch"] = chunk.Branch
		props["language"] = chunk.Language
		props["lineStart"] = chunk.LineStart
		props["lineEnd"] = chunk.LineEnd
	case ClassSemanticText:
		props["folder"] = chunk.Folder
		props["labels"] = chunk.Labels
	}
	return props
}
