package search

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/weaviate/weaviate-go-client/v4/weaviate"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/jervisai/jervis/pkg/config"
	"github.com/jervisai/jervis/pkg/events"
	"github.com/jervisai/jervis/pkg/log"
)

// Search store class names.
const (
	ClassSemanticText = "SemanticText"
	ClassSemanticCode = "SemanticCode"
)

// SchemaManager reconciles the search store's schema with the desired
// class definitions on startup. Vectors are always supplied externally,
// so both classes run with vectorizer "none".
type SchemaManager struct {
	client *weaviate.Client
	cfg    config.WeaviateConfig
	broker *events.Broker
	logger zerolog.Logger
}

// NewSchemaManager creates a SchemaManager against the configured store.
func NewSchemaManager(cfg config.WeaviateConfig, broker *events.Broker) (*SchemaManager, error) {
	client, err := weaviate.NewClient(weaviate.Config{
		Host:   cfg.Host,
		Scheme: cfg.Scheme,
	})
	if err != nil {
		return nil, fmt.Errorf("weaviate client: %w", err)
	}
	return &SchemaManager{
		client: client,
		cfg:    cfg,
		broker: broker,
		logger: log.WithComponent("search.schema"),
	}, nil
}

// Client exposes the underlying store client for the writer.
func (m *SchemaManager) Client() *weaviate.Client { return m.client }

// Ping reports whether the search store answers its readiness probe.
func (m *SchemaManager) Ping(ctx context.Context) error {
	ready, err := m.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return fmt.Errorf("search store ready check: %w", err)
	}
	if !ready {
		return fmt.Errorf("search store not ready")
	}
	return nil
}

// EnsureSchema compares the live schema against the desired one. Missing
// classes are created; a drifted class is dropped and recreated when auto
// migration is enabled (after an abortable countdown), otherwise startup
// fails naming the drifted property or parameter.
func (m *SchemaManager) EnsureSchema(ctx context.Context) error {
	live, err := m.client.Schema().Getter().Do(ctx)
	if err != nil {
		return fmt.Errorf("read live schema: %w", err)
	}

	liveByName := make(map[string]*models.Class)
	for _, cls := range live.Classes {
		liveByName[cls.Class] = cls
	}

	var drifted []*models.Class
	var driftReasons []string
	var missing []*models.Class
	for _, desired := range desiredClasses(m.cfg) {
		current, ok := liveByName[desired.Class]
		if !ok {
			missing = append(missing, desired)
			continue
		}
		if reason := diffClass(desired, current); reason != "" {
			drifted = append(drifted, desired)
			driftReasons = append(driftReasons, fmt.Sprintf("%s: %s", desired.Class, reason))
		}
	}

	if len(drifted) > 0 {
		if !m.cfg.AutoMigrate.Enabled {
			return fmt.Errorf("search schema is incompatible and autoMigrate is disabled: %v", driftReasons)
		}
		if err := m.migrate(ctx, drifted, driftReasons); err != nil {
			return err
		}
	}

	for _, cls := range missing {
		m.logger.Info().Str("class", cls.Class).Msg("Creating search class")
		if err := m.client.Schema().ClassCreator().WithClass(cls).Do(ctx); err != nil {
			return fmt.Errorf("create class %s: %w", cls.Class, err)
		}
	}
	return nil
}

// migrate drops and recreates drifted classes after the configured
// countdown. The countdown exists so an operator can abort before the
// index is destroyed; cancelling the context aborts the migration.
func (m *SchemaManager) migrate(ctx context.Context, classes []*models.Class, reasons []string) error {
	countdown := time.Duration(m.cfg.AutoMigrate.CountdownSeconds) * time.Second

	m.logger.Warn().
		Strs("reasons", reasons).
		Dur("countdown", countdown).
		Msg("Schema drift detected, dropping and recreating classes after countdown")
	if m.broker != nil {
		m.broker.Publish(events.New(events.EventSchemaMigration,
			fmt.Sprintf("Recreating %d search classes in %s", len(classes), countdown),
			map[string]string{"reasons": fmt.Sprintf("%v", reasons)}))
	}

	remaining := countdown
	for remaining > 0 {
		step := 5 * time.Second
		if remaining < step {
			step = remaining
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("schema migration aborted: %w", ctx.Err())
		case <-time.After(step):
			remaining -= step
			if remaining > 0 {
				m.logger.Warn().Dur("remaining", remaining).Msg("Schema migration countdown")
			}
		}
	}

	for _, cls := range classes {
		if err := m.client.Schema().ClassDeleter().WithClassName(cls.Class).Do(ctx); err != nil {
			return fmt.Errorf("drop class %s: %w", cls.Class, err)
		}
		if err := m.client.Schema().ClassCreator().WithClass(cls).Do(ctx); err != nil {
			return fmt.Errorf("recreate class %s: %w", cls.Class, err)
		}
		m.logger.Info().Str("class", cls.Class).Msg("Class recreated")
	}
	return nil
}

// desiredClasses builds the full class definitions from config.
func desiredClasses(cfg config.WeaviateConfig) []*models.Class {
	shared := []*models.Property{
		textProp("text"),
		stringProp("clientId"),
		stringProp("projectId"),
		stringProp("sourceType"),
		stringProp("sourceUri"),
		stringProp("chunkId"),
		stringProp("chunkOf"),
		stringProp("parentRef"),
		{Name: "relatedDocs", DataType: []string{"string[]"}},
		stringProp("title"),
		stringProp("author"),
		{Name: "createdAt", DataType: []string{"date"}},
	}

	textProps := append([]*models.Property{}, shared...)
	textProps = append(textProps,
		stringProp("folder"),
		stringProp("labels"),
	)

	codeProps := append([]*models.Property{}, shared...)
	codeProps = append(codeProps,
		stringProp("branch"),
		stringProp("language"),
		&models.Property{Name: "lineStart", DataType: []string{"int"}},
		&models.Property{Name: "lineEnd", DataType: []string{"int"}},
	)

	return []*models.Class{
		{
			Class:             ClassSemanticText,
			Vectorizer:        "none",
			VectorIndexType:   "hnsw",
			VectorIndexConfig: hnswConfig(cfg),
			Properties:        textProps,
		},
		{
			Class:             ClassSemanticCode,
			Vectorizer:        "none",
			VectorIndexType:   "hnsw",
			VectorIndexConfig: hnswConfig(cfg),
			Properties:        codeProps,
		},
	}
}

func hnswConfig(cfg config.WeaviateConfig) map[string]interface{} {
	return map[string]interface{}{
		"distance":         "cosine",
		"ef":               cfg.EF,
		"efConstruction":   cfg.EFConstruction,
		"maxConnections":   cfg.MaxConnections,
		"flatSearchCutoff": cfg.FlatSearchCutoff,
	}
}

// diffClass reports why a live class is incompatible with the desired
// definition, or "" when it is compatible. Extra live properties are
// tolerated; missing or retyped ones are not.
func diffClass(desired, live *models.Class) string {
	if live.Vectorizer != desired.Vectorizer {
		return fmt.Sprintf("vectorizer is %q, want %q", live.Vectorizer, desired.Vectorizer)
	}
	if live.VectorIndexType != desired.VectorIndexType {
		return fmt.Sprintf("vector index type is %q, want %q", live.VectorIndexType, desired.VectorIndexType)
	}

	liveIndex, _ := live.VectorIndexConfig.(map[string]interface{})
	for key, want := range desired.VectorIndexConfig.(map[string]interface{}) {
		got, ok := liveIndex[key]
		if !ok {
			return fmt.Sprintf("vector index parameter %s missing", key)
		}
		if !numEqual(got, want) {
			return fmt.Sprintf("vector index parameter %s is %v, want %v", key, got, want)
		}
	}

	liveProps := make(map[string]*models.Property, len(live.Properties))
	for _, p := range live.Properties {
		liveProps[p.Name] = p
	}
	for _, want := range desired.Properties {
		got, ok := liveProps[want.Name]
		if !ok {
			return fmt.Sprintf("property %s missing", want.Name)
		}
		if len(got.DataType) == 0 || len(want.DataType) == 0 || got.DataType[0] != want.DataType[0] {
			return fmt.Sprintf("property %s has type %v, want %v", want.Name, got.DataType, want.DataType)
		}
	}
	return ""
}

// numEqual compares config values where the live side comes back from
// JSON as float64 or json.Number-ish strings.
func numEqual(got, want interface{}) bool {
	if fmt.Sprintf("%v", got) == fmt.Sprintf("%v", want) {
		return true
	}
	gf, gok := toFloat(got)
	wf, wok := toFloat(want)
	return gok && wok && gf == wf
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}

func stringProp(name string) *models.Property {
	return &models.Property{Name: name, DataType: []string{"string"}}
}

func textProp(name string) *models.Property {
	return &models.Property{Name: name, DataType: []string{"text"}}
}
