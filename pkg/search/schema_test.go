package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/jervisai/jervis/pkg/config"
)

func testWeaviateConfig() config.WeaviateConfig {
	return config.DefaultConfig().Weaviate
}

func TestDesiredClasses(t *testing.T) {
	classes := desiredClasses(testWeaviateConfig())
	require.Len(t, classes, 2)

	byName := map[string]*models.Class{}
	for _, cls := range classes {
		byName[cls.Class] = cls
		assert.Equal(t, "none", cls.Vectorizer)
		assert.Equal(t, "hnsw", cls.VectorIndexType)

		index := cls.VectorIndexConfig.(map[string]interface{})
		assert.Equal(t, "cosine", index["distance"])
		assert.Equal(t, 64, index["ef"])
		assert.Equal(t, 128, index["efConstruction"])
	}

	require.Contains(t, byName, ClassSemanticText)
	require.Contains(t, byName, ClassSemanticCode)

	propNames := func(cls *models.Class) map[string]bool {
		names := map[string]bool{}
		for _, p := range cls.Properties {
			names[p.Name] = true
		}
		return names
	}

	text := propNames(byName[ClassSemanticText])
	for _, name := range []string{"text", "clientId", "sourceType", "sourceUri", "chunkId", "chunkOf", "parentRef", "relatedDocs", "folder"} {
		assert.True(t, text[name], "SemanticText missing %s", name)
	}

	code := propNames(byName[ClassSemanticCode])
	for _, name := range []string{"text", "branch", "language", "lineStart", "lineEnd"} {
		assert.True(t, code[name], "SemanticCode missing %s", name)
	}
}

func TestDiffClass(t *testing.T) {
	desired := desiredClasses(testWeaviateConfig())[0]

	t.Run("identical is compatible", func(t *testing.T) {
		assert.Empty(t, diffClass(desired, desired))
	})

	t.Run("live values from json are compared numerically", func(t *testing.T) {
		live := *desired
		live.VectorIndexConfig = map[string]interface{}{
			"distance":         "cosine",
			"ef":               float64(64),
			"efConstruction":   float64(128),
			"maxConnections":   float64(32),
			"flatSearchCutoff": float64(40000),
		}
		assert.Empty(t, diffClass(desired, &live))
	})

	t.Run("distance change drifts", func(t *testing.T) {
		live := *desired
		live.VectorIndexConfig = map[string]interface{}{
			"distance":         "l2-squared",
			"ef":               64,
			"efConstruction":   128,
			"maxConnections":   32,
			"flatSearchCutoff": 40000,
		}
		reason := diffClass(desired, &live)
		assert.Contains(t, reason, "distance")
	})

	t.Run("missing property named in reason", func(t *testing.T) {
		live := *desired
		var props []*models.Property
		for _, p := range desired.Properties {
			if p.Name != "parentRef" {
				props = append(props, p)
			}
		}
		live.Properties = props
		assert.Contains(t, diffClass(desired, &live), "parentRef")
	})

	t.Run("retyped property drifts", func(t *testing.T) {
		live := *desired
		var props []*models.Property
		for _, p := range desired.Properties {
			if p.Name == "chunkId" {
				props = append(props, &models.Property{Name: "chunkId", DataType: []string{"int"}})
			} else {
				props = append(props, p)
			}
		}
		live.Properties = props
		assert.Contains(t, diffClass(desired, &live), "chunkId")
	})

	t.Run("extra live properties tolerated", func(t *testing.T) {
		live := *desired
		live.Properties = append(append([]*models.Property{}, desired.Properties...),
			&models.Property{Name: "legacyField", DataType: []string{"string"}})
		assert.Empty(t, diffClass(desired, &live))
	})

	t.Run("vectorizer change drifts", func(t *testing.T) {
		live := *desired
		live.Vectorizer = "text2vec-contextionary"
		assert.Contains(t, diffClass(desired, &live), "vectorizer")
	})
}

func TestChunkUUIDDeterministic(t *testing.T) {
	a := ChunkUUID("issue_tracker_items/conn1/PROJ-1#main#0")
	b := ChunkUUID("issue_tracker_items/conn1/PROJ-1#main#0")
	c := ChunkUUID("issue_tracker_items/conn1/PROJ-1#main#1")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 36)
}

func TestChunkProperties(t *testing.T) {
	chunk := Chunk{
		ChunkID:     "k1",
		Text:        "body",
		SourceType:  "issue_tracker_items",
		SourceURI:   "https://tracker/browse/PROJ-1",
		ChunkOf:     "PROJ-1#main",
		ParentRef:   "issue_tracker_items/conn/PROJ-1",
		RelatedDocs: []string{"PROJ-1#comment-0"},
		Branch:      "main",
		Language:    "go",
		LineStart:   10,
		LineEnd:     42,
		Folder:      "INBOX",
	}

	code := chunkProperties(ClassSemanticCode, chunk)
	assert.Equal(t, "main", code["branch"])
	assert.Equal(t, 10, code["lineStart"])
	assert.NotContains(t, code, "folder")

	text := chunkProperties(ClassSemanticText, chunk)
	assert.Equal(t, "INBOX", text["folder"])
	assert.NotContains(t, text, "branch")
	assert.Equal(t, []string{"PROJ-1#comment-0"}, text["relatedDocs"])
}
