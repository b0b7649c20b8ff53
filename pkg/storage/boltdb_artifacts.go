package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jervisai/jervis/pkg/types"
)

func sourceBucket(src Source) []byte {
	return []byte(src)
}

func artifactKey(connID types.ID, sourceKey string) []byte {
	return []byte(string(connID) + "/" + sourceKey)
}

// UpsertIfNewer inserts the artifact if (connectionId, sourceKey) is absent.
// If a row exists and the incoming externalUpdatedAt is strictly newer, the
// payload is replaced and state resets to NEW; the stored id and createdAt
// survive so the artifact keeps its identity across upstream edits.
// Otherwise the call is a no-op.
func (s *BoltStore) UpsertIfNewer(src Source, artifact types.Artifact) (UpsertOutcome, error) {
	meta := artifact.Meta()
	if meta.ConnectionID.IsZero() || meta.SourceKey == "" {
		return UpsertSkipped, fmt.Errorf("artifact missing connectionId or sourceKey")
	}

	outcome := UpsertSkipped
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sourceBucket(src))
		if b == nil {
			return fmt.Errorf("unknown source collection %q", src)
		}

		key := artifactKey(meta.ConnectionID, meta.SourceKey)
		existing := b.Get(key)
		if existing == nil {
			if meta.ID.IsZero() {
				meta.ID = types.NewID()
			}
			if meta.CreatedAt.IsZero() {
				meta.CreatedAt = time.Now().UTC()
			}
			meta.State = types.ArtifactStateNew
			outcome = UpsertCreated
		} else {
			var stored types.ArtifactMeta
			if err := json.Unmarshal(existing, &stored); err != nil {
				return fmt.Errorf("corrupt artifact %s: %w", key, err)
			}
			if !meta.ExternalUpdatedAt.After(stored.ExternalUpdatedAt) {
				outcome = UpsertSkipped
				return nil
			}
			// Upstream edit: replace payload, keep identity, reset lifecycle.
			meta.ID = stored.ID
			meta.CreatedAt = stored.CreatedAt
			meta.State = types.ArtifactStateNew
			meta.LastIndexedAt = nil
			meta.IndexingError = ""
			meta.DocumentCount = 0
			meta.ChunkCount = 0
			outcome = UpsertUpdated
		}

		data, err := json.Marshal(artifact)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
	if err != nil {
		return UpsertSkipped, err
	}
	return outcome, nil
}

func (s *BoltStore) GetArtifact(src Source, connID types.ID, sourceKey string) (*StagedItem, error) {
	var item StagedItem
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(sourceBucket(src))
		if b == nil {
			return fmt.Errorf("unknown source collection %q", src)
		}
		key := artifactKey(connID, sourceKey)
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("artifact %s/%s: %w", connID, sourceKey, ErrNotFound)
		}
		if err := json.Unmarshal(data, &item.Meta); err != nil {
			return err
		}
		item.Key = string(key)
		item.Data = append([]byte(nil), data...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// FindNew streams NEW artifacts ordered by externalUpdatedAt ascending so
// an old backlog drains fairly before fresher items.
func (s *BoltStore) FindNew(src Source, limit int) ([]StagedItem, error) {
	var items []StagedItem
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(sourceBucket(src))
		if b == nil {
			return fmt.Errorf("unknown source collection %q", src)
		}
		return b.ForEach(func(k, v []byte) error {
			var meta types.ArtifactMeta
			if err := json.Unmarshal(v, &meta); err != nil {
				return err
			}
			if meta.State != types.ArtifactStateNew {
				return nil
			}
			items = append(items, StagedItem{
				Key:  string(k),
				Meta: meta,
				Data: append([]byte(nil), v...),
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].Meta.ExternalUpdatedAt.Before(items[j].Meta.ExternalUpdatedAt)
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// CASArtifactState transitions state from -> to atomically. Returns false
// without error when the row moved under us, so racing workers simply
// skip the item.
func (s *BoltStore) CASArtifactState(src Source, connID types.ID, sourceKey string, from, to types.ArtifactState) (bool, error) {
	swapped := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sourceBucket(src))
		if b == nil {
			return fmt.Errorf("unknown source collection %q", src)
		}
		key := artifactKey(connID, sourceKey)
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("artifact %s/%s: %w", connID, sourceKey, ErrNotFound)
		}

		var doc map[string]json.RawMessage
		if err := json.Unmarshal(data, &doc); err != nil {
			return err
		}
		var state types.ArtifactState
		if raw, ok := doc["state"]; ok {
			if err := json.Unmarshal(raw, &state); err != nil {
				return err
			}
		}
		if state != from {
			return nil
		}

		newState, err := json.Marshal(to)
		if err != nil {
			return err
		}
		doc["state"] = newState

		updated, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		if err := b.Put(key, updated); err != nil {
			return err
		}
		swapped = true
		return nil
	})
	return swapped, err
}

// mutateArtifactMeta rewrites lifecycle fields in place without disturbing
// the source payload fields.
func (s *BoltStore) mutateArtifactMeta(src Source, connID types.ID, sourceKey string, mutate func(doc map[string]json.RawMessage) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sourceBucket(src))
		if b == nil {
			return fmt.Errorf("unknown source collection %q", src)
		}
		key := artifactKey(connID, sourceKey)
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("artifact %s/%s: %w", connID, sourceKey, ErrNotFound)
		}

		var doc map[string]json.RawMessage
		if err := json.Unmarshal(data, &doc); err != nil {
			return err
		}
		if err := mutate(doc); err != nil {
			return err
		}
		updated, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		return b.Put(key, updated)
	})
}

func rawJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err) // only called with marshalable primitives
	}
	return data
}

func (s *BoltStore) MarkArtifactIndexed(src Source, connID types.ID, sourceKey string, docs, chunks int) error {
	now := time.Now().UTC()
	return s.mutateArtifactMeta(src, connID, sourceKey, func(doc map[string]json.RawMessage) error {
		doc["state"] = rawJSON(types.ArtifactStateIndexed)
		doc["lastIndexedAt"] = rawJSON(now)
		doc["documentCount"] = rawJSON(docs)
		doc["chunkCount"] = rawJSON(chunks)
		delete(doc, "indexingError")
		return nil
	})
}

func (s *BoltStore) MarkArtifactFailed(src Source, connID types.ID, sourceKey string, reason string) error {
	return s.mutateArtifactMeta(src, connID, sourceKey, func(doc map[string]json.RawMessage) error {
		doc["state"] = rawJSON(types.ArtifactStateFailed)
		doc["indexingError"] = rawJSON(reason)
		return nil
	})
}

func (s *BoltStore) CountArtifactsByState(src Source) (map[types.ArtifactState]int, error) {
	counts := make(map[types.ArtifactState]int)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(sourceBucket(src))
		if b == nil {
			return fmt.Errorf("unknown source collection %q", src)
		}
		return b.ForEach(func(k, v []byte) error {
			var meta types.ArtifactMeta
			if err := json.Unmarshal(v, &meta); err != nil {
				return err
			}
			counts[meta.State]++
			return nil
		})
	})
	return counts, err
}
