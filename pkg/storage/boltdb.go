package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jervisai/jervis/pkg/types"
)

var (
	// Bucket names, matching the logical collection names
	bucketConnections     = []byte("connections")
	bucketClients         = []byte("clients")
	bucketProjects        = []byte("projects")
	bucketIssues          = []byte(SourceIssues)
	bucketWikiPages       = []byte(SourceWiki)
	bucketEmails          = []byte(SourceEmail)
	bucketGitCommits      = []byte(SourceGit)
	bucketTasks           = []byte("tasks")
	bucketTaskMemory      = []byte("task_memory")
	bucketPollingCursors  = []byte("polling_cursors")
	bucketIndexedLinks    = []byte("indexed_links")
	bucketUnsafeLinks     = []byte("unsafe_links")
	bucketLearnedPatterns = []byte("unsafe_link_patterns")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "jervis.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketConnections,
			bucketClients,
			bucketProjects,
			bucketIssues,
			bucketWikiPages,
			bucketEmails,
			bucketGitCommits,
			bucketTasks,
			bucketTaskMemory,
			bucketPollingCursors,
			bucketIndexedLinks,
			bucketUnsafeLinks,
			bucketLearnedPatterns,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Connection operations

func (s *BoltStore) CreateConnection(conn *types.Connection) error {
	if err := conn.Validate(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConnections)
		data, err := json.Marshal(conn)
		if err != nil {
			return err
		}
		return b.Put([]byte(conn.ID), data)
	})
}

func (s *BoltStore) UpdateConnection(conn *types.Connection) error {
	return s.CreateConnection(conn)
}

func (s *BoltStore) GetConnection(id types.ID) (*types.Connection, error) {
	var conn types.Connection
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConnections)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("connection %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &conn)
	})
	if err != nil {
		return nil, err
	}
	return &conn, nil
}

func (s *BoltStore) GetConnectionByName(name string) (*types.Connection, error) {
	var found *types.Connection
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConnections)
		return b.ForEach(func(k, v []byte) error {
			var conn types.Connection
			if err := json.Unmarshal(v, &conn); err != nil {
				return err
			}
			if conn.Name == name {
				found = &conn
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("connection %q: %w", name, ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) ListConnections() ([]*types.Connection, error) {
	var conns []*types.Connection
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConnections)
		return b.ForEach(func(k, v []byte) error {
			var conn types.Connection
			if err := json.Unmarshal(v, &conn); err != nil {
				return err
			}
			conns = append(conns, &conn)
			return nil
		})
	})
	return conns, err
}

func (s *BoltStore) ListEnabledConnections() ([]*types.Connection, error) {
	conns, err := s.ListConnections()
	if err != nil {
		return nil, err
	}

	var enabled []*types.Connection
	for _, conn := range conns {
		if conn.Enabled {
			enabled = append(enabled, conn)
		}
	}
	return enabled, nil
}

func (s *BoltStore) DeleteConnection(id types.ID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConnections)
		return b.Delete([]byte(id))
	})
}

// Client operations

func (s *BoltStore) SaveClient(client *types.Client) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClients)
		data, err := json.Marshal(client)
		if err != nil {
			return err
		}
		return b.Put([]byte(client.ID), data)
	})
}

func (s *BoltStore) GetClient(id types.ID) (*types.Client, error) {
	var client types.Client
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClients)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("client %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &client)
	})
	if err != nil {
		return nil, err
	}
	return &client, nil
}

func (s *BoltStore) ListClients() ([]*types.Client, error) {
	var clients []*types.Client
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClients)
		return b.ForEach(func(k, v []byte) error {
			var client types.Client
			if err := json.Unmarshal(v, &client); err != nil {
				return err
			}
			clients = append(clients, &client)
			return nil
		})
	})
	return clients, err
}

// Project operations

func (s *BoltStore) SaveProject(project *types.Project) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProjects)
		data, err := json.Marshal(project)
		if err != nil {
			return err
		}
		return b.Put([]byte(project.ID), data)
	})
}

func (s *BoltStore) GetProject(id types.ID) (*types.Project, error) {
	var project types.Project
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProjects)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("project %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &project)
	})
	if err != nil {
		return nil, err
	}
	return &project, nil
}

func (s *BoltStore) ListProjects() ([]*types.Project, error) {
	var projects []*types.Project
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProjects)
		return b.ForEach(func(k, v []byte) error {
			var project types.Project
			if err := json.Unmarshal(v, &project); err != nil {
				return err
			}
			projects = append(projects, &project)
			return nil
		})
	})
	return projects, err
}

func (s *BoltStore) ListProjectsByClient(clientID types.ID) ([]*types.Project, error) {
	projects, err := s.ListProjects()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Project
	for _, project := range projects {
		if project.ClientID == clientID {
			filtered = append(filtered, project)
		}
	}
	return filtered, nil
}

// Polling cursor operations

func cursorKey(connID types.ID, kind string) []byte {
	return []byte(string(connID) + "/" + kind)
}

func (s *BoltStore) GetCursor(connID types.ID, kind string) (*types.PollingCursor, error) {
	var cursor types.PollingCursor
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPollingCursors)
		data := b.Get(cursorKey(connID, kind))
		if data == nil {
			return fmt.Errorf("cursor %s/%s: %w", connID, kind, ErrNotFound)
		}
		return json.Unmarshal(data, &cursor)
	})
	if err != nil {
		return nil, err
	}
	return &cursor, nil
}

func (s *BoltStore) PutCursor(cursor *types.PollingCursor) error {
	cursor.UpdatedAt = time.Now().UTC()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPollingCursors)
		data, err := json.Marshal(cursor)
		if err != nil {
			return err
		}
		return b.Put(cursorKey(cursor.ConnectionID, cursor.Kind), data)
	})
}

// Link safety records

func (s *BoltStore) GetUnsafeLink(url string) (*types.UnsafeLink, error) {
	var link types.UnsafeLink
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUnsafeLinks)
		data := b.Get([]byte(url))
		if data == nil {
			return fmt.Errorf("unsafe link: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &link)
	})
	if err != nil {
		return nil, err
	}
	return &link, nil
}

func (s *BoltStore) PutUnsafeLink(link *types.UnsafeLink) error {
	if link.CreatedAt.IsZero() {
		link.CreatedAt = time.Now().UTC()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUnsafeLinks)
		data, err := json.Marshal(link)
		if err != nil {
			return err
		}
		return b.Put([]byte(link.URL), data)
	})
}

func indexedLinkKey(clientID types.ID, url string) []byte {
	return []byte(string(clientID) + "/" + url)
}

func (s *BoltStore) GetIndexedLink(url string, clientID types.ID) (*types.IndexedLink, error) {
	var link types.IndexedLink
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIndexedLinks)
		data := b.Get(indexedLinkKey(clientID, url))
		if data == nil {
			return fmt.Errorf("indexed link: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &link)
	})
	if err != nil {
		return nil, err
	}
	return &link, nil
}

func (s *BoltStore) PutIndexedLink(link *types.IndexedLink) error {
	if link.IndexedAt.IsZero() {
		link.IndexedAt = time.Now().UTC()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIndexedLinks)
		data, err := json.Marshal(link)
		if err != nil {
			return err
		}
		return b.Put(indexedLinkKey(link.ClientID, link.URL), data)
	})
}

func (s *BoltStore) ListLearnedPatterns(enabledOnly bool) ([]*types.LearnedPattern, error) {
	var patterns []*types.LearnedPattern
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLearnedPatterns)
		return b.ForEach(func(k, v []byte) error {
			var pattern types.LearnedPattern
			if err := json.Unmarshal(v, &pattern); err != nil {
				return err
			}
			if enabledOnly && !pattern.Enabled {
				return nil
			}
			patterns = append(patterns, &pattern)
			return nil
		})
	})
	return patterns, err
}

func (s *BoltStore) PutLearnedPattern(pattern *types.LearnedPattern) error {
	if pattern.ID.IsZero() {
		pattern.ID = types.NewID()
	}
	if pattern.CreatedAt.IsZero() {
		pattern.CreatedAt = time.Now().UTC()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLearnedPatterns)
		data, err := json.Marshal(pattern)
		if err != nil {
			return err
		}
		return b.Put([]byte(pattern.ID), data)
	})
}
