package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/shipyard-neo/bay/pkg/bayerr"
	"github.com/shipyard-neo/bay/pkg/types"
)

var (
	// Bucket names
	bucketSandboxes   = []byte("sandboxes")
	bucketSessions    = []byte("sessions")
	bucketCargos      = []byte("cargos")
	bucketIdempotency = []byte("idempotency")
	bucketExecutions  = []byte("executions")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "bay.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketSandboxes,
			bucketSessions,
			bucketCargos,
			bucketIdempotency,
			bucketExecutions,
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

func (s *BoltStore) put(bucket []byte, key string, v any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

func (s *BoltStore) get(bucket []byte, key string, v any, what string) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return bayerr.NotFound(what)
		}
		return json.Unmarshal(data, v)
	})
}

func (s *BoltStore) delete(bucket []byte, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

// Sandbox operations

func (s *BoltStore) CreateSandbox(sb *types.Sandbox) error {
	return s.put(bucketSandboxes, sb.ID, sb)
}

func (s *BoltStore) GetSandbox(id string) (*types.Sandbox, error) {
	var sb types.Sandbox
	if err := s.get(bucketSandboxes, id, &sb, "sandbox"); err != nil {
		return nil, err
	}
	return &sb, nil
}

func (s *BoltStore) UpdateSandbox(sb *types.Sandbox) error {
	return s.put(bucketSandboxes, sb.ID, sb)
}

func (s *BoltStore) DeleteSandbox(id string) error {
	return s.delete(bucketSandboxes, id)
}

func (s *BoltStore) listSandboxes(keep func(*types.Sandbox) bool) ([]*types.Sandbox, error) {
	var out []*types.Sandbox
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSandboxes).ForEach(func(k, v []byte) error {
			var sb types.Sandbox
			if err := json.Unmarshal(v, &sb); err != nil {
				return err
			}
			if keep(&sb) {
				out = append(out, &sb)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *BoltStore) ListSandboxes(owner string) ([]*types.Sandbox, error) {
	return s.listSandboxes(func(sb *types.Sandbox) bool {
		return sb.Owner == owner && sb.DeletedAt == nil
	})
}

// ListIdleExpiredSandboxes returns live sandboxes whose idle deadline has
// passed and that still reference a session.
func (s *BoltStore) ListIdleExpiredSandboxes(now time.Time) ([]*types.Sandbox, error) {
	return s.listSandboxes(func(sb *types.Sandbox) bool {
		return sb.DeletedAt == nil &&
			sb.CurrentSessionID != "" &&
			sb.IdleExpiresAt != nil && sb.IdleExpiresAt.Before(now)
	})
}

// ListExpiredSandboxes returns live sandboxes past their hard TTL.
func (s *BoltStore) ListExpiredSandboxes(now time.Time) ([]*types.Sandbox, error) {
	return s.listSandboxes(func(sb *types.Sandbox) bool {
		return sb.DeletedAt == nil &&
			sb.ExpiresAt != nil && sb.ExpiresAt.Before(now)
	})
}

// ListSandboxesByCargo returns all sandboxes referencing a cargo, including
// soft-deleted ones; callers filter as they need.
func (s *BoltStore) ListSandboxesByCargo(cargoID string) ([]*types.Sandbox, error) {
	return s.listSandboxes(func(sb *types.Sandbox) bool {
		return sb.CargoID == cargoID
	})
}

// Session operations

func (s *BoltStore) CreateSession(sess *types.Session) error {
	return s.put(bucketSessions, sess.ID, sess)
}

func (s *BoltStore) GetSession(id string) (*types.Session, error) {
	var sess types.Session
	if err := s.get(bucketSessions, id, &sess, "session"); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *BoltStore) UpdateSession(sess *types.Session) error {
	return s.put(bucketSessions, sess.ID, sess)
}

func (s *BoltStore) DeleteSession(id string) error {
	return s.delete(bucketSessions, id)
}

func (s *BoltStore) ListSessions() ([]*types.Session, error) {
	var out []*types.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			var sess types.Session
			if err := json.Unmarshal(v, &sess); err != nil {
				return err
			}
			out = append(out, &sess)
			return nil
		})
	})
	return out, err
}

// Cargo operations

func (s *BoltStore) CreateCargo(c *types.Cargo) error {
	return s.put(bucketCargos, c.ID, c)
}

func (s *BoltStore) GetCargo(id string) (*types.Cargo, error) {
	var c types.Cargo
	if err := s.get(bucketCargos, id, &c, "cargo"); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) UpdateCargo(c *types.Cargo) error {
	return s.put(bucketCargos, c.ID, c)
}

func (s *BoltStore) DeleteCargo(id string) error {
	return s.delete(bucketCargos, id)
}

func (s *BoltStore) listCargos(keep func(*types.Cargo) bool) ([]*types.Cargo, error) {
	var out []*types.Cargo
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCargos).ForEach(func(k, v []byte) error {
			var c types.Cargo
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			if keep(&c) {
				out = append(out, &c)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *BoltStore) ListCargos(owner string) ([]*types.Cargo, error) {
	return s.listCargos(func(c *types.Cargo) bool { return c.Owner == owner })
}

func (s *BoltStore) ListManagedCargos() ([]*types.Cargo, error) {
	return s.listCargos(func(c *types.Cargo) bool { return c.Managed })
}

// Idempotency operations. Records are keyed by owner and key together so
// one tenant's keys can never collide with another's.

func idempotencyKey(owner, key string) string {
	return owner + "/" + key
}

func (s *BoltStore) PutIdempotency(rec *types.IdempotencyRecord) error {
	return s.put(bucketIdempotency, idempotencyKey(rec.Owner, rec.Key), rec)
}

func (s *BoltStore) GetIdempotency(owner, key string) (*types.IdempotencyRecord, error) {
	var rec types.IdempotencyRecord
	if err := s.get(bucketIdempotency, idempotencyKey(owner, key), &rec, "idempotency record"); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) DeleteIdempotency(owner, key string) error {
	return s.delete(bucketIdempotency, idempotencyKey(owner, key))
}

// Execution operations. Keys are prefixed by sandbox ID so per-sandbox
// listing is a cursor scan rather than a full-bucket walk.

func executionKey(sandboxID, id string) string {
	return sandboxID + "/" + id
}

func (s *BoltStore) CreateExecution(rec *types.ExecutionRecord) error {
	return s.put(bucketExecutions, executionKey(rec.SandboxID, rec.ID), rec)
}

func (s *BoltStore) ListExecutionsBySandbox(sandboxID string, limit int) ([]*types.ExecutionRecord, error) {
	var out []*types.ExecutionRecord
	prefix := []byte(sandboxID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketExecutions).Cursor()
		for k, v := c.Seek(prefix); k != nil && len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix); k, v = c.Next() {
			var rec types.ExecutionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
