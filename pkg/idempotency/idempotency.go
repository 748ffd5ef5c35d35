// Package idempotency caches write responses keyed by (owner, key) so
// clients can retry resource-creating requests without duplicating the
// resource.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/shipyard-neo/bay/pkg/bayerr"
	"github.com/shipyard-neo/bay/pkg/storage"
	"github.com/shipyard-neo/bay/pkg/types"
)

// Outcome of a cache check.
type Outcome int

const (
	Miss Outcome = iota
	Hit
	Conflict
)

// CacheResult carries the cached response on a hit.
type CacheResult struct {
	Outcome    Outcome
	StatusCode int
	Response   json.RawMessage
}

// Service implements check-then-save over the idempotency table.
type Service struct {
	store storage.Store
	ttl   time.Duration
}

func NewService(store storage.Store, ttl time.Duration) *Service {
	return &Service{store: store, ttl: ttl}
}

// hashRequest canonicalizes a request to method+path+sha256(body).
func hashRequest(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Check looks up a prior request under the key. Expired rows are deleted
// lazily and treated as misses. A key reused with a different request is a
// conflict.
func (s *Service) Check(owner, key, method, path string, body []byte) (*CacheResult, error) {
	rec, err := s.store.GetIdempotency(owner, key)
	if err != nil {
		if bayerr.HasCode(err, bayerr.CodeNotFound) {
			return &CacheResult{Outcome: Miss}, nil
		}
		return nil, err
	}

	if rec.ExpiresAt.Before(time.Now()) {
		_ = s.store.DeleteIdempotency(owner, key)
		return &CacheResult{Outcome: Miss}, nil
	}

	if rec.RequestHash != hashRequest(method, path, body) {
		return &CacheResult{Outcome: Conflict}, nil
	}

	return &CacheResult{
		Outcome:    Hit,
		StatusCode: rec.StatusCode,
		Response:   rec.Response,
	}, nil
}

// Save records a completed write's response for replay.
func (s *Service) Save(owner, key, method, path string, body []byte, status int, response json.RawMessage) error {
	now := time.Now().UTC()
	return s.store.PutIdempotency(&types.IdempotencyRecord{
		Key:         key,
		Owner:       owner,
		Method:      method,
		Path:        path,
		RequestHash: hashRequest(method, path, body),
		StatusCode:  status,
		Response:    response,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	})
}
