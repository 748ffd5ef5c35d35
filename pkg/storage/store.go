package storage

import (
	"time"

	"github.com/shipyard-neo/bay/pkg/types"
)

// Store defines the interface for control-plane state storage.
// Implemented by BoltDB-backed storage.
type Store interface {
	// Sandboxes
	CreateSandbox(sb *types.Sandbox) error
	GetSandbox(id string) (*types.Sandbox, error)
	ListSandboxes(owner string) ([]*types.Sandbox, error)
	UpdateSandbox(sb *types.Sandbox) error
	DeleteSandbox(id string) error
	ListIdleExpiredSandboxes(now time.Time) ([]*types.Sandbox, error)
	ListExpiredSandboxes(now time.Time) ([]*types.Sandbox, error)
	ListSandboxesByCargo(cargoID string) ([]*types.Sandbox, error)

	// Sessions
	CreateSession(sess *types.Session) error
	GetSession(id string) (*types.Session, error)
	UpdateSession(sess *types.Session) error
	DeleteSession(id string) error
	ListSessions() ([]*types.Session, error)

	// Cargos
	CreateCargo(c *types.Cargo) error
	GetCargo(id string) (*types.Cargo, error)
	ListCargos(owner string) ([]*types.Cargo, error)
	UpdateCargo(c *types.Cargo) error
	DeleteCargo(id string) error
	ListManagedCargos() ([]*types.Cargo, error)

	// Idempotency
	PutIdempotency(rec *types.IdempotencyRecord) error
	GetIdempotency(owner, key string) (*types.IdempotencyRecord, error)
	DeleteIdempotency(owner, key string) error

	// Executions
	CreateExecution(rec *types.ExecutionRecord) error
	ListExecutionsBySandbox(sandboxID string, limit int) ([]*types.ExecutionRecord, error)

	// Utility
	Close() error
}
