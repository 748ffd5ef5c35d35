package types

import (
	"encoding/json"
	"time"
)

// Capability is a semantic operation class decoupled from the runtime
// implementing it.
type Capability string

const (
	CapabilityCode       Capability = "code"
	CapabilityShell      Capability = "shell"
	CapabilityFilesystem Capability = "filesystem"
	CapabilityBrowser    Capability = "browser"
)

// KnownCapabilities is the closed set Bay routes on. Unknown capability
// names coming back from a runtime's /meta are discarded at the adapter
// boundary.
var KnownCapabilities = map[Capability]bool{
	CapabilityCode:       true,
	CapabilityShell:      true,
	CapabilityFilesystem: true,
	CapabilityBrowser:    true,
}

// RuntimeType tags what kind of runtime a container runs.
type RuntimeType string

const (
	RuntimeTypeCode    RuntimeType = "code"
	RuntimeTypeBrowser RuntimeType = "browser"
)

// SandboxStatus is computed from a few columns plus wall-clock time; it is
// never stored.
type SandboxStatus string

const (
	SandboxStatusDeleted  SandboxStatus = "deleted"
	SandboxStatusExpired  SandboxStatus = "expired"
	SandboxStatusIdle     SandboxStatus = "idle"
	SandboxStatusStarting SandboxStatus = "starting"
	SandboxStatusReady    SandboxStatus = "ready"
	SandboxStatusFailed   SandboxStatus = "failed"
)

// Sandbox is the durable handle to a compute-and-storage bundle. Compute is
// provisioned lazily; the sandbox row exists before any container does.
type Sandbox struct {
	ID               string     `json:"id"`
	Owner            string     `json:"owner"`
	Profile          string     `json:"profile"`
	CargoID          string     `json:"cargo_id"`
	CurrentSessionID string     `json:"current_session_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	IdleExpiresAt    *time.Time `json:"idle_expires_at,omitempty"`
	DeletedAt        *time.Time `json:"deleted_at,omitempty"`
}

// Status computes the sandbox status at a point in time. The session
// argument is the sandbox's current session, nil when there is none.
func (s *Sandbox) Status(sess *Session, now time.Time) SandboxStatus {
	if s.DeletedAt != nil {
		return SandboxStatusDeleted
	}
	if s.ExpiresAt != nil && s.ExpiresAt.Before(now) {
		return SandboxStatusExpired
	}
	if s.CurrentSessionID == "" || sess == nil {
		return SandboxStatusIdle
	}
	switch sess.Status {
	case SessionStatusReady:
		return SandboxStatusReady
	case SessionStatusFailed:
		return SandboxStatusFailed
	default:
		return SandboxStatusStarting
	}
}

// SessionStatus represents the state of a session's container set.
type SessionStatus string

const (
	SessionStatusStarting SessionStatus = "starting"
	SessionStatusReady    SessionStatus = "ready"
	SessionStatusFailed   SessionStatus = "failed"
	SessionStatusStopped  SessionStatus = "stopped"
)

// Session is the ephemeral embodiment of running containers for a sandbox.
type Session struct {
	ID         string               `json:"id"`
	SandboxID  string               `json:"sandbox_id"`
	ProfileID  string               `json:"profile_id"`
	Containers []*ContainerInstance `json:"containers"`
	Status     SessionStatus        `json:"status"`
	CreatedAt  time.Time            `json:"created_at"`
}

// ContainerInstance records one running container of a session.
type ContainerInstance struct {
	Name         string       `json:"name"`
	ContainerID  string       `json:"container_id"`
	Endpoint     string       `json:"endpoint"`
	RuntimeType  RuntimeType  `json:"runtime_type"`
	Capabilities []Capability `json:"capabilities"`
	PrimaryFor   []Capability `json:"primary_for,omitempty"`
}

// Cargo is a persistent storage volume. Managed cargos are lifetime-bound
// to exactly one sandbox; external cargos are user-owned and shareable.
type Cargo struct {
	ID                 string    `json:"id"`
	Owner              string    `json:"owner"`
	Managed            bool      `json:"managed"`
	ManagedBySandboxID string    `json:"managed_by_sandbox_id,omitempty"`
	Backend            string    `json:"backend"`
	DriverRef          string    `json:"driver_ref"`
	SizeLimitMB        int       `json:"size_limit_mb"`
	CreatedAt          time.Time `json:"created_at"`
	LastAccessedAt     time.Time `json:"last_accessed_at"`
}

// IdempotencyRecord caches one write response keyed by (owner, key).
type IdempotencyRecord struct {
	Key         string          `json:"key"`
	Owner       string          `json:"owner"`
	Method      string          `json:"method"`
	Path        string          `json:"path"`
	RequestHash string          `json:"request_hash"`
	StatusCode  int             `json:"status_code"`
	Response    json.RawMessage `json:"response"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// ExecutionRecord is the minimal history row emitted by every capability
// call; skill/history services layer richer storage on top of it.
type ExecutionRecord struct {
	ID         string            `json:"id"`
	SandboxID  string            `json:"sandbox_id"`
	SessionID  string            `json:"session_id"`
	ExecType   string            `json:"exec_type"`
	StartedAt  time.Time         `json:"started_at"`
	DurationMS int64             `json:"duration_ms"`
	Success    bool              `json:"success"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// RuntimeInstance is a driver-level view of a container, used only by GC.
type RuntimeInstance struct {
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels"`
	State  string            `json:"state"`
}
