// Package model defines domain entities used by the sync engine, services and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// Operation is the kind of mutation a sync item carries.
type Operation string

const (
	OpCreate Operation = "CREATE"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Valid reports whether op is one of the known operations.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Status is the lifecycle state of a sync item.
// PENDING -> IN_PROGRESS -> {COMPLETED | FAILED | CONFLICT};
// FAILED may go back to PENDING on explicit resubmit.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusConflict   Status = "CONFLICT"
)

// Strategy selects how a conflict is resolved.
type Strategy string

const (
	StrategyClientWins Strategy = "CLIENT_WINS"
	StrategyServerWins Strategy = "SERVER_WINS"
	StrategyMerge      Strategy = "MERGE"
	StrategyManual     Strategy = "MANUAL"
)

// Valid reports whether s is one of the known strategies.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyClientWins, StrategyServerWins, StrategyMerge, StrategyManual:
		return true
	}
	return false
}

// Payload is a schema-agnostic field map describing a desired entity state.
// Values are JSON-shaped: string, float64, bool, nil, map[string]any, []any.
type Payload map[string]any

// Clone returns a deep copy of the payload.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies a JSON-shaped payload value.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = CloneValue(e)
		}
		return m
	case Payload:
		return map[string]any(t.Clone())
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = CloneValue(e)
		}
		return s
	default:
		return v
	}
}

// SyncItem is a queued unit of work representing one pending mutation to one entity.
// It is immutable once enqueued except for status, retry and timestamp bookkeeping.
type SyncItem struct {
	ID              uuid.UUID  `json:"id"`
	EntityType      string     `json:"entity_type"`
	EntityID        string     `json:"entity_id"` // empty for not-yet-created entities
	Operation       Operation  `json:"operation"`
	Payload         Payload    `json:"payload,omitempty"`
	ClientTimestamp time.Time  `json:"client_timestamp"`
	ServerTimestamp *time.Time `json:"server_timestamp,omitempty"` // set once the item reaches a terminal state
	Owner           string     `json:"owner"`
	Organization    string     `json:"organization"`
	Checksum        string     `json:"checksum"` // SHA-256 over canonical payload, computed at enqueue
	Version         int64      `json:"version"`  // client's believed entity version
	Status          Status     `json:"status"`
	RetryCount      int        `json:"retry_count"`
	ErrorMessage    string     `json:"error_message,omitempty"`
}

// EntityKey returns the serialization key for per-entity exclusive processing.
func (it *SyncItem) EntityKey() string {
	return it.EntityType + ":" + it.EntityID
}

// Clone returns a deep copy of the item.
func (it *SyncItem) Clone() *SyncItem {
	cp := *it
	cp.Payload = it.Payload.Clone()
	if it.ServerTimestamp != nil {
		ts := *it.ServerTimestamp
		cp.ServerTimestamp = &ts
	}
	return &cp
}

// SyncConflict records a disagreement between a client mutation and server state.
// It is destroyed only by an explicit resolution.
type SyncConflict struct {
	ID              uuid.UUID `json:"id"`
	EntityType      string    `json:"entity_type"`
	EntityID        string    `json:"entity_id"`
	ClientData      Payload   `json:"client_data"`
	ServerData      Payload   `json:"server_data"` // empty when the entity vanished server-side
	ClientTimestamp time.Time `json:"client_timestamp"`
	ServerTimestamp time.Time `json:"server_timestamp"`
	Owner           string    `json:"owner"`
	Organization    string    `json:"organization"`
	Strategy        Strategy  `json:"strategy,omitempty"`      // empty until resolved
	ResolvedData    Payload   `json:"resolved_data,omitempty"` // populated on resolution
	CreatedAt       time.Time `json:"created_at"`
}

// Clone returns a deep copy of the conflict.
func (c *SyncConflict) Clone() *SyncConflict {
	cp := *c
	cp.ClientData = c.ClientData.Clone()
	cp.ServerData = c.ServerData.Clone()
	cp.ResolvedData = c.ResolvedData.Clone()
	return &cp
}

// Entity is the server store's view of one domain object.
type Entity struct {
	Type         string
	ID           string
	Payload      Payload
	Version      int64 // starts at 1, incremented on every update
	Organization string
	UpdatedAt    time.Time
}

// Change describes a single server-side mutation for delta sync.
type Change struct {
	EntityType string
	EntityID   string
	Payload    Payload
	Version    int64
	ChangedAt  time.Time
}

// SyncSummary reports the outcome of one full reconciliation run.
type SyncSummary struct {
	Applied          int           `json:"applied"`
	ConflictsCreated int           `json:"conflicts_created"`
	Duration         time.Duration `json:"duration_ns"`
	PendingCount     int           `json:"pending_count"`
	TotalConflicts   int           `json:"total_conflicts"`
}
