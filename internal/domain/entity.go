// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// CommandConfig describes one restic invocation requested by a client.
// It is immutable once built; preparation produces a PreparedCommand.
type CommandConfig struct {
	Command    string            `json:"command"`
	Args       []string          `json:"args"`
	Env        map[string]string `json:"env"`
	WorkingDir string            `json:"working_dir"`
	Bookmarks  map[string][]byte `json:"bookmarks,omitempty"`
	Timeout    time.Duration     `json:"timeout"`
	SessionID  int               `json:"session_id"`
}

// PreparedCommand is the validated, environment-augmented form of a
// CommandConfig, ready for execution. Preparation injects the cache
// directory and progress env vars and normalises arguments.
type PreparedCommand struct {
	Command    string
	Args       []string
	Env        map[string]string
	WorkingDir string
	Timeout    time.Duration
}

// ProcessResult is the immutable outcome of one subprocess execution.
type ProcessResult struct {
	Output   string `json:"output"`
	Error    string `json:"error"`
	ExitCode int    `json:"exit_code"`
}

// Succeeded reports whether the process exited cleanly.
func (r ProcessResult) Succeeded() bool {
	return r.ExitCode == 0
}

// MessageStatus is the lifecycle state of a queued message.
type MessageStatus string

const (
	MessagePending    MessageStatus = "pending"
	MessageInProgress MessageStatus = "in_progress"
	MessageCompleted  MessageStatus = "completed"
	MessageFailed     MessageStatus = "failed"
)

// QueuedMessage tracks one command through the message queue.
// Owned exclusively by the queue; callers only ever see copies.
type QueuedMessage struct {
	ID         uuid.UUID
	Command    CommandConfig
	Status     MessageStatus
	Attempts   int
	EnqueuedAt time.Time
}

// QueueStatus is a point-in-time count of messages per state.
type QueueStatus struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// HealthCode classifies connection health.
type HealthCode string

const (
	HealthUnknown   HealthCode = "unknown"
	HealthHealthy   HealthCode = "healthy"
	HealthDegraded  HealthCode = "degraded"
	HealthUnhealthy HealthCode = "unhealthy"
)

// HealthState is a health classification plus the reason for it.
// Reason is empty for the healthy state.
type HealthState struct {
	Code   HealthCode `json:"code"`
	Reason string     `json:"reason,omitempty"`
}

// HealthStatus is the monitor's latest published snapshot.
// State starts as unknown and never reverts to unknown after the
// first check.
type HealthStatus struct {
	State            HealthState     `json:"state"`
	SuccessfulChecks int             `json:"successful_checks"`
	FailedChecks     int             `json:"failed_checks"`
	LastChecked      time.Time       `json:"last_checked"`
	Resources        SystemResources `json:"resources"`
}

// SystemResources is one sample of the helper's resource budget.
type SystemResources struct {
	CPUPercent        float64 `json:"cpu_percent"`
	AvailableMemory   uint64  `json:"available_memory"`
	AvailableDisk     uint64  `json:"available_disk"`
	OpenFileHandles   int     `json:"open_file_handles"`
	ActiveConnections int     `json:"active_connections"`
}

// ResourceLimits are the minimum resource requirements for issuing
// commands. Zero values disable the corresponding check.
type ResourceLimits struct {
	MaxCPUPercent      float64 `yaml:"max_cpu_percent"`
	MinAvailableMemory uint64  `yaml:"min_available_memory"`
	MinAvailableDisk   uint64  `yaml:"min_available_disk"`
}

// WithinLimits reports whether the sample satisfies the limits. When it
// does not, reason names the first limit exceeded.
func (r SystemResources) WithinLimits(lim ResourceLimits) (ok bool, reason string) {
	if lim.MaxCPUPercent > 0 && r.CPUPercent > lim.MaxCPUPercent {
		return false, "cpu usage above limit"
	}
	if lim.MinAvailableMemory > 0 && r.AvailableMemory < lim.MinAvailableMemory {
		return false, "available memory below minimum"
	}
	if lim.MinAvailableDisk > 0 && r.AvailableDisk < lim.MinAvailableDisk {
		return false, "available disk space below minimum"
	}
	return true, ""
}

// OperationType classifies a recorded security-sensitive action.
type OperationType string

const (
	OperationBookmark OperationType = "bookmark"
	OperationAccess   OperationType = "access"
	OperationProcess  OperationType = "process"
)

// OperationStatus is the outcome of a recorded operation.
type OperationStatus string

const (
	OperationSuccess OperationStatus = "success"
	OperationFailure OperationStatus = "failure"
)

// SecurityOperationRecord is one entry in the append-only audit trail.
// Records are never mutated or deleted within the process lifetime.
type SecurityOperationRecord struct {
	ID        uuid.UUID       `json:"id"`
	Path      string          `json:"path"`
	Type      OperationType   `json:"type"`
	Status    OperationStatus `json:"status"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}
