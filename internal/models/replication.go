package models

import (
	"fmt"
	"strings"
	"time"
)

// SyncStatus is the replication state of a stored file.
type SyncStatus string

const (
	StatusPending    SyncStatus = "PENDING"
	StatusInProgress SyncStatus = "IN_PROGRESS"
	StatusSynced     SyncStatus = "SYNCED"
	StatusFailed     SyncStatus = "FAILED"
)

// Priority orders queue selection. Higher values are drained first.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityHigh:
		return "HIGH"
	default:
		return "NORMAL"
	}
}

// ParsePriority converts an operator-supplied name into a Priority.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOW":
		return PriorityLow, nil
	case "NORMAL":
		return PriorityNormal, nil
	case "HIGH":
		return PriorityHigh, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// ReplicationRecord tracks the remote-tier synchronization state of one
// stored file (1:1 with StoredFile). Transitions are driven exclusively by
// the sync queue manager and explicit operator commands; the record exists
// for as long as the file does.
type ReplicationRecord struct {
	FileID    string
	Status    SyncStatus
	Priority  Priority
	Attempts  int
	LastError string
	UpdatedAt time.Time
}

// FailedRecord is one entry of the queue-status failed list.
type FailedRecord struct {
	FileID    string
	LastError string
	Attempts  int
	UpdatedAt time.Time
}

// QueueStatus is the administrative snapshot of the replication queue.
type QueueStatus struct {
	ByStatus          map[SyncStatus]int
	PendingByPriority map[Priority]int
	// OldestPending is the updated_at of the oldest PENDING record,
	// nil when nothing is pending.
	OldestPending *time.Time
	Failed        []FailedRecord
}
