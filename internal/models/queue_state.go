package models

import "time"

// QueueState is a read-only view of the queue manager used to build status snapshots.
type QueueState struct {
	Syncing          bool
	PendingCount     int
	FailedCount      int
	LastSyncTime     *time.Time
	LastError        string
	StoreUnavailable bool
}

// SyncStatus is the user-facing connection/sync status.
type SyncStatus struct {
	IsOnline         bool       `json:"isOnline"`
	IsSyncing        bool       `json:"isSyncing"`
	PendingCount     int        `json:"pendingCount"`
	FailedCount      int        `json:"failedCount"`
	LastSyncTime     *time.Time `json:"lastSyncTime,omitempty"`
	Error            string     `json:"error,omitempty"`
	StoreUnavailable bool       `json:"storeUnavailable,omitempty"`
}
