package status

import (
	"bizmsg/internal/connectivity"
	"bizmsg/internal/models"
)

const storeUnavailableMessage = "Local message storage is unavailable"

// StateSource is implemented by the queue manager.
type StateSource interface {
	State() models.QueueState
}

// Project combines the queue state and connectivity into the user-facing status.
// It holds no state of its own.
func Project(state models.QueueState, online bool) models.SyncStatus {
	status := models.SyncStatus{
		IsOnline:         online,
		IsSyncing:        state.Syncing,
		PendingCount:     state.PendingCount,
		FailedCount:      state.FailedCount,
		Error:            state.LastError,
		StoreUnavailable: state.StoreUnavailable,
	}
	if state.LastSyncTime != nil {
		t := *state.LastSyncTime
		status.LastSyncTime = &t
	}
	if status.Error == "" && state.StoreUnavailable {
		status.Error = storeUnavailableMessage
	}
	return status
}

// Projector reads its inputs fresh on every call.
type Projector struct {
	source StateSource
	conn   connectivity.Monitor
}

func NewProjector(source StateSource, conn connectivity.Monitor) *Projector {
	return &Projector{source: source, conn: conn}
}

func (p *Projector) Snapshot() models.SyncStatus {
	return Project(p.source.State(), p.conn.Online())
}
