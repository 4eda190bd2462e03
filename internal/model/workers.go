package model

import "time"

// Worker status values reported in heartbeats.
const (
	WorkerIdle     = "idle"
	WorkerBusy     = "busy"
	WorkerUpdating = "updating"
)

// Liveness windows for the active-worker set. An updating worker gets a
// longer grace period so image pulls do not orphan its simulations.
const (
	WorkerActiveWindow   = 60 * time.Second
	WorkerUpdatingWindow = 5 * time.Minute
)

// WorkerInfo is one worker's heartbeat row. MaxConcurrentOverride and
// OwnerEmail are operator-managed and must survive heartbeat merges.
type WorkerInfo struct {
	WorkerID              string    `bson:"_id" json:"workerId"`
	WorkerName            string    `bson:"worker_name" json:"workerName"`
	Status                string    `bson:"status" json:"status"`
	CurrentJobID          string    `bson:"current_job_id,omitempty" json:"currentJobId,omitempty"`
	Capacity              int       `bson:"capacity" json:"capacity"`
	ActiveSimulations     int       `bson:"active_simulations" json:"activeSimulations"`
	UptimeMs              int64     `bson:"uptime_ms" json:"uptimeMs"`
	MaxConcurrentOverride int       `bson:"max_concurrent_override,omitempty" json:"maxConcurrentOverride,omitempty"`
	OwnerEmail            string    `bson:"owner_email,omitempty" json:"ownerEmail,omitempty"`
	Version               string    `bson:"version,omitempty" json:"version,omitempty"`
	LastHeartbeat         time.Time `bson:"last_heartbeat" json:"lastHeartbeat"`
}

// ActiveSince returns the oldest heartbeat timestamp that still counts as
// alive for the given worker status.
func ActiveSince(status string, now time.Time) time.Time {
	if status == WorkerUpdating {
		return now.Add(-WorkerUpdatingWindow)
	}
	return now.Add(-WorkerActiveWindow)
}

// Alive reports whether the heartbeat is fresh enough for the worker to be
// considered part of the active set.
func (w *WorkerInfo) Alive(now time.Time) bool {
	return w.LastHeartbeat.After(ActiveSince(w.Status, now))
}
