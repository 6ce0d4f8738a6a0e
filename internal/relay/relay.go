// Package relay binds TCP ingest connections to transcoding workers, one
// session at a time.
package relay

import (
	"errors"
	"time"
)

var (
	ErrWorkerSpawn  = errors.New("worker spawn failed")
	ErrWorkerExited = errors.New("worker exited")
	ErrIngestClosed = errors.New("ingest connection closed")
	ErrDisplaced    = errors.New("displaced by a new ingest connection")
	ErrStopped      = errors.New("session stopped")
	ErrNoSession    = errors.New("no active session")
	ErrClosed       = errors.New("supervisor closed")
)

// Reason maps a session outcome to a short label for status and metrics.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrWorkerSpawn):
		return "spawn_failed"
	case errors.Is(err, ErrWorkerExited):
		return "worker_exited"
	case errors.Is(err, ErrIngestClosed):
		return "ingest_closed"
	case errors.Is(err, ErrDisplaced):
		return "displaced"
	case errors.Is(err, ErrStopped):
		return "stopped"
	}
	return "unknown"
}

// SessionInfo is a point-in-time view of a Session.
type SessionInfo struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"createdAt"`
	RemoteAddr string    `json:"remoteAddr"`
	WorkerPID  int       `json:"workerPid"`
	BytesIn    int64     `json:"bytesIn"`
}

// Observer is notified of session boundaries. Calls are made from supervisor
// goroutines and must not block for long.
type Observer interface {
	SessionStarted(info SessionInfo)
	SessionEnded(info SessionInfo, err error)
}

// Outcome describes how the most recent session ended.
type Outcome struct {
	SessionID string    `json:"sessionId,omitempty"`
	EndedAt   time.Time `json:"endedAt"`
	Reason    string    `json:"reason"`
	Error     string    `json:"error"`
}

// Status is the supervisor state reported to the control surface.
type Status struct {
	Active  bool         `json:"active"`
	Session *SessionInfo `json:"session,omitempty"`
	Last    *Outcome     `json:"last,omitempty"`
}
