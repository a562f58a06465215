// Package sessions implements the session registry: it drives the full
// provisioning flow (allocate a port, realize the command template, spawn,
// wait for readiness) and tracks every live session until it is terminated,
// expires, or fails.
package sessions

import (
	"errors"
	"sync"
	"time"

	"github.com/medviewer/launcher/processes"
)

var (
	// ErrUnknownApp is returned when the requested app name is not configured.
	ErrUnknownApp = errors.New("unknown application")
	// ErrNotFound is returned when no session exists for the given id.
	ErrNotFound = errors.New("session not found")
	// ErrInvalidParam is returned when a client parameter fails sanitization.
	ErrInvalidParam = errors.New("invalid parameter")
)

// State is the lifecycle state of a session.
type State string

const (
	// StateStarting means the process has been (or is being) spawned and
	// the readiness marker has not been seen yet.
	StateStarting State = "starting"
	// StateReady means the app reported readiness and connection info has
	// been handed to the client.
	StateReady State = "ready"
	// StateFailed means the session never became ready (spawn error,
	// timeout, or early exit). Its port has been released.
	StateFailed State = "failed"
	// StateExpired means the reaper reclaimed the session after its idle
	// timeout.
	StateExpired State = "expired"
	// StateTerminated means the session was shut down explicitly.
	StateTerminated State = "terminated"
)

// Session is one running instance of a launched application, bound to one
// allocated port. Mutable fields are guarded by the registry's lock.
type Session struct {
	ID         string
	App        string
	Host       string
	Port       int
	Secret     string
	URL        string
	State      State
	StartedAt  time.Time
	LastAccess time.Time
	Params     map[string]string

	handle      *processes.Handle
	releaseOnce sync.Once
}

// Status is a read-only snapshot of a session, safe to hand to callers.
type Status struct {
	ID        string    `json:"id"`
	App       string    `json:"application"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	State     State     `json:"state"`
	StartedAt time.Time `json:"startedAt"`
}

func (s *Session) status() Status {
	return Status{
		ID:        s.ID,
		App:       s.App,
		Host:      s.Host,
		Port:      s.Port,
		State:     s.State,
		StartedAt: s.StartedAt,
	}
}
