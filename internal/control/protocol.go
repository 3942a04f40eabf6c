// Package control is the command channel between the CLI and the daemon:
// newline-delimited JSON over a Unix socket.
package control

import (
	"errors"

	"github.com/codefionn/tablock/internal/engine"
)

// Actions understood by the daemon.
const (
	ActionLock   = "lock"
	ActionUnlock = "unlock"
	ActionSweep  = "sweep"
	ActionStatus = "status"
)

// ErrDaemonNotRunning is returned by the client when nothing listens on the
// socket.
var ErrDaemonNotRunning = errors.New("tablock daemon is not running")

// Request is one line sent by the client.
type Request struct {
	Action string `json:"action"`
}

// Response is one line sent back by the daemon.
type Response struct {
	OK     bool           `json:"ok"`
	Error  string         `json:"error,omitempty"`
	Status *engine.Status `json:"status,omitempty"`
}
