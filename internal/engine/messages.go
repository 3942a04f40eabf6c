package engine

import (
	"github.com/codefionn/tablock/internal/host"
	"github.com/codefionn/tablock/internal/registry"
)

// eventMsg carries a tab lifecycle event from the host.
type eventMsg struct {
	Event host.Event
}

func (m eventMsg) Type() string { return "event." + m.Event.Kind() }

// Command is an external instruction to the engine.
type Command string

const (
	// CommandLock means the pattern list changed and is non-empty.
	CommandLock Command = "lock"
	// CommandUnlock means the pattern list was cleared.
	CommandUnlock Command = "unlock"
)

type commandMsg struct {
	Command Command
}

func (m commandMsg) Type() string { return "command." + string(m.Command) }

type sweepMsg struct{}

func (sweepMsg) Type() string { return "sweep" }

// reopenMsg fires when a removed tab's reopen delay has passed.
type reopenMsg struct {
	ID      uint64
	Entry   registry.Entry
	Unlocks uint64
}

func (reopenMsg) Type() string { return "reopen" }

// resumeMsg runs the continuation of an asynchronous host or store call
// back on the actor goroutine.
type resumeMsg struct {
	Op string
	Fn func()
}

func (m resumeMsg) Type() string { return "resume." + m.Op }

type statusRequest struct {
	ResponseCh chan Status
}

func (statusRequest) Type() string { return "status" }
