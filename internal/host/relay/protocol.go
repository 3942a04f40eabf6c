package relay

import (
	"encoding/json"
	"errors"

	"github.com/codefionn/tablock/internal/host"
)

// Request methods sent to the peer.
const (
	MethodQuery  = "query"
	MethodGet    = "get"
	MethodCreate = "create"
	MethodInject = "inject"
)

// Error codes the peer reports.
const (
	CodeNotFound  = "not_found"
	CodeForbidden = "forbidden"
)

// Request is a call from the daemon to the peer.
type Request struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// Message is anything the peer sends: an event when Type is set, otherwise
// the response to request ID.
type Message struct {
	// Event fields
	Type   string      `json:"type,omitempty"`
	Tab    *host.Tab   `json:"tab,omitempty"`
	TabID  host.TabID  `json:"tabId,omitempty"`
	Status host.Status `json:"status,omitempty"`

	// Response fields
	ID     uint64          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error is a failed call reported by the peer.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// Unwrap maps peer error codes onto the host sentinels.
func (e *Error) Unwrap() error {
	switch e.Code {
	case CodeNotFound:
		return host.ErrTabNotFound
	case CodeForbidden:
		return host.ErrInjectionForbidden
	default:
		return nil
	}
}

type tabParams struct {
	TabID host.TabID `json:"tabId"`
}

type createParams struct {
	URL      string         `json:"url"`
	WindowID *host.WindowID `json:"windowId,omitempty"`
	Index    *int           `json:"index,omitempty"`
}

type injectParams struct {
	TabID host.TabID `json:"tabId"`
	Code  string     `json:"code"`
}

// event converts an event message to a host.Event.
func (m *Message) event() (host.Event, error) {
	switch m.Type {
	case "created":
		if m.Tab == nil {
			return nil, errors.New("created event without tab")
		}
		return host.Created{Info: *m.Tab}, nil
	case "updated":
		ev := host.Updated{TabID: m.TabID, Status: m.Status}
		if m.Tab != nil {
			ev.Info = *m.Tab
			if ev.TabID == 0 {
				ev.TabID = m.Tab.ID
			}
		}
		if ev.TabID == 0 {
			return nil, errors.New("updated event without tab id")
		}
		return ev, nil
	case "removed":
		if m.TabID == 0 {
			return nil, errors.New("removed event without tab id")
		}
		return host.Removed{TabID: m.TabID}, nil
	default:
		return nil, errors.New("unknown event type " + m.Type)
	}
}
