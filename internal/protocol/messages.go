package protocol

import (
	"errors"
	"fmt"

	"github.com/loykin/deployr/internal/events"
	"github.com/loykin/deployr/internal/payload"
)

// RequestType distinguishes work requests from the cooperative exit request.
type RequestType uint8

const (
	RequestUnknown RequestType = iota
	RequestHandle
	RequestServerExit
)

// Request is the host-to-server envelope. A RequestHandle request carries
// exactly one variant; a RequestServerExit request carries none.
type Request struct {
	Type    RequestType              `cbor:"1,keyasint"`
	Check   *CheckSetupRequest       `cbor:"2,keyasint,omitempty"`
	Overlay *OverlayUpdateRequest    `cbor:"3,keyasint,omitempty"`
	Socket  *OpenAgentSocketRequest  `cbor:"4,keyasint,omitempty"`
	Send    *SendAgentMessageRequest `cbor:"5,keyasint,omitempty"`
	Log     *AgentLogRequest         `cbor:"6,keyasint,omitempty"`
}

// Response is the server-to-host envelope. Status is always set.
type Response struct {
	Status  ResponseStatus            `cbor:"1,keyasint"`
	Check   *CheckSetupResponse       `cbor:"2,keyasint,omitempty"`
	Overlay *OverlayUpdateResponse    `cbor:"3,keyasint,omitempty"`
	Socket  *OpenAgentSocketResponse  `cbor:"4,keyasint,omitempty"`
	Send    *SendAgentMessageResponse `cbor:"5,keyasint,omitempty"`
	Log     *AgentLogResponse         `cbor:"6,keyasint,omitempty"`
	Events  []events.Event            `cbor:"7,keyasint,omitempty"`
}

// CheckSetupRequest asks which of Files do not exist on the device.
type CheckSetupRequest struct {
	Files []string `cbor:"1,keyasint"`
}

type CheckSetupResponse struct {
	MissingFiles []string `cbor:"1,keyasint,omitempty"`
}

// OverlayFile is one file to write into the overlay, relative to its root.
type OverlayFile struct {
	Path    string       `cbor:"1,keyasint"`
	Content payload.Blob `cbor:"2,keyasint"`
}

// OverlayUpdateRequest mutates the overlay under OverlayPath/.overlay,
// provided its current id equals ExpectedID.
type OverlayUpdateRequest struct {
	OverlayPath   string        `cbor:"1,keyasint"`
	ExpectedID    string        `cbor:"2,keyasint"`
	ID            string        `cbor:"3,keyasint"`
	WipeAllFiles  bool          `cbor:"4,keyasint,omitempty"`
	FilesToWrite  []OverlayFile `cbor:"5,keyasint,omitempty"`
	FilesToDelete []string      `cbor:"6,keyasint,omitempty"`
}

type OverlayUpdateResponse struct {
	Status       OverlayUpdateStatus `cbor:"1,keyasint"`
	ErrorMessage string              `cbor:"2,keyasint,omitempty"`
}

// OpenAgentSocketRequest asks the server to listen for agent connections.
type OpenAgentSocketRequest struct {
	Address string `cbor:"1,keyasint"`
}

type OpenAgentSocketResponse struct {
	Status       SocketStatus `cbor:"1,keyasint"`
	ErrorMessage string       `cbor:"2,keyasint,omitempty"`
}

// SwapRequest is the patch delivered to every attached agent.
type SwapRequest struct {
	PackageName     string       `cbor:"1,keyasint" json:"package_name"`
	ProcessIDs      []int        `cbor:"2,keyasint" json:"process_ids"`
	Payload         payload.Blob `cbor:"3,keyasint" json:"-"`
	RestartActivity bool         `cbor:"4,keyasint,omitempty" json:"restart_activity,omitempty"`
	OverlayID       string       `cbor:"5,keyasint,omitempty" json:"overlay_id,omitempty"`
}

// SendAgentMessageRequest forwards Swap to AgentCount agents and collects
// their replies.
type SendAgentMessageRequest struct {
	AgentCount int         `cbor:"1,keyasint"`
	Swap       SwapRequest `cbor:"2,keyasint"`
}

// AgentSwapResponse is the reply of one agent.
type AgentSwapResponse struct {
	PID          int            `cbor:"1,keyasint" json:"pid"`
	Status       AgentStatus    `cbor:"2,keyasint" json:"status"`
	ErrorMessage string         `cbor:"3,keyasint,omitempty" json:"error_message,omitempty"`
	Events       []events.Event `cbor:"4,keyasint,omitempty" json:"-"`
}

type SendAgentMessageResponse struct {
	Status         SendStatus          `cbor:"1,keyasint"`
	AgentResponses []AgentSwapResponse `cbor:"2,keyasint,omitempty"`
}

// AgentLogRequest retrieves logs the agent left for PackageName.
type AgentLogRequest struct {
	PackageName string `cbor:"1,keyasint"`
}

// AgentLog is the content of one agent log file.
type AgentLog struct {
	Source string   `cbor:"1,keyasint" json:"source"`
	Lines  []string `cbor:"2,keyasint" json:"lines"`
}

type AgentLogResponse struct {
	Logs []AgentLog `cbor:"1,keyasint,omitempty"`
}

var (
	ErrNoVariant       = errors.New("protocol: request carries no variant")
	ErrMultipleVariant = errors.New("protocol: request carries more than one variant")
)

// Variant names the populated variant of a handle request.
func (r *Request) Variant() string {
	switch {
	case r.Check != nil:
		return "check"
	case r.Overlay != nil:
		return "overlay"
	case r.Socket != nil:
		return "socket"
	case r.Send != nil:
		return "send"
	case r.Log != nil:
		return "log"
	}
	return "none"
}

// Validate checks the exactly-one-variant rule.
func (r *Request) Validate() error {
	n := 0
	for _, set := range []bool{r.Check != nil, r.Overlay != nil, r.Socket != nil, r.Send != nil, r.Log != nil} {
		if set {
			n++
		}
	}
	switch r.Type {
	case RequestHandle:
		if n == 0 {
			return ErrNoVariant
		}
		if n > 1 {
			return ErrMultipleVariant
		}
		return nil
	case RequestServerExit:
		if n != 0 {
			return fmt.Errorf("protocol: exit request carries %d variants", n)
		}
		return nil
	default:
		return fmt.Errorf("protocol: unknown request type %d", r.Type)
	}
}

// NewCheck builds a handle request for a check-existence query.
func NewCheck(files ...string) *Request {
	return &Request{Type: RequestHandle, Check: &CheckSetupRequest{Files: files}}
}

func NewOverlayUpdate(req OverlayUpdateRequest) *Request {
	return &Request{Type: RequestHandle, Overlay: &req}
}

func NewOpenSocket(address string) *Request {
	return &Request{Type: RequestHandle, Socket: &OpenAgentSocketRequest{Address: address}}
}

func NewSend(agentCount int, swap SwapRequest) *Request {
	return &Request{Type: RequestHandle, Send: &SendAgentMessageRequest{AgentCount: agentCount, Swap: swap}}
}

func NewLogRequest(pkg string) *Request {
	return &Request{Type: RequestHandle, Log: &AgentLogRequest{PackageName: pkg}}
}

func NewExit() *Request { return &Request{Type: RequestServerExit} }
