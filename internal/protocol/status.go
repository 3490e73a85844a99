package protocol

import "fmt"

func enumName(names []string, v uint8) string {
	if int(v) < len(names) {
		return names[v]
	}
	return fmt.Sprintf("UNKNOWN(%d)", v)
}

// ResponseStatus is the top-level status of every server response.
type ResponseStatus uint8

const (
	StatusUnknown ResponseStatus = iota
	StatusRequestCompleted
	StatusServerStarted
	StatusServerExited
)

var responseStatusNames = []string{"UNKNOWN", "REQUEST_COMPLETED", "SERVER_STARTED", "SERVER_EXITED"}

func (s ResponseStatus) String() string { return enumName(responseStatusNames, uint8(s)) }

type OverlayUpdateStatus uint8

const (
	OverlayUpdateUnknown OverlayUpdateStatus = iota
	OverlayUpdateOK
	OverlayIDMismatch
	OverlayUpdateFailed
)

var overlayUpdateStatusNames = []string{"UNKNOWN", "OK", "ID_MISMATCH", "UPDATE_FAILED"}

func (s OverlayUpdateStatus) String() string { return enumName(overlayUpdateStatusNames, uint8(s)) }

type SocketStatus uint8

const (
	SocketUnknown SocketStatus = iota
	SocketOK
	SocketFailed
)

var socketStatusNames = []string{"UNKNOWN", "OK", "FAILED"}

func (s SocketStatus) String() string { return enumName(socketStatusNames, uint8(s)) }

// SendStatus is OK only when every expected agent replied.
type SendStatus uint8

const (
	SendUnknown SendStatus = iota
	SendOK
	SendIncomplete
)

var sendStatusNames = []string{"UNKNOWN", "OK", "INCOMPLETE"}

func (s SendStatus) String() string { return enumName(sendStatusNames, uint8(s)) }

type AgentStatus uint8

const (
	AgentUnknown AgentStatus = iota
	AgentOK
	AgentError
)

var agentStatusNames = []string{"UNKNOWN", "OK", "ERROR"}

func (s AgentStatus) String() string               { return enumName(agentStatusNames, uint8(s)) }
func (s AgentStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
