package protocol

import "github.com/loykin/deployr/internal/events"

// SwapStatus is the terminal outcome of a swap command.
type SwapStatus uint8

const (
	SwapUnknown SwapStatus = iota
	SwapOK
	SwapSetupFailed
	SwapStartServerFailed
	SwapStartServerFailedUserdebug
	SwapWriteToServerFailed
	SwapReadFromServerFailed
	SwapReadyForAgentsNotReceived
	SwapAgentAttachFailed
	SwapAgentError
	SwapProcessCrashing
	SwapProcessNotResponding
	SwapProcessTerminated
	SwapMissingAgentResponses
	SwapOverlayIDMismatch
	SwapOverlayUpdateFailed
)

var swapStatusNames = []string{
	"UNKNOWN",
	"OK",
	"SETUP_FAILED",
	"START_SERVER_FAILED",
	"START_SERVER_FAILED_USERDEBUG",
	"WRITE_TO_SERVER_FAILED",
	"READ_FROM_SERVER_FAILED",
	"READY_FOR_AGENTS_NOT_RECEIVED",
	"AGENT_ATTACH_FAILED",
	"AGENT_ERROR",
	"PROCESS_CRASHING",
	"PROCESS_NOT_RESPONDING",
	"PROCESS_TERMINATED",
	"MISSING_AGENT_RESPONSES",
	"OVERLAY_ID_MISMATCH",
	"OVERLAY_UPDATE_FAILED",
}

func (s SwapStatus) String() string               { return enumName(swapStatusNames, uint8(s)) }
func (s SwapStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// SwapResponse is what a swap command reports. FailedAgents is only
// populated for SwapAgentError.
type SwapResponse struct {
	Status       SwapStatus          `json:"status"`
	Extra        string              `json:"extra,omitempty"`
	FailedAgents []AgentSwapResponse `json:"failed_agents,omitempty"`
	Events       []events.Event      `json:"events,omitempty"`
}

// OverlayInstallStatus is the terminal outcome of an overlay install.
type OverlayInstallStatus uint8

const (
	InstallUnknown OverlayInstallStatus = iota
	InstallOK
	InstallSetupFailed
	InstallStartServerFailed
	InstallWriteToServerFailed
	InstallReadFromServerFailed
	InstallOverlayIDMismatch
	InstallOverlayUpdateFailed
)

var installStatusNames = []string{
	"UNKNOWN",
	"OK",
	"SETUP_FAILED",
	"START_SERVER_FAILED",
	"WRITE_TO_SERVER_FAILED",
	"READ_FROM_SERVER_FAILED",
	"OVERLAY_ID_MISMATCH",
	"OVERLAY_UPDATE_FAILED",
}

func (s OverlayInstallStatus) String() string               { return enumName(installStatusNames, uint8(s)) }
func (s OverlayInstallStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type OverlayInstallResponse struct {
	Status    OverlayInstallStatus `json:"status"`
	Extra     string               `json:"extra,omitempty"`
	AgentLogs []AgentLog           `json:"agent_logs,omitempty"`
	Events    []events.Event       `json:"events,omitempty"`
}
