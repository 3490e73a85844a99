package swap

// State is the orchestrator's position in one swap.
type State int

const (
	StateSetup State = iota
	StateServerStarted
	StateAgentsListening
	StateAgentsAttached
	StateRequestSent
	StateAggregated
	StateDone
)

var stateNames = []string{
	"Setup",
	"ServerStarted",
	"AgentsListening",
	"AgentsAttached",
	"RequestSent",
	"Aggregated",
	"Done",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "Unknown"
}
