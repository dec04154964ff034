package shim

// State is a position in the shim's turn cycle.
type State int

const (
	StateIdle State = iota
	StateAwaitingAgentOutput
	StateText
	StateToolCallDetected
	StateValidating
	StateDispatching
	StateAwaitingResult
	StateResultInjected
	StateTerminated
)

var stateNames = [...]string{
	StateIdle:                "idle",
	StateAwaitingAgentOutput: "awaiting_agent_output",
	StateText:                "text",
	StateToolCallDetected:    "tool_call_detected",
	StateValidating:          "validating",
	StateDispatching:         "dispatching",
	StateAwaitingResult:      "awaiting_result",
	StateResultInjected:      "result_injected",
	StateTerminated:          "terminated",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// inTurn reports whether a tool call is being handled. Operator prompts
// are held back while this is true.
func (s State) inTurn() bool {
	return s >= StateToolCallDetected && s <= StateResultInjected
}

// allowed lists the legal transitions. Anything may move to Terminated.
var allowed = map[State][]State{
	StateIdle:                {StateAwaitingAgentOutput},
	StateAwaitingAgentOutput: {StateText, StateToolCallDetected},
	StateText:                {StateText, StateAwaitingAgentOutput, StateToolCallDetected},
	StateToolCallDetected:    {StateValidating},
	StateValidating:          {StateDispatching, StateResultInjected},
	StateDispatching:         {StateAwaitingResult, StateResultInjected},
	StateAwaitingResult:      {StateResultInjected},
	StateResultInjected:      {StateAwaitingAgentOutput},
}

func canTransition(from, to State) bool {
	if to == StateTerminated {
		return from != StateTerminated
	}
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}
