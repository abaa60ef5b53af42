package node

// Phase is the lifecycle state of one node inside a running session.
//
//	Pending -> Starting -> Running -> Exited | Failed -> RestartPending -> Starting
//	                                                  -> Stopped
//
// Targets only ever move Pending -> Satisfied -> Stopped.
type Phase int

const (
	PhasePending Phase = iota
	PhaseStarting
	PhaseRunning
	PhaseSatisfied
	PhaseExited
	PhaseFailed
	PhaseRestartPending
	PhaseStopped
)

var phaseNames = [...]string{
	PhasePending:        "pending",
	PhaseStarting:       "starting",
	PhaseRunning:        "running",
	PhaseSatisfied:      "satisfied",
	PhaseExited:         "exited",
	PhaseFailed:         "failed",
	PhaseRestartPending: "restart_pending",
	PhaseStopped:        "stopped",
}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "unknown"
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Ready reports whether dependents may start.
func (p Phase) Ready() bool { return p == PhaseRunning || p == PhaseSatisfied }

// Terminal reports whether the node will never run again in this session.
func (p Phase) Terminal() bool { return p == PhaseStopped }

// Phases lists every phase in declaration order.
func Phases() []Phase {
	out := make([]Phase, len(phaseNames))
	for i := range phaseNames {
		out[i] = Phase(i)
	}
	return out
}
