package pipeline

import "crypto-market-etl/internal/etlerr"

// State is a step of the run state machine.
type State string

const (
	StatePending        State = "PENDING"
	StateExtracting     State = "EXTRACTING"
	StateNormalizing    State = "NORMALIZING"
	StateWriting        State = "WRITING"
	StateSucceeded      State = "SUCCEEDED"
	StatePartialFailure State = "PARTIAL_FAILURE"
	StateFailed         State = "FAILED"
)

// Stage names the task reported in metrics and alerts.
type Stage string

const (
	StageExtract   Stage = "extract_market_data"
	StageNormalize Stage = "normalize_records"
	StageWrite     Stage = "write_records"
	StageUnknown   Stage = "unknown"
)

var transitions = map[State][]State{
	StatePending:     {StateExtracting, StateFailed},
	StateExtracting:  {StateNormalizing, StateFailed},
	StateNormalizing: {StateWriting, StateFailed},
	StateWriting:     {StateSucceeded, StatePartialFailure, StateFailed},
}

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	_, ok := transitions[s]
	return !ok
}

// stage maps a working state to the stage it executes.
func (s State) stage() Stage {
	switch s {
	case StateExtracting:
		return StageExtract
	case StateNormalizing:
		return StageNormalize
	case StateWriting:
		return StageWrite
	default:
		return StageUnknown
	}
}

type machine struct {
	state State
	trail []State
}

func newMachine() *machine {
	return &machine{state: StatePending, trail: []State{StatePending}}
}

func (m *machine) advance(next State) error {
	for _, allowed := range transitions[m.state] {
		if allowed == next {
			m.state = next
			m.trail = append(m.trail, next)
			return nil
		}
	}
	return etlerr.Invariantf("illegal run transition %s -> %s", m.state, next)
}
