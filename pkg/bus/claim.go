package bus

import "fmt"

// ClaimState is the addressing state of a chip being claimed.
type ClaimState uint8

const (
	ClaimUnaddressed ClaimState = iota
	ClaimPlaceholder
	ClaimRenamed
	ClaimReleased
	ClaimClaimed
)

var claimStateNames = map[ClaimState]string{
	ClaimUnaddressed: "Unaddressed",
	ClaimPlaceholder: "Placeholder",
	ClaimRenamed:     "Renamed",
	ClaimReleased:    "Released",
	ClaimClaimed:     "Claimed",
}

func (s ClaimState) String() string {
	if name, ok := claimStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("ClaimState(%d)", s)
}

// claimTransitions lists the only legal successor of each state.
var claimTransitions = map[ClaimState]ClaimState{
	ClaimUnaddressed: ClaimPlaceholder,
	ClaimPlaceholder: ClaimRenamed,
	ClaimRenamed:     ClaimReleased,
	ClaimReleased:    ClaimClaimed,
}

// claimMachine walks one chip from the shared default address to its real id.
type claimMachine struct {
	addr  Address
	state ClaimState
}

func (m *claimMachine) advance(to ClaimState) error {
	next, ok := claimTransitions[m.state]
	if !ok || next != to {
		return fmt.Errorf("bus: claim %s: illegal transition %s -> %s", m.addr, m.state, to)
	}
	m.state = to
	return nil
}

// ClaimError reports the state a failed claim stopped in.
type ClaimError struct {
	Addr  Address
	State ClaimState
	Err   error
}

func (e *ClaimError) Error() string {
	return fmt.Sprintf("bus: claim %s stopped in %s: %v", e.Addr, e.State, e.Err)
}

func (e *ClaimError) Unwrap() error { return e.Err }
