package domain

type Side string

const (
	SideCaller Side = "caller"
	SideCallee Side = "callee"
)

// Other returns the opposite side.
func (s Side) Other() Side {
	if s == SideCaller {
		return SideCallee
	}
	return SideCaller
}

func (s Side) Valid() bool {
	return s == SideCaller || s == SideCallee
}

// Candidate is one network-path descriptor appended by one side of a call.
// SequenceNo is assigned by the channel in append order within the side;
// delivery is at-least-once, so consumers dedupe on it.
type Candidate struct {
	CallID     CallID
	Side       Side
	Data       string
	SequenceNo int
}
