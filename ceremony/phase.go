package ceremony

// Phase is the state of the ceremony as a whole, not of a participant.
type Phase int32

const (
	AwaitingContribution Phase = iota
	Validating
	Committed
	Rejected
)

func (p Phase) String() string {
	switch p {
	case AwaitingContribution:
		return "awaiting_contribution"
	case Validating:
		return "validating"
	case Committed:
		return "committed"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}
