package lwip

// State is the TCP state of a PCB as the stack reports it.
type State uint8

const (
	Closed State = iota
	Listen
	SynSent
	SynRcvd
	Established
	FinWait1
	FinWait2
	CloseWait
	Closing
	LastAck
	TimeWait
)

// String returns the display name used in logs and diagnostics.
func (s State) String() string {
	switch s {
	case Closed:
		return "Closed"
	case Listen:
		return "Listen"
	case SynSent:
		return "SYN Sent"
	case SynRcvd:
		return "SYN Received"
	case Established:
		return "Established"
	case FinWait1:
		return "FIN Wait 1"
	case FinWait2:
		return "FIN Wait 2"
	case CloseWait:
		return "Close Wait"
	case Closing:
		return "Closing"
	case LastAck:
		return "Last ACK"
	case TimeWait:
		return "Time Wait"
	default:
		return "UNKNOWN"
	}
}
