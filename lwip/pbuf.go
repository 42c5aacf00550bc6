package lwip

// FlagPush marks a pbuf that carried the TCP PSH flag.
const FlagPush uint8 = 0x01

// Pbuf is one received segment. A receive event may carry a chain linked
// through Next; consumers unlink each element before handing it on.
type Pbuf struct {
	Payload []byte
	Flags   uint8
	Next    *Pbuf
}

// Len returns the payload length of this element only.
func (p *Pbuf) Len() int {
	if p == nil {
		return 0
	}
	return len(p.Payload)
}

// TotLen returns the payload length of the whole chain starting at p.
func (p *Pbuf) TotLen() int {
	n := 0
	for b := p; b != nil; b = b.Next {
		n += len(b.Payload)
	}
	return n
}

// Chain appends q to the end of the chain starting at p and returns the head.
func Chain(p, q *Pbuf) *Pbuf {
	if p == nil {
		return q
	}
	tail := p
	for tail.Next != nil {
		tail = tail.Next
	}
	tail.Next = q
	return p
}
