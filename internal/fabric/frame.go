package fabric

import "fmt"

// Frame is an inbound packet event delivered by the packet I/O layer after
// the Ethernet header has been parsed.
type Frame struct {
	// InPort is the member port the frame arrived on.
	InPort Port

	// Src and Dst are the Ethernet source and destination addresses.
	Src MAC
	Dst MAC

	// ARP is set when the EtherType is ARP and the payload is a valid
	// Ethernet/IPv4 ARP packet.
	ARP bool

	// Payload is the raw frame, starting at the Ethernet header.
	Payload []byte
}

// Action is the forwarding verdict for a Frame.
type Action uint8

const (
	// ActionDrop means the frame belongs to no overlay; the packet bus keeps
	// its default behavior.
	ActionDrop Action = iota

	// ActionFlood emits the frame on every other member port.
	ActionFlood

	// ActionUnicast emits the frame on the single learned host port.
	ActionUnicast
)

// String returns the lower-case verdict name.
func (a Action) String() string {
	switch a {
	case ActionDrop:
		return "drop"
	case ActionFlood:
		return "flood"
	case ActionUnicast:
		return "unicast"
	default:
		return fmt.Sprintf("Action(%d)", a)
	}
}

// Decision is the result of handling one Frame. The packet I/O layer
// performs the actual emission on Ports.
type Decision struct {
	Action  Action
	Network string
	Ports   []Port
}

// Handled reports whether the default flooding of the packet bus must be
// suppressed for this frame.
func (d Decision) Handled() bool {
	return d.Action != ActionDrop
}
