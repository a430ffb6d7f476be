package netio

import (
	"errors"
	"fmt"

	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/l2sm/overlayd/internal/fabric"
)

// Sentinel errors for frame parsing.
var (
	// ErrMalformedFrame indicates the payload is not a usable Ethernet frame.
	ErrMalformedFrame = errors.New("malformed frame")
)

// ParseFrame decodes the Ethernet header of payload received on in.
//
// Frames shorter than an Ethernet header, frames with a group source
// address and ARP frames whose body is not a valid Ethernet/IPv4 ARP
// packet are rejected with ErrMalformedFrame. The returned Frame references
// payload without copying.
func ParseFrame(in fabric.Port, payload []byte) (fabric.Frame, error) {
	if len(payload) < header.EthernetMinimumSize {
		return fabric.Frame{}, fmt.Errorf("%d bytes, need %d: %w",
			len(payload), header.EthernetMinimumSize, ErrMalformedFrame)
	}

	eth := header.Ethernet(payload)

	src, err := fabric.MACFromBytes([]byte(eth.SourceAddress()))
	if err != nil {
		return fabric.Frame{}, fmt.Errorf("source address: %w", ErrMalformedFrame)
	}
	dst, err := fabric.MACFromBytes([]byte(eth.DestinationAddress()))
	if err != nil {
		return fabric.Frame{}, fmt.Errorf("destination address: %w", ErrMalformedFrame)
	}
	if !src.IsUnicast() {
		return fabric.Frame{}, fmt.Errorf("group source address %s: %w", src, ErrMalformedFrame)
	}

	f := fabric.Frame{
		InPort:  in,
		Src:     src,
		Dst:     dst,
		Payload: payload,
	}

	if eth.Type() == header.ARPProtocolNumber {
		arp := header.ARP(payload[header.EthernetMinimumSize:])
		if !arp.IsValid() {
			return fabric.Frame{}, fmt.Errorf("arp body: %w", ErrMalformedFrame)
		}
		f.ARP = true
	}

	return f, nil
}
