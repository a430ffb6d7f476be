package netio_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/l2sm/overlayd/internal/fabric"
	"github.com/l2sm/overlayd/internal/netio"
)

// -------------------------------------------------------------------------
// Test Helpers
// -------------------------------------------------------------------------

var (
	hostA = fabric.MAC{0x02, 0, 0, 0, 0, 0x0a}
	hostB = fabric.MAC{0x02, 0, 0, 0, 0, 0x0b}
)

func linkAddr(m fabric.MAC) tcpip.LinkAddress {
	return tcpip.LinkAddress(m[:])
}

// ethFrame builds an Ethernet frame with the given body.
func ethFrame(dst, src fabric.MAC, proto tcpip.NetworkProtocolNumber, body []byte) []byte {
	buf := make([]byte, header.EthernetMinimumSize+len(body))
	header.Ethernet(buf).Encode(&header.EthernetFields{
		SrcAddr: linkAddr(src),
		DstAddr: linkAddr(dst),
		Type:    proto,
	})
	copy(buf[header.EthernetMinimumSize:], body)
	return buf
}

// arpRequest builds a broadcast ARP request from src.
func arpRequest(src fabric.MAC) []byte {
	body := make([]byte, header.ARPSize)
	arp := header.ARP(body)
	arp.SetIPv4OverEthernet()
	arp.SetOp(header.ARPRequest)
	copy(arp.HardwareAddressSender(), src[:])
	copy(arp.ProtocolAddressSender(), []byte{192, 0, 2, 1})
	copy(arp.ProtocolAddressTarget(), []byte{192, 0, 2, 2})
	return ethFrame(fabric.BroadcastMAC, src, header.ARPProtocolNumber, body)
}

func ipv4Frame(dst, src fabric.MAC) []byte {
	return ethFrame(dst, src, header.IPv4ProtocolNumber, make([]byte, header.IPv4MinimumSize))
}

// -------------------------------------------------------------------------
// ParseFrame
// -------------------------------------------------------------------------

func TestParseFrameARP(t *testing.T) {
	t.Parallel()

	in := fabric.MustParsePort("of:1/1")
	raw := arpRequest(hostA)

	f, err := netio.ParseFrame(in, raw)
	require.NoError(t, err)

	assert.Equal(t, in, f.InPort)
	assert.Equal(t, hostA, f.Src)
	assert.True(t, f.Dst.IsBroadcast())
	assert.True(t, f.ARP)
	assert.Equal(t, raw, f.Payload)
}

func TestParseFrameUnicastIPv4(t *testing.T) {
	t.Parallel()

	f, err := netio.ParseFrame(fabric.MustParsePort("of:1/1"), ipv4Frame(hostB, hostA))
	require.NoError(t, err)

	assert.Equal(t, hostB, f.Dst)
	assert.False(t, f.ARP)
}

func TestParseFrameMalformed(t *testing.T) {
	t.Parallel()

	in := fabric.MustParsePort("of:1/1")
	truncatedARP := arpRequest(hostA)[:header.EthernetMinimumSize+10]

	tests := []struct {
		name string
		raw  []byte
	}{
		{"empty", nil},
		{"short header", make([]byte, header.EthernetMinimumSize-1)},
		{"multicast source", ipv4Frame(hostB, fabric.BroadcastMAC)},
		{"truncated arp", truncatedARP},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := netio.ParseFrame(in, tt.raw)
			require.ErrorIs(t, err, netio.ErrMalformedFrame)
		})
	}
}
