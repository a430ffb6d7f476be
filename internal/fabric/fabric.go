package fabric

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// -------------------------------------------------------------------------
// Errors
// -------------------------------------------------------------------------

// Sentinel errors for fabric value parsing and topology queries.
var (
	// ErrInvalidPort indicates a port string is not "<device>/<number>".
	ErrInvalidPort = errors.New("invalid port")

	// ErrInvalidMAC indicates a hardware address is not a 6-byte EUI-48.
	ErrInvalidMAC = errors.New("invalid hardware address")

	// ErrNoPath indicates the topology has no path between two devices.
	ErrNoPath = errors.New("no path between devices")
)

// -------------------------------------------------------------------------
// Devices, Ports, Links
// -------------------------------------------------------------------------

// DeviceID identifies a switch in the fabric, e.g. "of:0000000000000001".
type DeviceID string

// PortNumber is a device-local port number.
type PortNumber uint32

// Port is a physical attachment point: a (device, port number) pair.
// Port is comparable and used as a map key throughout the overlay core.
type Port struct {
	Device DeviceID   `json:"device"`
	Number PortNumber `json:"number"`
}

// String renders the port as "<device>/<number>".
func (p Port) String() string {
	return string(p.Device) + "/" + strconv.FormatUint(uint64(p.Number), 10)
}

// IsZero reports whether p is the zero Port.
func (p Port) IsZero() bool {
	return p.Device == "" && p.Number == 0
}

// ParsePort parses "<device>/<number>". The device part may itself contain
// slashes; the number is taken after the last one.
func ParsePort(s string) (Port, error) {
	idx := strings.LastIndexByte(s, '/')
	if idx <= 0 || idx == len(s)-1 {
		return Port{}, fmt.Errorf("parse port %q: %w", s, ErrInvalidPort)
	}

	n, err := strconv.ParseUint(s[idx+1:], 10, 32)
	if err != nil {
		return Port{}, fmt.Errorf("parse port %q: %w: %w", s, ErrInvalidPort, err)
	}

	return Port{Device: DeviceID(s[:idx]), Number: PortNumber(n)}, nil
}

// MustParsePort is like ParsePort but panics on error. Intended for tests
// and static tables.
func MustParsePort(s string) Port {
	p, err := ParsePort(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Link is a unidirectional connection from Src on one device to Dst on
// another.
type Link struct {
	Src Port `json:"src"`
	Dst Port `json:"dst"`
}

// Reverse returns the link in the opposite direction.
func (l Link) Reverse() Link {
	return Link{Src: l.Dst, Dst: l.Src}
}

// String renders the link as "src->dst".
func (l Link) String() string {
	return l.Src.String() + "->" + l.Dst.String()
}

// -------------------------------------------------------------------------
// Tunnel Identifiers
// -------------------------------------------------------------------------

// TunnelIDBits is the width of a tunnel identifier.
const TunnelIDBits = 24

// MaxTunnelID is the largest representable tunnel identifier.
const MaxTunnelID TunnelID = 1<<TunnelIDBits - 1

// TunnelID tags traffic belonging to one overlay network (or one broadcast
// root) while it crosses core devices. Only the low 24 bits are used.
type TunnelID uint32

// -------------------------------------------------------------------------
// Hardware Addresses
// -------------------------------------------------------------------------

// MAC is an EUI-48 hardware address. Unlike net.HardwareAddr it is
// comparable and can key a map.
type MAC [6]byte

// BroadcastMAC is ff:ff:ff:ff:ff:ff.
var BroadcastMAC = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// ParseMAC parses any EUI-48 notation accepted by net.ParseMAC.
func ParseMAC(s string) (MAC, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return MAC{}, fmt.Errorf("parse mac %q: %w: %w", s, ErrInvalidMAC, err)
	}
	return MACFromBytes(hw)
}

// MACFromBytes copies a 6-byte slice into a MAC.
func MACFromBytes(b []byte) (MAC, error) {
	var m MAC
	if len(b) != len(m) {
		return MAC{}, fmt.Errorf("mac of %d bytes: %w", len(b), ErrInvalidMAC)
	}
	copy(m[:], b)
	return m, nil
}

// String renders the address in colon-separated lowercase hex.
func (m MAC) String() string {
	return net.HardwareAddr(m[:]).String()
}

// IsBroadcast reports whether m is the all-ones address.
func (m MAC) IsBroadcast() bool {
	return m == BroadcastMAC
}

// IsMulticast reports whether the group bit is set. Broadcast is multicast.
func (m MAC) IsMulticast() bool {
	return m[0]&0x01 != 0
}

// IsUnicast reports whether m addresses a single station.
func (m MAC) IsUnicast() bool {
	return !m.IsMulticast()
}

// MarshalText implements encoding.TextMarshaler.
func (m MAC) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *MAC) UnmarshalText(text []byte) error {
	parsed, err := ParseMAC(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
