package fabric

import (
	"fmt"
	"strings"
)

// -------------------------------------------------------------------------
// Program Model
// -------------------------------------------------------------------------

// Table identifies a device pipeline table.
type Table uint8

const (
	// TableMain is the ingress table every packet enters first.
	TableMain Table = 0

	// TableConvergence holds per-root rules that carry traffic from a tree
	// leaf back toward the root. Host shortcuts jump here after tagging.
	TableConvergence Table = 1
)

// GroupID identifies a replication group on a device.
type GroupID uint32

// Selector is the match part of a rule. Zero-valued fields with their
// Match flag unset are wildcards.
type Selector struct {
	InPort      PortNumber `json:"in_port"`
	MatchTunnel bool       `json:"match_tunnel,omitempty"`
	TunnelID    TunnelID   `json:"tunnel_id,omitempty"`
	MatchEthDst bool       `json:"match_eth_dst,omitempty"`
	EthDst      MAC        `json:"eth_dst,omitzero"`
}

// Treatment is the action part of a rule. Exactly one of Output, Group or
// GotoTable is meaningful, selected by Kind.
type Treatment struct {
	Kind      TreatmentKind `json:"kind"`
	SetTunnel bool          `json:"set_tunnel,omitempty"`
	TunnelID  TunnelID      `json:"tunnel_id,omitempty"`
	Output    PortNumber    `json:"output,omitempty"`
	Group     GroupID       `json:"group,omitempty"`
	GotoTable Table         `json:"goto_table,omitempty"`
}

// TreatmentKind selects the terminal action of a Treatment.
type TreatmentKind uint8

const (
	// ActionOutput forwards the packet out of Treatment.Output.
	ActionOutput TreatmentKind = iota + 1

	// ActionGroup hands the packet to replication group Treatment.Group.
	ActionGroup

	// ActionGotoTable continues processing in Treatment.GotoTable.
	ActionGotoTable
)

// String returns the action name.
func (k TreatmentKind) String() string {
	switch k {
	case ActionOutput:
		return "output"
	case ActionGroup:
		return "group"
	case ActionGotoTable:
		return "goto"
	default:
		return fmt.Sprintf("TreatmentKind(%d)", k)
	}
}

// OutputTo builds a plain output treatment.
func OutputTo(port PortNumber) Treatment {
	return Treatment{Kind: ActionOutput, Output: port}
}

// TunnelOutputTo builds a set-tunnel-then-output treatment.
func TunnelOutputTo(tunnel TunnelID, port PortNumber) Treatment {
	return Treatment{Kind: ActionOutput, SetTunnel: true, TunnelID: tunnel, Output: port}
}

// Rule is one match/action entry installed in a device table.
type Rule struct {
	Device    DeviceID  `json:"device"`
	Table     Table     `json:"table"`
	Priority  int       `json:"priority"`
	Selector  Selector  `json:"selector"`
	Treatment Treatment `json:"treatment"`
}

// String renders the rule in a compact single-line form for logs and CLI.
func (r Rule) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s t%d p%d in=%d", r.Device, r.Table, r.Priority, r.Selector.InPort)
	if r.Selector.MatchTunnel {
		fmt.Fprintf(&b, " tun=%d", r.Selector.TunnelID)
	}
	if r.Selector.MatchEthDst {
		fmt.Fprintf(&b, " dst=%s", r.Selector.EthDst)
	}
	b.WriteString(" =>")
	if r.Treatment.SetTunnel {
		fmt.Fprintf(&b, " set-tun=%d", r.Treatment.TunnelID)
	}
	switch r.Treatment.Kind {
	case ActionOutput:
		fmt.Fprintf(&b, " out=%d", r.Treatment.Output)
	case ActionGroup:
		fmt.Fprintf(&b, " group=%d", r.Treatment.Group)
	case ActionGotoTable:
		fmt.Fprintf(&b, " goto=%d", r.Treatment.GotoTable)
	}
	return b.String()
}

// Bucket is one member of a replication group.
type Bucket struct {
	SetTunnel bool       `json:"set_tunnel,omitempty"`
	TunnelID  TunnelID   `json:"tunnel_id,omitempty"`
	Output    PortNumber `json:"output"`
}

// ReplicationGroup copies a packet to every bucket (broadcast group).
type ReplicationGroup struct {
	Device   DeviceID `json:"device"`
	ID       GroupID  `json:"id"`
	Priority int      `json:"priority"`
	Buckets  []Bucket `json:"buckets"`
}

// -------------------------------------------------------------------------
// Programs
// -------------------------------------------------------------------------

// Handle correlates a program with its asynchronous lifecycle events.
type Handle string

// ProgramKind names the compiler policy that produced a program.
type ProgramKind uint8

const (
	// KindCrossConnect joins two ports on the same device without a tunnel.
	KindCrossConnect ProgramKind = iota + 1

	// KindPointToPoint is a bidirectional tunnel between two edge ports.
	KindPointToPoint

	// KindTree is the set of per-root replication trees of a 3+ member network.
	KindTree

	// KindHostShortcut steers unicast toward one learned host.
	KindHostShortcut
)

// String returns the kind name used in logs and metric labels.
func (k ProgramKind) String() string {
	switch k {
	case KindCrossConnect:
		return "cross_connect"
	case KindPointToPoint:
		return "point_to_point"
	case KindTree:
		return "tree"
	case KindHostShortcut:
		return "host_shortcut"
	default:
		return fmt.Sprintf("ProgramKind(%d)", k)
	}
}

// Program is an installable, revocable unit of device-level forwarding
// behavior. Resources lists the fabric links the program depends on.
type Program struct {
	Handle    Handle             `json:"handle"`
	Kind      ProgramKind        `json:"kind"`
	Rules     []Rule             `json:"rules"`
	Groups    []ReplicationGroup `json:"groups,omitempty"`
	Resources []Link             `json:"resources,omitempty"`
}

// Devices returns the distinct devices touched by the program, in first-use
// order.
func (p *Program) Devices() []DeviceID {
	seen := make(map[DeviceID]struct{})
	var out []DeviceID
	add := func(d DeviceID) {
		if _, ok := seen[d]; ok {
			return
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	for _, r := range p.Rules {
		add(r.Device)
	}
	for _, g := range p.Groups {
		add(g.Device)
	}
	return out
}

// -------------------------------------------------------------------------
// Lifecycle Events
// -------------------------------------------------------------------------

// EventType is the lifecycle transition reported for a program.
type EventType uint8

const (
	// EventInstalled reports that every rule of the program is in place.
	EventInstalled EventType = iota + 1

	// EventFailed reports that the program could not be installed.
	EventFailed

	// EventWithdrawn reports that the program was removed from devices and
	// is waiting to be purged.
	EventWithdrawn
)

// String returns the upper-case event name.
func (t EventType) String() string {
	switch t {
	case EventInstalled:
		return "INSTALLED"
	case EventFailed:
		return "FAILED"
	case EventWithdrawn:
		return "WITHDRAWN"
	default:
		return fmt.Sprintf("EventType(%d)", t)
	}
}

// ProgramEvent is published by an Installer for every lifecycle transition.
type ProgramEvent struct {
	Handle Handle
	Type   EventType
	Reason string
}
