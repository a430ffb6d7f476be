package overlay

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/l2sm/overlayd/internal/fabric"
)

// -------------------------------------------------------------------------
// Priorities
// -------------------------------------------------------------------------

// Priorities holds the rule priority of each forwarding tier.
type Priorities struct {
	// HostShortcut is used by learned-host unicast shortcuts.
	HostShortcut int

	// Link is used by point-to-point rules and tree convergence rules.
	Link int

	// Flood is used by broadcast replication groups and their selectors.
	Flood int
}

// DefaultPriorities returns the stock tier values.
func DefaultPriorities() Priorities {
	return Priorities{
		HostShortcut: 41000,
		Link:         40000,
		Flood:        39995,
	}
}

// ErrPriorityOrder indicates the tiers are not strictly ordered.
var ErrPriorityOrder = errors.New("priorities must satisfy host_shortcut > link > flood")

// Validate checks the tier ordering.
func (p Priorities) Validate() error {
	if p.HostShortcut <= p.Link || p.Link <= p.Flood {
		return fmt.Errorf("%w: got %d/%d/%d", ErrPriorityOrder, p.HostShortcut, p.Link, p.Flood)
	}
	return nil
}

// -------------------------------------------------------------------------
// Compiler
// -------------------------------------------------------------------------

// Compiler turns overlay membership into device-level forwarding programs.
// It keeps no per-network state and is safe for concurrent use.
type Compiler struct {
	topo   fabric.Topology
	prio   Priorities
	groups atomic.Uint32
}

// NewCompiler creates a compiler resolving paths through topo.
func NewCompiler(topo fabric.Topology, prio Priorities) *Compiler {
	return &Compiler{topo: topo, prio: prio}
}

// Priorities returns the tiers the compiler emits.
func (c *Compiler) Priorities() Priorities {
	return c.prio
}

func (c *Compiler) nextGroup() fabric.GroupID {
	return fabric.GroupID(c.groups.Add(1))
}

// ResolvePath turns a device path into fabric links. Each consecutive pair
// resolves to the first active link from the first device to the second.
func (c *Compiler) ResolvePath(devices []fabric.DeviceID) ([]fabric.Link, error) {
	if len(devices) < 2 {
		return nil, fmt.Errorf("resolve path %v: need at least two devices: %w", devices, ErrInvalidPath)
	}

	active := c.topo.ActiveLinks()
	links := make([]fabric.Link, 0, len(devices)-1)
	for i := 0; i+1 < len(devices); i++ {
		src, dst := devices[i], devices[i+1]
		found := false
		for _, l := range active {
			if l.Src.Device == src && l.Dst.Device == dst {
				links = append(links, l)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("resolve path hop %s -> %s: no active link: %w", src, dst, ErrInvalidPath)
		}
	}
	return links, nil
}

// LinkPath returns the link path a point-to-point tunnel between a and b
// follows: nil for a local cross-connect, the resolved explicit path when
// devices is non-empty, otherwise the topology's shortest path.
func (c *Compiler) LinkPath(a, b fabric.Port, devices []fabric.DeviceID) ([]fabric.Link, error) {
	if a.Device == b.Device {
		return nil, nil
	}

	var (
		path []fabric.Link
		err  error
	)
	if len(devices) > 0 {
		if devices[0] != a.Device || devices[len(devices)-1] != b.Device {
			return nil, fmt.Errorf("path %v does not join %s and %s: %w", devices, a, b, ErrInvalidPath)
		}
		path, err = c.ResolvePath(devices)
	} else {
		path, err = c.topo.ShortestPath(a.Device, b.Device)
	}
	if err != nil {
		return nil, fmt.Errorf("path %s -> %s: %w", a, b, err)
	}
	if err := checkContiguous(path, a.Device, b.Device); err != nil {
		return nil, err
	}
	return path, nil
}

func checkContiguous(path []fabric.Link, from, to fabric.DeviceID) error {
	if len(path) == 0 {
		return fmt.Errorf("empty path %s -> %s: %w", from, to, ErrInvalidPath)
	}
	if path[0].Src.Device != from || path[len(path)-1].Dst.Device != to {
		return fmt.Errorf("path does not join %s and %s: %w", from, to, ErrInvalidPath)
	}
	for i := 1; i < len(path); i++ {
		if path[i-1].Dst.Device != path[i].Src.Device {
			return fmt.Errorf("path breaks between %s and %s: %w", path[i-1], path[i], ErrInvalidPath)
		}
	}
	return nil
}

// -------------------------------------------------------------------------
// Point-to-Point
// -------------------------------------------------------------------------

// CompilePointToPoint builds the bidirectional tunnel between a and b along
// path, as returned by LinkPath. Ports on the same device are joined by a
// local cross-connect without a tunnel.
func (c *Compiler) CompilePointToPoint(h fabric.Handle, a, b fabric.Port,
	tunnel fabric.TunnelID, path []fabric.Link,
) (*fabric.Program, error) {
	if a.Device == b.Device {
		return &fabric.Program{
			Handle: h,
			Kind:   fabric.KindCrossConnect,
			Rules: []fabric.Rule{
				c.linkRule(a.Device, fabric.Selector{InPort: a.Number}, fabric.OutputTo(b.Number)),
				c.linkRule(b.Device, fabric.Selector{InPort: b.Number}, fabric.OutputTo(a.Number)),
			},
		}, nil
	}
	if err := checkContiguous(path, a.Device, b.Device); err != nil {
		return nil, fmt.Errorf("compile %s: %w", h, err)
	}

	first, last := path[0].Src, path[len(path)-1].Dst
	tagged := func(in fabric.PortNumber) fabric.Selector {
		return fabric.Selector{InPort: in, MatchTunnel: true, TunnelID: tunnel}
	}

	rules := make([]fabric.Rule, 0, 2*(len(path)+1))
	rules = append(rules,
		c.linkRule(a.Device, fabric.Selector{InPort: a.Number}, fabric.TunnelOutputTo(tunnel, first.Number)),
		c.linkRule(a.Device, tagged(first.Number), fabric.OutputTo(a.Number)),
	)
	for i := 1; i < len(path); i++ {
		in, out := path[i-1].Dst, path[i].Src
		rules = append(rules,
			c.linkRule(in.Device, tagged(in.Number), fabric.TunnelOutputTo(tunnel, out.Number)),
			c.linkRule(in.Device, tagged(out.Number), fabric.TunnelOutputTo(tunnel, in.Number)),
		)
	}
	rules = append(rules,
		c.linkRule(b.Device, fabric.Selector{InPort: b.Number}, fabric.TunnelOutputTo(tunnel, last.Number)),
		c.linkRule(b.Device, tagged(last.Number), fabric.OutputTo(b.Number)),
	)

	return &fabric.Program{
		Handle:    h,
		Kind:      fabric.KindPointToPoint,
		Rules:     rules,
		Resources: append([]fabric.Link(nil), path...),
	}, nil
}

func (c *Compiler) linkRule(dev fabric.DeviceID, sel fabric.Selector, tr fabric.Treatment) fabric.Rule {
	return fabric.Rule{
		Device:    dev,
		Table:     fabric.TableMain,
		Priority:  c.prio.Link,
		Selector:  sel,
		Treatment: tr,
	}
}

// -------------------------------------------------------------------------
// Point-to-Multipoint
// -------------------------------------------------------------------------

// CompileTree builds one replication tree per member acting as root, each
// tagged with that member's tunnel id.
func (c *Compiler) CompileTree(h fabric.Handle, ports []fabric.Port,
	tunnels []fabric.TunnelID,
) (*fabric.Program, error) {
	if len(ports) != len(tunnels) {
		return nil, fmt.Errorf("compile %s: %d ports but %d tunnel ids", h, len(ports), len(tunnels))
	}

	prog := &fabric.Program{Handle: h, Kind: fabric.KindTree}
	used := make(map[fabric.Link]struct{})

	for i, root := range ports {
		tree, err := BuildTree(root, ports, c.topo)
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", h, err)
		}
		for _, l := range tree.Resources {
			if _, ok := used[l]; !ok {
				used[l] = struct{}{}
				prog.Resources = append(prog.Resources, l)
			}
		}
		c.compileNode(prog, tree.Root, true, tunnels[i])
	}
	return prog, nil
}

// compileNode emits the convergence rules, the replication group and the
// group selector of one tree node, then recurses into its branches.
func (c *Compiler) compileNode(prog *fabric.Program, node *TreeNode, isRoot bool, tunnel fabric.TunnelID) {
	dev := node.Incoming.Device

	// Traffic flowing back toward the root.
	up := fabric.TunnelOutputTo(tunnel, node.Incoming.Number)
	if isRoot {
		up = fabric.OutputTo(node.Incoming.Number)
	}
	for _, out := range node.order {
		table := fabric.TableMain
		if node.IsLeaf(out) {
			table = fabric.TableConvergence
		}
		prog.Rules = append(prog.Rules, fabric.Rule{
			Device:    dev,
			Table:     table,
			Priority:  c.prio.Link,
			Selector:  fabric.Selector{InPort: out.Number, MatchTunnel: true, TunnelID: tunnel},
			Treatment: up,
		})
	}

	group := fabric.ReplicationGroup{
		Device:   dev,
		ID:       c.nextGroup(),
		Priority: c.prio.Flood,
		Buckets:  make([]fabric.Bucket, 0, len(node.order)),
	}
	for _, out := range node.order {
		if node.IsLeaf(out) {
			group.Buckets = append(group.Buckets, fabric.Bucket{Output: out.Number})
			continue
		}
		group.Buckets = append(group.Buckets, fabric.Bucket{
			SetTunnel: true,
			TunnelID:  tunnel,
			Output:    out.Number,
		})
	}
	prog.Groups = append(prog.Groups, group)

	// Traffic flowing away from the root.
	sel := fabric.Selector{InPort: node.Incoming.Number, MatchTunnel: true, TunnelID: tunnel}
	prio := c.prio.Link
	if isRoot {
		sel = fabric.Selector{InPort: node.Incoming.Number}
		prio = c.prio.Flood
	}
	prog.Rules = append(prog.Rules, fabric.Rule{
		Device:    dev,
		Table:     fabric.TableMain,
		Priority:  prio,
		Selector:  sel,
		Treatment: fabric.Treatment{Kind: fabric.ActionGroup, Group: group.ID},
	})

	for _, out := range node.order {
		if child := node.Children[out]; child != nil {
			c.compileNode(prog, child, false, tunnel)
		}
	}
}

// -------------------------------------------------------------------------
// Host Shortcuts
// -------------------------------------------------------------------------

// Shortcut describes one unicast shortcut from a sibling member toward a
// learned host.
type Shortcut struct {
	// Shape is the network shape the shortcut rides on.
	Shape Shape

	// Host is the port the host was learned on.
	Host fabric.Port

	// MAC is the host's hardware address.
	MAC fabric.MAC

	// Sibling is the member port whose traffic is steered.
	Sibling fabric.Port

	// Tunnel is the point-to-point tunnel id, or the host port's tunnel id
	// for a multi-point network.
	Tunnel fabric.TunnelID

	// Path is the link path of the point-to-point main program.
	Path []fabric.Link
}

// CompileShortcut builds the single-rule program that steers unicast
// traffic for s.MAC entering at s.Sibling toward s.Host.
//
// On a multi-point network the frame is tagged with the host root's tunnel
// id and continues in the convergence table of that root's tree. On a
// point-to-point network it takes the tunnel directly.
func (c *Compiler) CompileShortcut(h fabric.Handle, s Shortcut) (*fabric.Program, error) {
	sel := fabric.Selector{
		InPort:      s.Sibling.Number,
		MatchEthDst: true,
		EthDst:      s.MAC,
	}

	var tr fabric.Treatment
	switch {
	case s.Shape == ShapeMultiPoint:
		tr = fabric.Treatment{
			Kind:      fabric.ActionGotoTable,
			SetTunnel: true,
			TunnelID:  s.Tunnel,
			GotoTable: fabric.TableConvergence,
		}
	case s.Shape == ShapePointToPoint && s.Sibling.Device == s.Host.Device:
		tr = fabric.OutputTo(s.Host.Number)
	case s.Shape == ShapePointToPoint:
		if len(s.Path) == 0 {
			return nil, fmt.Errorf("compile %s: %w", h, ErrInvalidPath)
		}
		core := s.Path[len(s.Path)-1].Dst
		if s.Path[0].Src.Device == s.Sibling.Device {
			core = s.Path[0].Src
		}
		tr = fabric.TunnelOutputTo(s.Tunnel, core.Number)
	default:
		return nil, fmt.Errorf("compile %s: no shortcut for shape %s", h, s.Shape)
	}

	return &fabric.Program{
		Handle: h,
		Kind:   fabric.KindHostShortcut,
		Rules: []fabric.Rule{{
			Device:    s.Sibling.Device,
			Table:     fabric.TableMain,
			Priority:  c.prio.HostShortcut,
			Selector:  sel,
			Treatment: tr,
		}},
		Resources: append([]fabric.Link(nil), s.Path...),
	}, nil
}
