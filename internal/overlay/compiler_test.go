package overlay_test

import (
	"errors"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/l2sm/overlayd/internal/fabric"
	"github.com/l2sm/overlayd/internal/overlay"
)

func newCompiler() *overlay.Compiler {
	return overlay.NewCompiler(lineTopology(), overlay.DefaultPriorities())
}

func tagged(in fabric.PortNumber, tun fabric.TunnelID) fabric.Selector {
	return fabric.Selector{InPort: in, MatchTunnel: true, TunnelID: tun}
}

func TestCompilePointToPointRules(t *testing.T) {
	t.Parallel()

	c := newCompiler()
	a, b := port("of:1/1"), port("of:3/1")

	path, err := c.LinkPath(a, b, nil)
	if err != nil {
		t.Fatalf("LinkPath: %v", err)
	}
	prog, err := c.CompilePointToPoint("p2p", a, b, 7, path)
	if err != nil {
		t.Fatalf("CompilePointToPoint: %v", err)
	}

	prio := overlay.DefaultPriorities().Link
	rule := func(dev fabric.DeviceID, sel fabric.Selector, tr fabric.Treatment) fabric.Rule {
		return fabric.Rule{Device: dev, Table: fabric.TableMain, Priority: prio, Selector: sel, Treatment: tr}
	}
	want := &fabric.Program{
		Handle: "p2p",
		Kind:   fabric.KindPointToPoint,
		Rules: []fabric.Rule{
			rule("of:1", fabric.Selector{InPort: 1}, fabric.TunnelOutputTo(7, 10)),
			rule("of:1", tagged(10, 7), fabric.OutputTo(1)),
			rule("of:2", tagged(10, 7), fabric.TunnelOutputTo(7, 11)),
			rule("of:2", tagged(11, 7), fabric.TunnelOutputTo(7, 10)),
			rule("of:3", fabric.Selector{InPort: 1}, fabric.TunnelOutputTo(7, 10)),
			rule("of:3", tagged(10, 7), fabric.OutputTo(1)),
		},
		Resources: []fabric.Link{
			link("of:1/10", "of:2/10"),
			link("of:2/11", "of:3/10"),
		},
	}
	if diff := cmp.Diff(want, prog); diff != "" {
		t.Errorf("program mismatch (-want +got):\n%s", diff)
	}
}

func TestCompilePointToPointCrossConnect(t *testing.T) {
	t.Parallel()

	c := newCompiler()
	a, b := port("of:2/1"), port("of:2/2")

	path, err := c.LinkPath(a, b, nil)
	if err != nil || path != nil {
		t.Fatalf("LinkPath = %v, %v; want nil, nil", path, err)
	}
	prog, err := c.CompilePointToPoint("xc", a, b, 7, path)
	if err != nil {
		t.Fatalf("CompilePointToPoint: %v", err)
	}
	if prog.Kind != fabric.KindCrossConnect {
		t.Errorf("Kind = %s, want cross_connect", prog.Kind)
	}
	if len(prog.Rules) != 2 {
		t.Fatalf("rules = %v, want 2", prog.Rules)
	}
	for _, r := range prog.Rules {
		if r.Selector.MatchTunnel || r.Treatment.SetTunnel {
			t.Errorf("cross-connect rule uses a tunnel: %s", r)
		}
	}
}

func TestLinkPathExplicit(t *testing.T) {
	t.Parallel()

	c := newCompiler()
	a, b := port("of:1/1"), port("of:4/1")

	path, err := c.LinkPath(a, b, []fabric.DeviceID{"of:1", "of:2", "of:3", "of:4"})
	if err != nil {
		t.Fatalf("LinkPath: %v", err)
	}
	if len(path) != 3 || path[2] != link("of:3/11", "of:4/10") {
		t.Errorf("path = %v", path)
	}

	tests := []struct {
		name    string
		devices []fabric.DeviceID
	}{
		{"no link between hops", []fabric.DeviceID{"of:1", "of:3", "of:4"}},
		{"wrong start", []fabric.DeviceID{"of:2", "of:3", "of:4"}},
		{"wrong end", []fabric.DeviceID{"of:1", "of:2", "of:3"}},
		{"single device", []fabric.DeviceID{"of:1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := c.LinkPath(a, b, tt.devices)
			if !errors.Is(err, overlay.ErrInvalidPath) {
				t.Errorf("err = %v, want ErrInvalidPath", err)
			}
		})
	}
}

func treeMembers() ([]fabric.Port, []fabric.TunnelID) {
	return []fabric.Port{port("of:1/1"), port("of:3/1"), port("of:4/1")},
		[]fabric.TunnelID{101, 102, 103}
}

// TestCompileTreeDeterministic compiles the same membership twice; only
// replication group identifiers may differ.
func TestCompileTreeDeterministic(t *testing.T) {
	t.Parallel()

	c := newCompiler()
	ports, tunnels := treeMembers()

	first, err := c.CompileTree("tree", ports, tunnels)
	if err != nil {
		t.Fatalf("first CompileTree: %v", err)
	}
	second, err := c.CompileTree("tree", ports, tunnels)
	if err != nil {
		t.Fatalf("second CompileTree: %v", err)
	}

	opts := cmp.Options{
		cmpopts.IgnoreFields(fabric.ReplicationGroup{}, "ID"),
		cmpopts.IgnoreFields(fabric.Treatment{}, "Group"),
	}
	if diff := cmp.Diff(first, second, opts); diff != "" {
		t.Errorf("compilations differ (-first +second):\n%s", diff)
	}
	if first.Groups[0].ID == second.Groups[0].ID {
		t.Error("group ids reused across compilations")
	}
}

func TestCompileTreePerRoot(t *testing.T) {
	t.Parallel()

	c := newCompiler()
	prio := overlay.DefaultPriorities()
	ports, tunnels := treeMembers()

	prog, err := c.CompileTree("tree", ports, tunnels)
	if err != nil {
		t.Fatalf("CompileTree: %v", err)
	}
	if prog.Kind != fabric.KindTree {
		t.Errorf("Kind = %s, want tree", prog.Kind)
	}
	if len(prog.Resources) != 6 {
		t.Errorf("Resources = %d links, want 6 (3 in each direction)", len(prog.Resources))
	}

	// One untagged flood selector per root, at the flood tier.
	var roots []fabric.Port
	for _, r := range prog.Rules {
		if r.Selector.MatchTunnel {
			if r.Priority != prio.Link {
				t.Errorf("tagged rule %s has priority %d, want %d", r, r.Priority, prio.Link)
			}
			continue
		}
		if r.Priority != prio.Flood || r.Treatment.Kind != fabric.ActionGroup {
			t.Errorf("untagged rule %s is not a flood selector", r)
		}
		roots = append(roots, fabric.Port{Device: r.Device, Number: r.Selector.InPort})
	}
	if !slices.Equal(roots, ports) {
		t.Errorf("flood selectors at %v, want %v", roots, ports)
	}

	for _, g := range prog.Groups {
		if g.Priority != prio.Flood {
			t.Errorf("group on %s has priority %d, want %d", g.Device, g.Priority, prio.Flood)
		}
		if len(g.Buckets) == 0 {
			t.Errorf("group on %s has no buckets", g.Device)
		}
	}

	// In the tree rooted at of:1/1 the leaf on of:4 converges back toward
	// of:3 tagged with the root's tunnel id, from the convergence table.
	want := fabric.Rule{
		Device:    "of:4",
		Table:     fabric.TableConvergence,
		Priority:  prio.Link,
		Selector:  tagged(1, 101),
		Treatment: fabric.TunnelOutputTo(101, 10),
	}
	if !slices.Contains(prog.Rules, want) {
		t.Errorf("missing convergence rule %s", want)
	}

	// At the root itself the convergence rule strips the tunnel.
	wantRoot := fabric.Rule{
		Device:    "of:1",
		Table:     fabric.TableMain,
		Priority:  prio.Link,
		Selector:  tagged(10, 101),
		Treatment: fabric.OutputTo(1),
	}
	if !slices.Contains(prog.Rules, wantRoot) {
		t.Errorf("missing root convergence rule %s", wantRoot)
	}
}

func TestCompileTreeRejectsMismatchedTunnels(t *testing.T) {
	t.Parallel()

	ports, _ := treeMembers()
	if _, err := newCompiler().CompileTree("tree", ports, []fabric.TunnelID{1}); err == nil {
		t.Error("CompileTree accepted 3 ports with 1 tunnel id")
	}
}

func TestCompileShortcut(t *testing.T) {
	t.Parallel()

	c := newCompiler()
	prio := overlay.DefaultPriorities()
	m := mac("02:00:00:00:00:01")
	path := []fabric.Link{
		link("of:1/10", "of:2/10"),
		link("of:2/11", "of:3/10"),
	}

	tests := []struct {
		name string
		sc   overlay.Shortcut
		want fabric.Treatment
	}{
		{
			name: "multi point tags and jumps to convergence",
			sc: overlay.Shortcut{
				Shape: overlay.ShapeMultiPoint, Host: port("of:1/1"), MAC: m,
				Sibling: port("of:3/1"), Tunnel: 101,
			},
			want: fabric.Treatment{
				Kind: fabric.ActionGotoTable, SetTunnel: true, TunnelID: 101,
				GotoTable: fabric.TableConvergence,
			},
		},
		{
			name: "point to point from the far end",
			sc: overlay.Shortcut{
				Shape: overlay.ShapePointToPoint, Host: port("of:1/1"), MAC: m,
				Sibling: port("of:3/1"), Tunnel: 7, Path: path,
			},
			want: fabric.TunnelOutputTo(7, 10),
		},
		{
			name: "point to point from the near end",
			sc: overlay.Shortcut{
				Shape: overlay.ShapePointToPoint, Host: port("of:3/1"), MAC: m,
				Sibling: port("of:1/1"), Tunnel: 7, Path: path,
			},
			want: fabric.TunnelOutputTo(7, 10),
		},
		{
			name: "point to point on one device",
			sc: overlay.Shortcut{
				Shape: overlay.ShapePointToPoint, Host: port("of:2/1"), MAC: m,
				Sibling: port("of:2/2"), Tunnel: 7,
			},
			want: fabric.OutputTo(1),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			prog, err := c.CompileShortcut("sc", tt.sc)
			if err != nil {
				t.Fatalf("CompileShortcut: %v", err)
			}
			if prog.Kind != fabric.KindHostShortcut || len(prog.Rules) != 1 {
				t.Fatalf("program = %+v", prog)
			}
			r := prog.Rules[0]
			if r.Device != tt.sc.Sibling.Device || r.Priority != prio.HostShortcut {
				t.Errorf("rule %s on wrong device or tier", r)
			}
			if !r.Selector.MatchEthDst || r.Selector.EthDst != m || r.Selector.InPort != tt.sc.Sibling.Number {
				t.Errorf("selector = %+v", r.Selector)
			}
			if diff := cmp.Diff(tt.want, r.Treatment); diff != "" {
				t.Errorf("treatment mismatch (-want +got):\n%s", diff)
			}
		})
	}

	if _, err := c.CompileShortcut("sc", overlay.Shortcut{Shape: overlay.ShapeEmpty}); err == nil {
		t.Error("CompileShortcut accepted an empty network")
	}
}

func TestPrioritiesValidate(t *testing.T) {
	t.Parallel()

	if err := overlay.DefaultPriorities().Validate(); err != nil {
		t.Errorf("default priorities: %v", err)
	}
	bad := overlay.Priorities{HostShortcut: 100, Link: 100, Flood: 50}
	if err := bad.Validate(); !errors.Is(err, overlay.ErrPriorityOrder) {
		t.Errorf("err = %v, want ErrPriorityOrder", err)
	}
}
