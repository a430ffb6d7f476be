package overlay_test

import (
	"errors"
	"testing"

	"github.com/l2sm/overlayd/internal/fabric"
	"github.com/l2sm/overlayd/internal/overlay"
)

func link(src, dst string) fabric.Link {
	return fabric.Link{Src: port(src), Dst: port(dst)}
}

// lineTopology is of:1 - of:2 - of:3 - of:4. Core links use ports 10 and
// 11; member ports use low numbers.
func lineTopology() *fabric.StaticTopology {
	return fabric.NewStaticTopology(fabric.Bidirectional([]fabric.Link{
		link("of:1/10", "of:2/10"),
		link("of:2/11", "of:3/10"),
		link("of:3/11", "of:4/10"),
	}))
}

// TestBuildTreeSharesPrefix roots a tree at of:1 with members on of:3 and
// of:4. Both paths share the of:1 -> of:2 -> of:3 prefix, so the tree has
// one branch node per device instead of one per destination hop.
func TestBuildTreeSharesPrefix(t *testing.T) {
	t.Parallel()

	root := port("of:1/1")
	members := []fabric.Port{root, port("of:3/1"), port("of:4/1")}

	tree, err := overlay.BuildTree(root, members, lineTopology())
	if err != nil {
		t.Fatalf("BuildTree: %v", err)
	}

	// Unshared, the paths would need 2 + 3 branch nodes.
	if got := tree.Branches(); got != 3 {
		t.Errorf("Branches = %d, want 3", got)
	}
	if got := len(tree.Resources); got != 3 {
		t.Errorf("Resources = %v, want 3 links", tree.Resources)
	}

	n2 := tree.Root.Children[port("of:1/10")]
	if n2 == nil || n2.Incoming != port("of:2/10") {
		t.Fatalf("of:2 node = %+v", n2)
	}
	n3 := n2.Children[port("of:2/11")]
	if n3 == nil || n3.Incoming != port("of:3/10") {
		t.Fatalf("of:3 node = %+v", n3)
	}
	if !n3.IsLeaf(port("of:3/1")) {
		t.Error("of:3/1 is not a leaf of the of:3 node")
	}
	n4 := n3.Children[port("of:3/11")]
	if n4 == nil || !n4.IsLeaf(port("of:4/1")) {
		t.Errorf("of:4 node = %+v", n4)
	}

	order := n3.Order()
	if len(order) != 2 || order[0] != port("of:3/1") || order[1] != port("of:3/11") {
		t.Errorf("of:3 child order = %v", order)
	}
}

func TestBuildTreeLocalMembers(t *testing.T) {
	t.Parallel()

	root := port("of:1/1")
	members := []fabric.Port{root, port("of:1/2"), port("of:1/3")}

	tree, err := overlay.BuildTree(root, members, lineTopology())
	if err != nil {
		t.Fatalf("BuildTree: %v", err)
	}
	if tree.Branches() != 0 || len(tree.Resources) != 0 {
		t.Errorf("local tree has %d branches, %d resources", tree.Branches(), len(tree.Resources))
	}
	for _, p := range members[1:] {
		if !tree.Root.IsLeaf(p) {
			t.Errorf("%s is not a root leaf", p)
		}
	}
}

func TestBuildTreeUnreachable(t *testing.T) {
	t.Parallel()

	root := port("of:1/1")
	_, err := overlay.BuildTree(root, []fabric.Port{root, port("of:9/1")}, lineTopology())
	if !errors.Is(err, fabric.ErrNoPath) {
		t.Errorf("err = %v, want ErrNoPath", err)
	}
}

func TestBuildTreeTransitMemberConflict(t *testing.T) {
	t.Parallel()

	// of:2/11 is a member and also the transit port toward of:4.
	root := port("of:1/1")
	members := []fabric.Port{root, port("of:2/11"), port("of:4/1")}

	_, err := overlay.BuildTree(root, members, lineTopology())
	if !errors.Is(err, overlay.ErrTreeConflict) {
		t.Errorf("err = %v, want ErrTreeConflict", err)
	}
}
