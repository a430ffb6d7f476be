package overlay

import (
	"errors"
	"fmt"

	"github.com/l2sm/overlayd/internal/fabric"
)

// ErrTreeConflict indicates a member port also carries transit traffic for
// another member, so it cannot be both a leaf and a branch of the same tree.
var ErrTreeConflict = errors.New("port is both a tree leaf and a transit port")

// TreeNode is one device-level stop of a replication tree.
//
// Incoming is the port traffic from the root enters this device on (the
// root port itself for the root node). Children maps each outgoing port on
// the same device to the next node, or to nil for a member leaf.
type TreeNode struct {
	Incoming fabric.Port
	Children map[fabric.Port]*TreeNode

	order []fabric.Port
}

func newTreeNode(incoming fabric.Port) *TreeNode {
	return &TreeNode{
		Incoming: incoming,
		Children: make(map[fabric.Port]*TreeNode),
	}
}

// Order returns the outgoing ports in the order they were attached.
func (n *TreeNode) Order() []fabric.Port {
	return n.order
}

// IsLeaf reports whether out is a member leaf of n.
func (n *TreeNode) IsLeaf(out fabric.Port) bool {
	child, ok := n.Children[out]
	return ok && child == nil
}

func (n *TreeNode) addLeaf(out fabric.Port) error {
	if child, ok := n.Children[out]; ok {
		if child != nil {
			return fmt.Errorf("leaf %s: %w", out, ErrTreeConflict)
		}
		return nil
	}
	n.Children[out] = nil
	n.order = append(n.order, out)
	return nil
}

// branch returns the child departing through out, creating it with the
// given incoming port when absent.
func (n *TreeNode) branch(out, incoming fabric.Port) (*TreeNode, error) {
	child, ok := n.Children[out]
	if ok {
		if child == nil {
			return nil, fmt.Errorf("transit %s: %w", out, ErrTreeConflict)
		}
		return child, nil
	}
	child = newTreeNode(incoming)
	n.Children[out] = child
	n.order = append(n.order, out)
	return child, nil
}

// Tree is a point-to-multipoint distribution tree rooted at one member.
type Tree struct {
	Root *TreeNode

	// Resources lists every fabric link the tree uses, in first-use order.
	Resources []fabric.Link
}

// Branches returns the number of non-root branch nodes.
func (t *Tree) Branches() int {
	var count func(*TreeNode) int
	count = func(n *TreeNode) int {
		total := 0
		for _, out := range n.order {
			if child := n.Children[out]; child != nil {
				total += 1 + count(child)
			}
		}
		return total
	}
	return count(t.Root)
}

// BuildTree merges the shortest paths from root to every other member into
// one tree. Paths that share their first k hops share k branch nodes.
func BuildTree(root fabric.Port, members []fabric.Port, topo fabric.Topology) (*Tree, error) {
	tree := &Tree{Root: newTreeNode(root)}
	used := make(map[fabric.Link]struct{})

	for _, member := range members {
		if member == root {
			continue
		}
		if member.Device == root.Device {
			if err := tree.Root.addLeaf(member); err != nil {
				return nil, fmt.Errorf("build tree from %s: %w", root, err)
			}
			continue
		}

		path, err := topo.ShortestPath(root.Device, member.Device)
		if err != nil {
			return nil, fmt.Errorf("build tree from %s to %s: %w", root, member, err)
		}

		cur := tree.Root
		for _, l := range path {
			if _, ok := used[l]; !ok {
				used[l] = struct{}{}
				tree.Resources = append(tree.Resources, l)
			}
			cur, err = cur.branch(l.Src, l.Dst)
			if err != nil {
				return nil, fmt.Errorf("build tree from %s to %s: %w", root, member, err)
			}
		}
		if err := cur.addLeaf(member); err != nil {
			return nil, fmt.Errorf("build tree from %s to %s: %w", root, member, err)
		}
	}
	return tree, nil
}
