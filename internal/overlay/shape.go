package overlay

import "fmt"

// Shape is the forwarding policy implied by a network's membership.
type Shape uint8

const (
	// ShapeEmpty covers zero or one member; no main program is installed.
	ShapeEmpty Shape = iota

	// ShapePointToPoint covers exactly two members: one bidirectional tunnel
	// (or a local cross-connect).
	ShapePointToPoint

	// ShapeMultiPoint covers three or more members: one replication tree per
	// member acting as root.
	ShapeMultiPoint
)

// ShapeFor derives the shape of a network with n members.
func ShapeFor(n int) Shape {
	switch {
	case n <= 1:
		return ShapeEmpty
	case n == 2:
		return ShapePointToPoint
	default:
		return ShapeMultiPoint
	}
}

// String returns the shape name.
func (s Shape) String() string {
	switch s {
	case ShapeEmpty:
		return "empty"
	case ShapePointToPoint:
		return "point_to_point"
	case ShapeMultiPoint:
		return "multi_point"
	default:
		return fmt.Sprintf("Shape(%d)", s)
	}
}
