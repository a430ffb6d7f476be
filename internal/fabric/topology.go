package fabric

import (
	"fmt"
	"slices"
	"sync"
)

// Topology is the fabric's path oracle. The first path returned is
// authoritative; no cost model is assumed.
type Topology interface {
	// ShortestPath returns the ordered links from device a to device b.
	// It returns ErrNoPath when b is unreachable, and an empty path when
	// a == b.
	ShortestPath(a, b DeviceID) ([]Link, error)

	// ActiveLinks returns every link currently usable.
	ActiveLinks() []Link
}

// StaticTopology is a Topology over a fixed link set, replaced wholesale on
// configuration reload. Paths are computed with breadth-first search so the
// result has the fewest hops; ties go to the link declared first.
type StaticTopology struct {
	mu    sync.RWMutex
	links []Link
	adj   map[DeviceID][]Link
}

// NewStaticTopology creates a topology from the given unidirectional links.
func NewStaticTopology(links []Link) *StaticTopology {
	t := &StaticTopology{}
	t.Replace(links)
	return t
}

// Bidirectional returns links plus the reverse of every link that is not
// already declared in the opposite direction.
func Bidirectional(links []Link) []Link {
	seen := make(map[Link]struct{}, 2*len(links))
	out := make([]Link, 0, 2*len(links))
	for _, l := range links {
		if _, ok := seen[l]; !ok {
			seen[l] = struct{}{}
			out = append(out, l)
		}
	}
	for _, l := range links {
		r := l.Reverse()
		if _, ok := seen[r]; !ok {
			seen[r] = struct{}{}
			out = append(out, r)
		}
	}
	return out
}

// Replace swaps the link set atomically.
func (t *StaticTopology) Replace(links []Link) {
	adj := make(map[DeviceID][]Link)
	for _, l := range links {
		adj[l.Src.Device] = append(adj[l.Src.Device], l)
	}

	t.mu.Lock()
	t.links = slices.Clone(links)
	t.adj = adj
	t.mu.Unlock()
}

// ActiveLinks returns a copy of the current link set.
func (t *StaticTopology) ActiveLinks() []Link {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return slices.Clone(t.links)
}

// ShortestPath implements Topology.
func (t *StaticTopology) ShortestPath(a, b DeviceID) ([]Link, error) {
	if a == b {
		return []Link{}, nil
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	// via records the link used to first reach each device.
	via := map[DeviceID]Link{}
	visited := map[DeviceID]struct{}{a: {}}
	queue := []DeviceID{a}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for _, l := range t.adj[cur] {
			next := l.Dst.Device
			if _, ok := visited[next]; ok {
				continue
			}
			visited[next] = struct{}{}
			via[next] = l

			if next == b {
				return unwind(via, a, b), nil
			}
			queue = append(queue, next)
		}
	}

	return nil, fmt.Errorf("path %s -> %s: %w", a, b, ErrNoPath)
}

// unwind rebuilds the link sequence from the BFS predecessor map.
func unwind(via map[DeviceID]Link, a, b DeviceID) []Link {
	var path []Link
	for cur := b; cur != a; {
		l := via[cur]
		path = append(path, l)
		cur = l.Src.Device
	}
	slices.Reverse(path)
	return path
}
