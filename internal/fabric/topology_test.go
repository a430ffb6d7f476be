package fabric_test

import (
	"errors"
	"testing"

	"github.com/l2sm/overlayd/internal/fabric"
)

// link is a test helper building a link from two port strings.
func link(src, dst string) fabric.Link {
	return fabric.Link{Src: fabric.MustParsePort(src), Dst: fabric.MustParsePort(dst)}
}

// lineTopology returns s1 - s2 - s3 - s4 with links in both directions.
func lineTopology() *fabric.StaticTopology {
	return fabric.NewStaticTopology(fabric.Bidirectional([]fabric.Link{
		link("of:1/10", "of:2/10"),
		link("of:2/11", "of:3/10"),
		link("of:3/11", "of:4/10"),
	}))
}

func TestShortestPathLine(t *testing.T) {
	t.Parallel()

	topo := lineTopology()

	path, err := topo.ShortestPath("of:1", "of:4")
	if err != nil {
		t.Fatalf("ShortestPath: %v", err)
	}

	want := []fabric.Link{
		link("of:1/10", "of:2/10"),
		link("of:2/11", "of:3/10"),
		link("of:3/11", "of:4/10"),
	}
	if len(path) != len(want) {
		t.Fatalf("path = %v, want %v", path, want)
	}
	for i := range want {
		if path[i] != want[i] {
			t.Errorf("path[%d] = %s, want %s", i, path[i], want[i])
		}
	}

	back, err := topo.ShortestPath("of:4", "of:1")
	if err != nil {
		t.Fatalf("reverse ShortestPath: %v", err)
	}
	if len(back) != 3 || back[0] != want[2].Reverse() {
		t.Errorf("reverse path = %v", back)
	}
}

func TestShortestPathPrefersFewerHops(t *testing.T) {
	t.Parallel()

	// of:1 reaches of:3 either directly or through of:2.
	topo := fabric.NewStaticTopology([]fabric.Link{
		link("of:1/1", "of:2/1"),
		link("of:2/2", "of:3/1"),
		link("of:1/2", "of:3/2"),
	})

	path, err := topo.ShortestPath("of:1", "of:3")
	if err != nil {
		t.Fatalf("ShortestPath: %v", err)
	}
	if len(path) != 1 || path[0] != link("of:1/2", "of:3/2") {
		t.Errorf("path = %v, want direct link", path)
	}
}

func TestShortestPathSameDevice(t *testing.T) {
	t.Parallel()

	path, err := lineTopology().ShortestPath("of:2", "of:2")
	if err != nil {
		t.Fatalf("ShortestPath: %v", err)
	}
	if len(path) != 0 {
		t.Errorf("path = %v, want empty", path)
	}
}

func TestShortestPathUnreachable(t *testing.T) {
	t.Parallel()

	// Only one direction is declared.
	topo := fabric.NewStaticTopology([]fabric.Link{link("of:1/1", "of:2/1")})

	if _, err := topo.ShortestPath("of:2", "of:1"); !errors.Is(err, fabric.ErrNoPath) {
		t.Errorf("ShortestPath(of:2, of:1) error = %v, want ErrNoPath", err)
	}
	if _, err := topo.ShortestPath("of:1", "of:9"); !errors.Is(err, fabric.ErrNoPath) {
		t.Errorf("ShortestPath(of:1, of:9) error = %v, want ErrNoPath", err)
	}
}

func TestReplaceAndActiveLinks(t *testing.T) {
	t.Parallel()

	topo := lineTopology()
	if got := len(topo.ActiveLinks()); got != 6 {
		t.Fatalf("ActiveLinks() = %d links, want 6", got)
	}

	topo.Replace([]fabric.Link{link("of:1/1", "of:4/1")})

	links := topo.ActiveLinks()
	if len(links) != 1 {
		t.Fatalf("after Replace: %d links, want 1", len(links))
	}

	// Mutating the returned slice must not affect the topology.
	links[0] = link("of:9/9", "of:8/8")
	if topo.ActiveLinks()[0] != link("of:1/1", "of:4/1") {
		t.Error("ActiveLinks returned a live reference")
	}

	if _, err := topo.ShortestPath("of:1", "of:2"); !errors.Is(err, fabric.ErrNoPath) {
		t.Errorf("old link still routable: %v", err)
	}
}

func TestBidirectionalDeduplicates(t *testing.T) {
	t.Parallel()

	l := link("of:1/1", "of:2/1")
	got := fabric.Bidirectional([]fabric.Link{l, l.Reverse(), l})
	if len(got) != 2 {
		t.Errorf("Bidirectional = %v, want 2 links", got)
	}
}
