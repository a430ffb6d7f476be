package overlaymetrics_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"

	"github.com/l2sm/overlayd/internal/fabric"
	overlaymetrics "github.com/l2sm/overlayd/internal/metrics"
	"github.com/l2sm/overlayd/internal/netio"
	"github.com/l2sm/overlayd/internal/overlay"
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := overlaymetrics.NewCollector(reg)

	c.NetworkCreated()
	c.ProgramSubmitted(fabric.KindTree)
	c.FrameHandled(fabric.ActionFlood)
	c.FrameDropped(netio.DropMalformed)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}

	for _, want := range []string{
		"overlay_networks",
		"overlay_ports",
		"overlay_tunnels_allocated_total",
		"overlay_programs_submitted_total",
		"overlay_programs_withdrawn_total",
		"overlay_program_failures_total",
		"overlay_hosts_learned_total",
		"overlay_host_moves_total",
		"overlay_frames_total",
		"overlay_frames_dropped_total",
	} {
		if !names[want] {
			t.Errorf("metric %s not gathered", want)
		}
	}
}

func TestNetworkGauges(t *testing.T) {
	t.Parallel()

	c := overlaymetrics.NewCollector(prometheus.NewRegistry())

	c.NetworkCreated()
	c.NetworkCreated()
	for range 5 {
		c.PortAdded()
	}

	if got := testutil.ToFloat64(c.Networks); got != 2 {
		t.Errorf("networks = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.Ports); got != 5 {
		t.Errorf("ports = %v, want 5", got)
	}

	// Deleting a network removes its members from the ports gauge.
	c.NetworkDeleted(3)

	if got := testutil.ToFloat64(c.Networks); got != 1 {
		t.Errorf("networks after delete = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.Ports); got != 2 {
		t.Errorf("ports after delete = %v, want 2", got)
	}
}

func TestProgramCounters(t *testing.T) {
	t.Parallel()

	c := overlaymetrics.NewCollector(prometheus.NewRegistry())

	c.ProgramSubmitted(fabric.KindTree)
	c.ProgramSubmitted(fabric.KindTree)
	c.ProgramSubmitted(fabric.KindHostShortcut)
	c.ProgramWithdrawn()
	c.ProgramFailed()

	if got := counterValue(t, c.ProgramsSubmitted, "tree"); got != 2 {
		t.Errorf("submitted{tree} = %v, want 2", got)
	}
	if got := counterValue(t, c.ProgramsSubmitted, "host_shortcut"); got != 1 {
		t.Errorf("submitted{host_shortcut} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.ProgramsWithdrawn); got != 1 {
		t.Errorf("withdrawn = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.ProgramFailures); got != 1 {
		t.Errorf("failures = %v, want 1", got)
	}
}

func TestFrameCounters(t *testing.T) {
	t.Parallel()

	c := overlaymetrics.NewCollector(prometheus.NewRegistry())

	c.FrameHandled(fabric.ActionFlood)
	c.FrameHandled(fabric.ActionFlood)
	c.FrameHandled(fabric.ActionUnicast)
	c.FrameDropped(overlay.DropUnownedPort)
	c.FrameDropped(netio.DropRateLimited)
	c.HostLearned()
	c.HostMoved()

	if got := counterValue(t, c.Frames, "flood"); got != 2 {
		t.Errorf("frames{flood} = %v, want 2", got)
	}
	if got := counterValue(t, c.Frames, "unicast"); got != 1 {
		t.Errorf("frames{unicast} = %v, want 1", got)
	}
	if got := counterValue(t, c.FramesDropped, "unowned_port"); got != 1 {
		t.Errorf("dropped{unowned_port} = %v, want 1", got)
	}
	if got := counterValue(t, c.FramesDropped, "rate_limited"); got != 1 {
		t.Errorf("dropped{rate_limited} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.HostsLearned); got != 1 {
		t.Errorf("hosts learned = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.HostMoves); got != 1 {
		t.Errorf("host moves = %v, want 1", got)
	}
}

// TestCollectorWithManager drives a manager through create, add and delete
// and checks the gauges follow. One worker keeps Get ordered behind the
// queued mutations.
func TestCollectorWithManager(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)
	c := overlaymetrics.NewCollector(prometheus.NewRegistry())

	inst := fabric.NewMemoryInstaller(logger)
	t.Cleanup(func() { _ = inst.Close() })

	mgr, err := overlay.NewManager(logger, fabric.NewStaticTopology(nil), inst,
		overlay.WithWorkers(1),
		overlay.WithMetrics(c),
	)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := mgr.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = mgr.Close() })

	mustDo(t, mgr.Create(ctx, "n1"))
	mustDo(t, mgr.AddPort(ctx, "n1", fabric.MustParsePort("of:1/1")))
	mustDo(t, mgr.AddPort(ctx, "n1", fabric.MustParsePort("of:1/2")))

	if _, err := mgr.Get(ctx, "n1"); err != nil {
		t.Fatalf("Get: %v", err)
	}

	if got := testutil.ToFloat64(c.Networks); got != 1 {
		t.Errorf("networks = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.Ports); got != 2 {
		t.Errorf("ports = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.TunnelsAllocated); got != 2 {
		t.Errorf("tunnels = %v, want 2", got)
	}
	// Two ports on one device form a cross-connect.
	if got := counterValue(t, c.ProgramsSubmitted, "cross_connect"); got != 1 {
		t.Errorf("submitted{cross_connect} = %v, want 1", got)
	}

	mustDo(t, mgr.Delete(ctx, "n1"))
	if _, err := mgr.Get(ctx, "n1"); !errors.Is(err, overlay.ErrNetworkNotFound) {
		t.Fatalf("Get after delete = %v, want ErrNetworkNotFound", err)
	}

	if got := testutil.ToFloat64(c.Networks); got != 0 {
		t.Errorf("networks after delete = %v, want 0", got)
	}
	if got := testutil.ToFloat64(c.Ports); got != 0 {
		t.Errorf("ports after delete = %v, want 0", got)
	}
	if got := testutil.ToFloat64(c.ProgramsWithdrawn); got != 1 {
		t.Errorf("withdrawn = %v, want 1", got)
	}
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

func mustDo(t *testing.T, err error) {
	t.Helper()

	if err != nil {
		t.Fatalf("submit: %v", err)
	}
}

// counterValue reads the current value of a CounterVec with the given labels.
func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()

	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetCounter().GetValue()
}
