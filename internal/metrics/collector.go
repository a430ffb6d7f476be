// Package overlaymetrics exposes overlay manager activity as Prometheus
// metrics.
package overlaymetrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/l2sm/overlayd/internal/fabric"
	"github.com/l2sm/overlayd/internal/netio"
	"github.com/l2sm/overlayd/internal/overlay"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const namespace = "overlay"

// Label names for overlay metrics.
const (
	labelKind     = "kind"
	labelDecision = "decision"
	labelReason   = "reason"
)

// -------------------------------------------------------------------------
// Collector
// -------------------------------------------------------------------------

// Collector holds all overlay Prometheus metrics. It implements
// overlay.MetricsReporter and netio.DropReporter.
type Collector struct {
	// Networks tracks the number of registered networks.
	Networks prometheus.Gauge

	// Ports tracks the number of member ports across all networks.
	// Decremented by the member count when a network is deleted.
	Ports prometheus.Gauge

	// TunnelsAllocated counts issued tunnel ids. Ids are never reclaimed,
	// so this also measures progress through the 2^24 id space.
	TunnelsAllocated prometheus.Counter

	// ProgramsSubmitted counts programs handed to the installer, by kind.
	ProgramsSubmitted *prometheus.CounterVec

	// ProgramsWithdrawn counts withdrawal requests.
	ProgramsWithdrawn prometheus.Counter

	// ProgramFailures counts programs the installer reported as FAILED.
	ProgramFailures prometheus.Counter

	HostsLearned prometheus.Counter

	// HostMoves counts learned hosts observed on a different port. The
	// overlay does not re-route them.
	HostMoves prometheus.Counter

	// Frames counts forwarding decisions by verdict.
	Frames *prometheus.CounterVec

	// FramesDropped counts frames discarded before a decision, by reason.
	FramesDropped *prometheus.CounterVec
}

var (
	_ overlay.MetricsReporter = (*Collector)(nil)
	_ netio.DropReporter      = (*Collector)(nil)
)

// NewCollector creates a Collector with all overlay metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Networks,
		c.Ports,
		c.TunnelsAllocated,
		c.ProgramsSubmitted,
		c.ProgramsWithdrawn,
		c.ProgramFailures,
		c.HostsLearned,
		c.HostMoves,
		c.Frames,
		c.FramesDropped,
	)

	return c
}

// newMetrics creates all Prometheus metrics without registering them.
func newMetrics() *Collector {
	return &Collector{
		Networks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "networks",
			Help:      "Number of registered overlay networks.",
		}),

		Ports: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ports",
			Help:      "Number of member ports across all overlay networks.",
		}),

		TunnelsAllocated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnels_allocated_total",
			Help:      "Total tunnel ids issued.",
		}),

		ProgramsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "programs_submitted_total",
			Help:      "Total forwarding programs submitted to the installer.",
		}, []string{labelKind}),

		ProgramsWithdrawn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "programs_withdrawn_total",
			Help:      "Total forwarding program withdrawals requested.",
		}),

		ProgramFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "program_failures_total",
			Help:      "Total forwarding programs the installer failed to apply.",
		}),

		HostsLearned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hosts_learned_total",
			Help:      "Total host locations learned from ARP.",
		}),

		HostMoves: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "host_moves_total",
			Help:      "Total learned hosts observed on a different port.",
		}),

		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Total packet-in frames by forwarding decision.",
		}, []string{labelDecision}),

		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Total packet-in frames dropped before a decision.",
		}, []string{labelReason}),
	}
}

// -------------------------------------------------------------------------
// Network Lifecycle
// -------------------------------------------------------------------------

// NetworkCreated increments the networks gauge.
func (c *Collector) NetworkCreated() {
	c.Networks.Inc()
}

// NetworkDeleted decrements the networks gauge and removes the network's
// ports from the ports gauge.
func (c *Collector) NetworkDeleted(ports int) {
	c.Networks.Dec()
	c.Ports.Sub(float64(ports))
}

// PortAdded increments the ports gauge.
func (c *Collector) PortAdded() {
	c.Ports.Inc()
}

// TunnelAllocated increments the tunnel id counter.
func (c *Collector) TunnelAllocated() {
	c.TunnelsAllocated.Inc()
}

// -------------------------------------------------------------------------
// Programs
// -------------------------------------------------------------------------

// ProgramSubmitted counts a submitted program of the given kind.
func (c *Collector) ProgramSubmitted(kind fabric.ProgramKind) {
	c.ProgramsSubmitted.WithLabelValues(kind.String()).Inc()
}

// ProgramWithdrawn counts a withdrawal request.
func (c *Collector) ProgramWithdrawn() {
	c.ProgramsWithdrawn.Inc()
}

// ProgramFailed counts a FAILED lifecycle event.
func (c *Collector) ProgramFailed() {
	c.ProgramFailures.Inc()
}

// -------------------------------------------------------------------------
// Learning and Packet-In
// -------------------------------------------------------------------------

// HostLearned counts a newly learned host location.
func (c *Collector) HostLearned() {
	c.HostsLearned.Inc()
}

// HostMoved counts a learned host seen on a different port.
func (c *Collector) HostMoved() {
	c.HostMoves.Inc()
}

// FrameHandled counts a forwarding decision.
func (c *Collector) FrameHandled(action fabric.Action) {
	c.Frames.WithLabelValues(action.String()).Inc()
}

// FrameDropped counts a frame dropped for reason.
func (c *Collector) FrameDropped(reason string) {
	c.FramesDropped.WithLabelValues(reason).Inc()
}
