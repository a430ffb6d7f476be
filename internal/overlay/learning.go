package overlay

import (
	"context"
	"log/slog"

	"github.com/l2sm/overlayd/internal/fabric"
)

// Frame drop reasons reported to MetricsReporter.FrameDropped.
const (
	DropUnownedPort = "unowned_port"
	DropError       = "error"
)

// HandleFrame learns the source location of ARP frames and decides where
// f goes inside its overlay. Frames on ports outside every overlay are
// dropped. Failures never escape: they are logged and yield a drop
// decision.
func (m *Manager) HandleFrame(ctx context.Context, f fabric.Frame) fabric.Decision {
	// The owning network decides which lock to take, so this lookup runs
	// without one.
	id, ok := m.registry.Ports().NetworkOf(f.InPort)
	if !ok {
		m.metrics.FrameDropped(DropUnownedPort)
		return fabric.Decision{Action: fabric.ActionDrop}
	}

	d, err := await(ctx, m, func(tctx context.Context) (fabric.Decision, error) {
		var d fabric.Decision
		err := m.locks.WithLock(tctx, id, func(lctx context.Context) error {
			d = m.onFrame(lctx, id, f)
			return nil
		})
		return d, err
	})
	if err != nil {
		m.metrics.FrameDropped(DropError)
		m.logger.Warn("frame not handled",
			slog.String("network", id),
			slog.String("in_port", f.InPort.String()),
			slog.String("error", err.Error()),
		)
		return fabric.Decision{Action: fabric.ActionDrop}
	}

	m.metrics.FrameHandled(d.Action)
	return d
}

// onFrame runs with the network lock held.
func (m *Manager) onFrame(ctx context.Context, id string, f fabric.Frame) fabric.Decision {
	// The network may have been deleted, or the port re-homed, between the
	// index lookup and taking the lock.
	if !m.registry.HasPort(id, f.InPort) {
		return fabric.Decision{Action: fabric.ActionDrop}
	}

	if f.ARP && f.Src.IsUnicast() {
		m.learn(ctx, id, f.Src, f.InPort)
	}

	if f.Dst.IsUnicast() {
		if loc, ok := m.registry.Host(id, f.Dst); ok {
			return fabric.Decision{
				Action:  fabric.ActionUnicast,
				Network: id,
				Ports:   []fabric.Port{loc},
			}
		}
	}

	return fabric.Decision{
		Action:  fabric.ActionFlood,
		Network: id,
		Ports:   m.registry.PortsOfNetworkExcluding(f.InPort),
	}
}

// learn moves (id, mac) from unknown to learned and installs the host
// shortcuts. A learned host seen elsewhere is only reported.
func (m *Manager) learn(ctx context.Context, id string, mac fabric.MAC, port fabric.Port) {
	known, stored, err := m.registry.LearnHost(id, mac, port)
	if err != nil {
		return
	}
	if !stored {
		if known != port {
			m.metrics.HostMoved()
			m.logger.Warn("host moved, mobility unsupported",
				slog.String("network", id),
				slog.String("mac", mac.String()),
				slog.String("learned_port", known.String()),
				slog.String("observed_port", port.String()),
			)
		}
		return
	}

	m.metrics.HostLearned()
	m.logger.Info("host learned",
		slog.String("network", id),
		slog.String("mac", mac.String()),
		slog.String("port", port.String()),
	)

	if err := m.installShortcuts(ctx, id, mac, port); err != nil {
		m.logger.Warn("host shortcut install failed",
			slog.String("network", id),
			slog.String("mac", mac.String()),
			slog.String("error", err.Error()),
		)
	}
}
