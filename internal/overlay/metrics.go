package overlay

import "github.com/l2sm/overlayd/internal/fabric"

// MetricsReporter receives overlay control-plane events. Implementations
// must be safe for concurrent use.
type MetricsReporter interface {
	// NetworkCreated counts a registered network.
	NetworkCreated()

	// NetworkDeleted counts a deleted network that had ports members.
	NetworkDeleted(ports int)

	// PortAdded counts a new member port.
	PortAdded()

	// TunnelAllocated counts an issued tunnel id.
	TunnelAllocated()

	// ProgramSubmitted counts a program handed to the installer.
	ProgramSubmitted(kind fabric.ProgramKind)

	// ProgramWithdrawn counts a withdrawal request.
	ProgramWithdrawn()

	// ProgramFailed counts a FAILED lifecycle event.
	ProgramFailed()

	// HostLearned counts a host location learned for the first time.
	HostLearned()

	// HostMoved counts a learned host seen on a different port.
	HostMoved()

	// FrameHandled counts a forwarding decision.
	FrameHandled(action fabric.Action)

	// FrameDropped counts an inbound frame discarded before a decision.
	FrameDropped(reason string)
}

type noopMetrics struct{}

func (noopMetrics) NetworkCreated()                     {}
func (noopMetrics) NetworkDeleted(int)                  {}
func (noopMetrics) PortAdded()                          {}
func (noopMetrics) TunnelAllocated()                    {}
func (noopMetrics) ProgramSubmitted(fabric.ProgramKind) {}
func (noopMetrics) ProgramWithdrawn()                   {}
func (noopMetrics) ProgramFailed()                      {}
func (noopMetrics) HostLearned()                        {}
func (noopMetrics) HostMoved()                          {}
func (noopMetrics) FrameHandled(fabric.Action)          {}
func (noopMetrics) FrameDropped(string)                 {}
