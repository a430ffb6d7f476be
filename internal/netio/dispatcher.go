package netio

import (
	"context"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/l2sm/overlayd/internal/fabric"
)

// Frame drop reasons reported to DropReporter.
const (
	DropMalformed   = "malformed"
	DropRateLimited = "rate_limited"
)

// FrameHandler decides where a frame goes. The overlay Manager implements
// it; keeping the interface here avoids a dependency from netio on the
// overlay internals.
type FrameHandler interface {
	HandleFrame(ctx context.Context, f fabric.Frame) fabric.Decision
}

// Emitter transmits a frame out of a fabric port.
type Emitter interface {
	Emit(ctx context.Context, port fabric.Port, payload []byte) error
}

// DropReporter counts frames discarded before reaching the FrameHandler.
type DropReporter interface {
	FrameDropped(reason string)
}

// Dispatcher turns raw packet-in events into forwarding decisions.
//
// The Dispatcher handles:
//   - Rate limiting via a token bucket shared by all ports
//   - Ethernet/ARP parsing via ParseFrame
//   - Emission of the decided ports via an optional Emitter
type Dispatcher struct {
	handler FrameHandler
	emitter Emitter
	drops   DropReporter
	limiter *rate.Limiter
	logger  *slog.Logger
}

// DispatcherOption configures optional Dispatcher parameters.
type DispatcherOption func(*Dispatcher)

// WithEmitter sets the Emitter used for decided ports.
func WithEmitter(e Emitter) DispatcherOption {
	return func(d *Dispatcher) {
		d.emitter = e
	}
}

// WithRateLimit bounds packet-in to perSecond frames with the given burst.
// A non-positive rate disables limiting.
func WithRateLimit(perSecond float64, burst int) DispatcherOption {
	return func(d *Dispatcher) {
		if perSecond > 0 {
			d.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
		}
	}
}

// WithDropReporter sets the reporter for discarded frames.
func WithDropReporter(r DropReporter) DispatcherOption {
	return func(d *Dispatcher) {
		if r != nil {
			d.drops = r
		}
	}
}

// NewDispatcher creates a Dispatcher routing frames to handler.
func NewDispatcher(handler FrameHandler, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		handler: handler,
		drops:   noopDrops{},
		logger:  logger.With(slog.String("component", "netio.dispatcher")),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch handles one frame received on in and returns its forwarding
// decision.
//
// Frames over the rate limit and malformed frames yield a drop decision.
// They are logged and counted, never surfaced to the caller. Emission
// failures are logged per port.
func (d *Dispatcher) Dispatch(ctx context.Context, in fabric.Port, payload []byte) fabric.Decision {
	if d.limiter != nil && !d.limiter.Allow() {
		d.drops.FrameDropped(DropRateLimited)
		d.logger.Debug("packet-in over rate limit dropped",
			slog.String("in_port", in.String()),
			slog.Float64("limit", float64(d.limiter.Limit())),
		)
		return fabric.Decision{Action: fabric.ActionDrop}
	}

	f, err := ParseFrame(in, payload)
	if err != nil {
		d.drops.FrameDropped(DropMalformed)
		d.logger.Debug("malformed frame dropped",
			slog.String("in_port", in.String()),
			slog.Int("len", len(payload)),
			slog.String("error", err.Error()),
		)
		return fabric.Decision{Action: fabric.ActionDrop}
	}

	decision := d.handler.HandleFrame(ctx, f)

	if d.emitter != nil {
		for _, p := range decision.Ports {
			if err := d.emitter.Emit(ctx, p, payload); err != nil {
				d.logger.Warn("emit failed",
					slog.String("port", p.String()),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	return decision
}

type noopDrops struct{}

func (noopDrops) FrameDropped(string) {}

// -------------------------------------------------------------------------
// LogEmitter
// -------------------------------------------------------------------------

// LogEmitter records emissions in the log instead of transmitting them.
// It stands in for a datapath when the daemon runs without one.
type LogEmitter struct {
	logger *slog.Logger
}

// NewLogEmitter creates a LogEmitter.
func NewLogEmitter(logger *slog.Logger) *LogEmitter {
	return &LogEmitter{logger: logger.With(slog.String("component", "netio.emitter"))}
}

// Emit implements Emitter.
func (e *LogEmitter) Emit(_ context.Context, port fabric.Port, payload []byte) error {
	e.logger.Debug("frame emitted",
		slog.String("port", port.String()),
		slog.Int("len", len(payload)),
	)
	return nil
}
