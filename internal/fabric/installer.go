package fabric

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	events "github.com/docker/go-events"
)

// -------------------------------------------------------------------------
// Installer Contract
// -------------------------------------------------------------------------

// Installer accepts forwarding programs and reports their lifecycle.
//
// Submit and Withdraw are asynchronous from the caller's point of view: the
// outcome is delivered as a ProgramEvent on every channel obtained from
// Watch. Purge forgets a withdrawn program.
type Installer interface {
	Submit(ctx context.Context, p *Program) error
	Withdraw(ctx context.Context, h Handle) error
	Purge(ctx context.Context, h Handle) error

	// Watch subscribes to lifecycle events. Every event on the channel is
	// a ProgramEvent. The returned function cancels the subscription.
	Watch() (<-chan events.Event, func())
}

// Sentinel errors for MemoryInstaller.
var (
	// ErrHandleInUse indicates a program with the same handle is still
	// tracked (installed, or withdrawn but not yet purged).
	ErrHandleInUse = errors.New("program handle in use")

	// ErrUnknownHandle indicates no program is tracked under the handle.
	ErrUnknownHandle = errors.New("unknown program handle")

	// ErrProgramActive indicates Purge was called on a program that has not
	// been withdrawn.
	ErrProgramActive = errors.New("program still active")

	// ErrInstallerClosed indicates the installer has been closed.
	ErrInstallerClosed = errors.New("installer closed")

	// ErrEmptyProgram indicates a program carries neither rules nor groups.
	ErrEmptyProgram = errors.New("program has no rules")
)

// ProgramState is the installer-side state of a tracked program.
type ProgramState uint8

const (
	// StateInstalled means the program is active on its devices.
	StateInstalled ProgramState = iota + 1

	// StateFailed means installation was rejected.
	StateFailed

	// StateWithdrawn means the program was removed and awaits Purge.
	StateWithdrawn
)

// String returns the state name.
func (s ProgramState) String() string {
	switch s {
	case StateInstalled:
		return "installed"
	case StateFailed:
		return "failed"
	case StateWithdrawn:
		return "withdrawn"
	default:
		return fmt.Sprintf("ProgramState(%d)", s)
	}
}

// -------------------------------------------------------------------------
// MemoryInstaller
// -------------------------------------------------------------------------

// MemoryInstaller is an in-process Installer. It keeps every tracked program
// in memory and fans lifecycle events out through a go-events broadcaster,
// one unbounded queue per watcher so a slow watcher never blocks Submit.
type MemoryInstaller struct {
	mu       sync.Mutex
	programs map[Handle]*trackedProgram
	closed   bool

	broadcast *events.Broadcaster
	logger    *slog.Logger
}

type trackedProgram struct {
	program *Program
	state   ProgramState
}

// NewMemoryInstaller creates an empty installer. Close must be called to
// stop the broadcaster goroutine.
func NewMemoryInstaller(logger *slog.Logger) *MemoryInstaller {
	return &MemoryInstaller{
		programs:  make(map[Handle]*trackedProgram),
		broadcast: events.NewBroadcaster(),
		logger:    logger.With(slog.String("component", "fabric.installer")),
	}
}

// Submit implements Installer. Programs without rules or groups are
// recorded as failed and reported with EventFailed.
func (mi *MemoryInstaller) Submit(_ context.Context, p *Program) error {
	if p == nil || p.Handle == "" {
		return fmt.Errorf("submit program: %w", ErrUnknownHandle)
	}

	mi.mu.Lock()
	if mi.closed {
		mi.mu.Unlock()
		return fmt.Errorf("submit %s: %w", p.Handle, ErrInstallerClosed)
	}
	if _, exists := mi.programs[p.Handle]; exists {
		mi.mu.Unlock()
		return fmt.Errorf("submit %s: %w", p.Handle, ErrHandleInUse)
	}

	ev := ProgramEvent{Handle: p.Handle, Type: EventInstalled}
	state := StateInstalled
	if len(p.Rules) == 0 && len(p.Groups) == 0 {
		state = StateFailed
		ev.Type = EventFailed
		ev.Reason = ErrEmptyProgram.Error()
	}
	mi.programs[p.Handle] = &trackedProgram{program: p, state: state}
	mi.mu.Unlock()

	mi.logger.Debug("program submitted",
		slog.String("handle", string(p.Handle)),
		slog.String("kind", p.Kind.String()),
		slog.Int("rules", len(p.Rules)),
		slog.Int("groups", len(p.Groups)),
		slog.String("state", state.String()),
	)

	mi.publish(ev)
	return nil
}

// Withdraw implements Installer.
func (mi *MemoryInstaller) Withdraw(_ context.Context, h Handle) error {
	mi.mu.Lock()
	tp, ok := mi.programs[h]
	if !ok {
		mi.mu.Unlock()
		return fmt.Errorf("withdraw %s: %w", h, ErrUnknownHandle)
	}
	tp.state = StateWithdrawn
	mi.mu.Unlock()

	mi.publish(ProgramEvent{Handle: h, Type: EventWithdrawn})
	return nil
}

// Purge implements Installer. Only withdrawn or failed programs can be
// purged.
func (mi *MemoryInstaller) Purge(_ context.Context, h Handle) error {
	mi.mu.Lock()
	defer mi.mu.Unlock()

	tp, ok := mi.programs[h]
	if !ok {
		return fmt.Errorf("purge %s: %w", h, ErrUnknownHandle)
	}
	if tp.state == StateInstalled {
		return fmt.Errorf("purge %s: %w", h, ErrProgramActive)
	}
	delete(mi.programs, h)
	return nil
}

// Watch implements Installer.
func (mi *MemoryInstaller) Watch() (<-chan events.Event, func()) {
	ch := events.NewChannel(0)
	sink := events.Sink(events.NewQueue(ch))

	if err := mi.broadcast.Add(sink); err != nil {
		// Broadcaster already closed: hand back a channel that never fires.
		ch.Close()
		return ch.C, func() {}
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			_ = mi.broadcast.Remove(sink)
			ch.Close()
			_ = sink.Close()
		})
	}
	return ch.C, cancel
}

// Lookup returns the tracked program and its state.
func (mi *MemoryInstaller) Lookup(h Handle) (*Program, ProgramState, bool) {
	mi.mu.Lock()
	defer mi.mu.Unlock()

	tp, ok := mi.programs[h]
	if !ok {
		return nil, 0, false
	}
	return tp.program, tp.state, true
}

// Active returns every installed program ordered by handle.
func (mi *MemoryInstaller) Active() []*Program {
	mi.mu.Lock()
	out := make([]*Program, 0, len(mi.programs))
	for _, tp := range mi.programs {
		if tp.state == StateInstalled {
			out = append(out, tp.program)
		}
	}
	mi.mu.Unlock()

	slices.SortFunc(out, func(a, b *Program) int {
		return cmp.Compare(a.Handle, b.Handle)
	})
	return out
}

// Len returns the number of tracked programs in any state.
func (mi *MemoryInstaller) Len() int {
	mi.mu.Lock()
	defer mi.mu.Unlock()

	return len(mi.programs)
}

// Close stops event delivery. Tracked programs are kept for inspection.
func (mi *MemoryInstaller) Close() error {
	mi.mu.Lock()
	if mi.closed {
		mi.mu.Unlock()
		return nil
	}
	mi.closed = true
	mi.mu.Unlock()

	if err := mi.broadcast.Close(); err != nil {
		return fmt.Errorf("close installer broadcaster: %w", err)
	}
	return nil
}

func (mi *MemoryInstaller) publish(ev ProgramEvent) {
	if err := mi.broadcast.Write(ev); err != nil {
		mi.logger.Debug("program event not delivered",
			slog.String("handle", string(ev.Handle)),
			slog.String("type", ev.Type.String()),
			slog.String("error", err.Error()),
		)
	}
}
