package overlay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	events "github.com/docker/go-events"

	"github.com/l2sm/overlayd/internal/fabric"
)

// -------------------------------------------------------------------------
// Manager Errors
// -------------------------------------------------------------------------

// Sentinel errors for Manager operations.
var (
	// ErrNetworkNotFound indicates no network is registered under the id.
	ErrNetworkNotFound = errors.New("network not found")

	// ErrNetworkExists indicates a network is already registered under the id.
	ErrNetworkExists = errors.New("network already exists")

	// ErrDeadlineExceeded indicates a bounded lock or result wait expired.
	ErrDeadlineExceeded = errors.New("deadline exceeded")

	// ErrManagerClosed indicates the manager is not open.
	ErrManagerClosed = errors.New("overlay manager closed")

	// ErrPortInUse indicates the port already belongs to a network.
	ErrPortInUse = errors.New("port already belongs to a network")

	// ErrInvalidPath indicates an explicit path that does not resolve to a
	// contiguous chain of active links between the two endpoints.
	ErrInvalidPath = errors.New("invalid path")

	// ErrInvalidNetworkID indicates an empty network id.
	ErrInvalidNetworkID = errors.New("network id must not be empty")

	// ErrInvalidPort indicates a zero port or two identical link endpoints.
	ErrInvalidPort = errors.New("invalid port")

	// ErrPortNotFound indicates the port is not a member of the network.
	ErrPortNotFound = errors.New("port not a member of network")
)

// errCompile marks a reprogram that failed before touching the installer.
var errCompile = errors.New("program compile failed")

const (
	defaultWorkers     = 4
	defaultQueueSize   = 1024
	defaultLockTimeout = 5 * time.Second
	defaultGetTimeout  = 5 * time.Second
)

// managerState tracks the Open/Close lifecycle.
type managerState uint8

const (
	stateNew managerState = iota
	stateOpen
	stateClosed
)

// -------------------------------------------------------------------------
// Manager
// -------------------------------------------------------------------------

// Manager owns every overlay network and runs all mutations on a bounded
// worker pool.
//
// Create, CreateLink, AddPort and Delete only acknowledge submission; their
// outcome is logged. Get, Networks, HandleFrame and Reconcile wait for their
// task. Operations on one network are serialized by its lock only, so
// queued tasks for the same network may run in any order.
type Manager struct {
	registry  *Registry
	locks     *LockManager
	tunnels   *TunnelAllocator
	compiler  *Compiler
	installer fabric.Installer
	journal   Journal
	metrics   MetricsReporter

	workers     int
	queueSize   int
	lockTimeout time.Duration
	getTimeout  time.Duration
	priorities  Priorities

	// generation makes every program handle unique for the process
	// lifetime, so a late purge never hits a replacement.
	generation atomic.Uint64

	// unpurged holds withdrawn handles the listener has not purged yet.
	purgeMu  sync.Mutex
	unpurged map[fabric.Handle]struct{}

	mu           sync.Mutex
	state        managerState
	pool         *workerPool
	stopWatch    func()
	stopListener chan struct{}
	listenerDone chan struct{}

	logger *slog.Logger
}

// ManagerOption configures optional Manager parameters.
type ManagerOption func(*Manager)

// WithWorkers sets the worker pool size. Values below one are ignored.
func WithWorkers(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.workers = n
		}
	}
}

// WithQueueSize sets the pool queue capacity. Negative values are ignored.
func WithQueueSize(n int) ManagerOption {
	return func(m *Manager) {
		if n >= 0 {
			m.queueSize = n
		}
	}
}

// WithLockTimeout bounds every per-network lock wait. Zero disables the
// bound.
func WithLockTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.lockTimeout = d
	}
}

// WithGetTimeout bounds the wait of Get, Networks and HandleFrame. Zero
// disables the bound.
func WithGetTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.getTimeout = d
	}
}

// WithPriorities sets the rule priority tiers.
func WithPriorities(p Priorities) ManagerOption {
	return func(m *Manager) {
		m.priorities = p
	}
}

// WithMetrics sets the MetricsReporter. If mr is nil, a no-op reporter is
// used.
func WithMetrics(mr MetricsReporter) ManagerOption {
	return func(m *Manager) {
		if mr != nil {
			m.metrics = mr
		}
	}
}

// WithJournal enables persistence of network declarations.
func WithJournal(j Journal) ManagerOption {
	return func(m *Manager) {
		m.journal = j
	}
}

// WithTunnelAllocator replaces the randomly seeded tunnel allocator.
func WithTunnelAllocator(a *TunnelAllocator) ManagerOption {
	return func(m *Manager) {
		if a != nil {
			m.tunnels = a
		}
	}
}

// NewManager creates a Manager compiling against topo and installing
// through inst. Open must be called before any operation.
func NewManager(logger *slog.Logger, topo fabric.Topology, inst fabric.Installer,
	opts ...ManagerOption,
) (*Manager, error) {
	m := &Manager{
		registry:    NewRegistry(),
		installer:   inst,
		metrics:     noopMetrics{},
		workers:     defaultWorkers,
		queueSize:   defaultQueueSize,
		lockTimeout: defaultLockTimeout,
		getTimeout:  defaultGetTimeout,
		priorities:  DefaultPriorities(),
		unpurged:    make(map[fabric.Handle]struct{}),
		logger:      logger.With(slog.String("component", "overlay.manager")),
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := m.priorities.Validate(); err != nil {
		return nil, fmt.Errorf("new overlay manager: %w", err)
	}
	if m.tunnels == nil {
		ta, err := NewTunnelAllocator()
		if err != nil {
			return nil, fmt.Errorf("new overlay manager: %w", err)
		}
		m.tunnels = ta
	}

	m.locks = NewLockManager(m.lockTimeout)
	m.compiler = NewCompiler(topo, m.priorities)
	return m, nil
}

// -------------------------------------------------------------------------
// Lifecycle
// -------------------------------------------------------------------------

// Open starts the worker pool and the program lifecycle listener, then
// replays the journal. Replay failures of single networks are logged; only
// a journal read failure is returned.
func (m *Manager) Open(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case stateOpen:
		m.mu.Unlock()
		return nil
	case stateClosed:
		m.mu.Unlock()
		return ErrManagerClosed
	}

	m.pool = newWorkerPool(ctx, m.workers, m.queueSize, m.logger)

	ch, cancel := m.installer.Watch()
	m.stopWatch = cancel
	m.stopListener = make(chan struct{})
	m.listenerDone = make(chan struct{})
	go m.listen(ch, m.stopListener, m.listenerDone)

	m.state = stateOpen
	m.mu.Unlock()

	m.logger.Info("overlay manager opened",
		slog.Int("workers", m.workers),
		slog.Int("queue_size", m.queueSize),
	)

	return m.replay(ctx)
}

// Close drains the worker pool, withdraws and purges every installed
// program and clears all state. Journal contents are kept for the next
// Open.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.state != stateOpen {
		m.state = stateClosed
		m.mu.Unlock()
		return nil
	}
	m.state = stateClosed
	pool := m.pool
	m.mu.Unlock()

	pool.close()

	// The listener purges asynchronously; stop it so the purges below are
	// the only ones.
	close(m.stopListener)
	<-m.listenerDone
	m.stopWatch()

	ctx := context.Background()
	var errs []error
	withdrawn := 0
	for _, id := range m.registry.IDs() {
		for _, h := range m.registry.Handles(id) {
			if err := m.installer.Withdraw(ctx, h); err != nil {
				errs = append(errs, fmt.Errorf("withdraw %s: %w", h, err))
				continue
			}
			m.metrics.ProgramWithdrawn()
			m.markUnpurged(h)
			withdrawn++
		}
	}
	errs = append(errs, m.purgeAll(ctx))

	released := m.registry.Ports().Len()
	m.registry.Reset()
	m.locks.Close()

	m.logger.Info("overlay manager closed",
		slog.Int("programs_withdrawn", withdrawn),
		slog.Int("ports_released", released),
	)
	return errors.Join(errs...)
}

func (m *Manager) submit(ctx context.Context, t task) error {
	m.mu.Lock()
	state, pool := m.state, m.pool
	m.mu.Unlock()

	if state != stateOpen {
		return ErrManagerClosed
	}
	return pool.submit(ctx, t)
}

// await runs fn on the pool and waits for its result, bounded by the get
// timeout.
func await[T any](ctx context.Context, m *Manager, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	if m.getTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.getTimeout)
		defer cancel()
	}

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)

	err := m.submit(ctx, func(tctx context.Context) {
		v, err := fn(tctx)
		done <- result{value: v, err: err}
	})
	if err != nil {
		return zero, deadline(err)
	}

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		return zero, deadline(ctx.Err())
	}
}

func deadline(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrDeadlineExceeded, err)
	}
	return err
}

// -------------------------------------------------------------------------
// Public Operations
// -------------------------------------------------------------------------

// Create registers an empty network.
func (m *Manager) Create(ctx context.Context, id string) error {
	if id == "" {
		return ErrInvalidNetworkID
	}
	return m.submit(ctx, func(tctx context.Context) {
		m.report("create network", id, m.create(tctx, id, false))
	})
}

// CreateLink registers a network joining from and to with one shared
// tunnel id along the explicit device path. An empty path lets the
// topology choose.
func (m *Manager) CreateLink(ctx context.Context, id string, from, to fabric.Port,
	path []fabric.DeviceID,
) error {
	if id == "" {
		return ErrInvalidNetworkID
	}
	if from.IsZero() || to.IsZero() || from == to {
		return fmt.Errorf("create link %q: %w", id, ErrInvalidPort)
	}
	return m.submit(ctx, func(tctx context.Context) {
		m.report("create link", id, m.createLink(tctx, id, from, to, path, false))
	})
}

// AddPort appends port to the network and reprograms it.
func (m *Manager) AddPort(ctx context.Context, id string, port fabric.Port) error {
	if id == "" {
		return ErrInvalidNetworkID
	}
	if port.IsZero() {
		return fmt.Errorf("add port to %q: %w", id, ErrInvalidPort)
	}
	return m.submit(ctx, func(tctx context.Context) {
		m.report("add port", id, m.addPort(tctx, id, port))
	})
}

// Delete withdraws every program of the network and erases it.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrInvalidNetworkID
	}
	return m.submit(ctx, func(tctx context.Context) {
		m.report("delete network", id, m.delete(tctx, id))
	})
}

// Get returns a snapshot of the network.
func (m *Manager) Get(ctx context.Context, id string) (NetworkSnapshot, error) {
	return await(ctx, m, func(tctx context.Context) (NetworkSnapshot, error) {
		var snap NetworkSnapshot
		err := m.locks.WithLock(tctx, id, func(context.Context) error {
			var err error
			snap, err = m.registry.Snapshot(id)
			return err
		})
		return snap, err
	})
}

// Networks returns snapshots of every network ordered by id.
func (m *Manager) Networks(ctx context.Context) ([]NetworkSnapshot, error) {
	return await(ctx, m, func(tctx context.Context) ([]NetworkSnapshot, error) {
		ids := m.registry.IDs()
		out := make([]NetworkSnapshot, 0, len(ids))
		for _, id := range ids {
			err := m.locks.WithLock(tctx, id, func(context.Context) error {
				snap, err := m.registry.Snapshot(id)
				if err != nil {
					return err
				}
				out = append(out, snap)
				return nil
			})
			if errors.Is(err, ErrNetworkNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
		}
		return out, nil
	})
}

// WatchPrograms subscribes to installer lifecycle events. Every event is a
// fabric.ProgramEvent.
func (m *Manager) WatchPrograms() (<-chan events.Event, func()) {
	return m.installer.Watch()
}

func (m *Manager) report(op, id string, err error) {
	if err == nil {
		return
	}
	m.logger.Warn(op+" failed",
		slog.String("network", id),
		slog.String("error", err.Error()),
	)
}

// -------------------------------------------------------------------------
// Task Bodies
// -------------------------------------------------------------------------

func (m *Manager) create(ctx context.Context, id string, declared bool) error {
	return m.locks.WithLock(ctx, id, func(ctx context.Context) error {
		if err := m.registry.Register(id, declared); err != nil {
			return err
		}
		m.metrics.NetworkCreated()
		m.logger.Info("network created",
			slog.String("network", id),
			slog.Bool("declared", declared),
		)
		m.persist(ctx, id)
		return nil
	})
}

func (m *Manager) createLink(ctx context.Context, id string, from, to fabric.Port,
	path []fabric.DeviceID, declared bool,
) error {
	return m.locks.WithLock(ctx, id, func(ctx context.Context) error {
		if m.registry.Exists(id) {
			return fmt.Errorf("create link %q: %w", id, ErrNetworkExists)
		}
		for _, p := range []fabric.Port{from, to} {
			if owner, ok := m.registry.Ports().NetworkOf(p); ok {
				return fmt.Errorf("create link %q: port %s owned by %q: %w", id, p, owner, ErrPortInUse)
			}
		}
		if _, err := m.compiler.LinkPath(from, to, path); err != nil {
			return fmt.Errorf("create link %q: %w", id, err)
		}

		tunnel, err := m.tunnels.Allocate()
		if err != nil {
			return fmt.Errorf("create link %q: %w", id, err)
		}
		m.metrics.TunnelAllocated()

		if err := m.registry.Register(id, declared); err != nil {
			return err
		}
		m.metrics.NetworkCreated()
		if err := m.registry.SetPath(id, path); err != nil {
			return err
		}
		for _, p := range []fabric.Port{from, to} {
			if err := m.registry.AddPort(id, p, tunnel); err != nil {
				n, _ := m.registry.Delete(id)
				m.metrics.NetworkDeleted(n)
				return fmt.Errorf("create link %q: %w", id, err)
			}
			m.metrics.PortAdded()
		}

		m.logger.Info("link created",
			slog.String("network", id),
			slog.String("from", from.String()),
			slog.String("to", to.String()),
			slog.Uint64("tunnel_id", uint64(tunnel)),
		)

		err = m.reprogram(ctx, id)
		if errors.Is(err, errCompile) {
			n, _ := m.registry.Delete(id)
			m.metrics.NetworkDeleted(n)
			return fmt.Errorf("create link %q: %w", id, err)
		}
		m.persist(ctx, id)
		return err
	})
}

func (m *Manager) addPort(ctx context.Context, id string, port fabric.Port) error {
	return m.locks.WithLock(ctx, id, func(ctx context.Context) error {
		if !m.registry.Exists(id) {
			return fmt.Errorf("add port %s: network %q: %w", port, id, ErrNetworkNotFound)
		}
		if owner, ok := m.registry.Ports().NetworkOf(port); ok {
			return fmt.Errorf("add port %s to %q: owned by %q: %w", port, id, owner, ErrPortInUse)
		}

		tunnel, err := m.tunnels.Allocate()
		if err != nil {
			return fmt.Errorf("add port %s to %q: %w", port, id, err)
		}
		m.metrics.TunnelAllocated()

		if err := m.registry.AddPort(id, port, tunnel); err != nil {
			return err
		}

		err = m.reprogram(ctx, id)
		if errors.Is(err, errCompile) {
			if rerr := m.registry.RemovePort(id, port); rerr != nil {
				return errors.Join(err, rerr)
			}
			return fmt.Errorf("add port %s to %q: %w", port, id, err)
		}
		m.metrics.PortAdded()

		m.logger.Info("port added",
			slog.String("network", id),
			slog.String("port", port.String()),
			slog.Uint64("tunnel_id", uint64(tunnel)),
		)

		m.persist(ctx, id)
		return err
	})
}

func (m *Manager) delete(ctx context.Context, id string) error {
	return m.locks.WithLock(ctx, id, func(ctx context.Context) error {
		if !m.registry.Exists(id) {
			return fmt.Errorf("delete network %q: %w", id, ErrNetworkNotFound)
		}

		handles := m.registry.Handles(id)
		for _, h := range handles {
			m.withdraw(ctx, h)
		}

		ports, err := m.registry.Delete(id)
		if err != nil {
			return err
		}
		m.metrics.NetworkDeleted(ports)

		if m.journal != nil {
			if err := m.journal.Remove(ctx, id); err != nil {
				m.logger.Warn("journal remove failed",
					slog.String("network", id),
					slog.String("error", err.Error()),
				)
			}
		}

		m.logger.Info("network deleted",
			slog.String("network", id),
			slog.Int("programs_withdrawn", len(handles)),
		)
		return nil
	})
}

// -------------------------------------------------------------------------
// Programming
// -------------------------------------------------------------------------

func (m *Manager) nextHandle(prefix, id string, parts ...string) fabric.Handle {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteByte('-')
	b.WriteString(id)
	for _, p := range parts {
		b.WriteByte('-')
		b.WriteString(p)
	}
	fmt.Fprintf(&b, "-g%d", m.generation.Add(1))
	return fabric.Handle(b.String())
}

// reprogram re-derives the network shape from its membership and compiles
// the program for it. Only once that succeeds are the previous main
// program and every host shortcut withdrawn, the new program installed and
// shortcuts re-installed for learned hosts. A compile failure leaves the
// installed state untouched and wraps errCompile.
func (m *Manager) reprogram(ctx context.Context, id string) error {
	return m.locks.WithLock(ctx, id, func(ctx context.Context) error {
		ports, tunnels, err := m.registry.Members(id)
		if err != nil {
			return err
		}
		shape := ShapeFor(len(ports))

		var (
			prog     *fabric.Program
			linkPath []fabric.Link
		)
		h := m.nextHandle("overlay-main", id)
		switch shape {
		case ShapeEmpty:
		case ShapePointToPoint:
			linkPath, err = m.compiler.LinkPath(ports[0], ports[1], m.registry.Path(id))
			if err == nil {
				prog, err = m.compiler.CompilePointToPoint(h, ports[0], ports[1], tunnels[0], linkPath)
			}
		case ShapeMultiPoint:
			prog, err = m.compiler.CompileTree(h, ports, tunnels)
		}
		if err != nil {
			return fmt.Errorf("compile %s program for %q: %w: %w", shape, id, errCompile, err)
		}

		old, oldShape, _ := m.registry.MainProgram(id)
		if old != "" {
			m.withdraw(ctx, old)
		}
		for _, h := range m.registry.TakeShortcuts(id) {
			m.withdraw(ctx, h)
		}

		if prog == nil {
			return m.registry.SetMainProgram(id, "", shape, nil)
		}
		if err := m.installer.Submit(ctx, prog); err != nil {
			_ = m.registry.SetMainProgram(id, "", shape, nil)
			return fmt.Errorf("submit %s: %w", h, err)
		}
		m.metrics.ProgramSubmitted(prog.Kind)
		if err := m.registry.SetMainProgram(id, h, shape, linkPath); err != nil {
			return err
		}

		if shape != oldShape {
			m.logger.Info("network shape changed",
				slog.String("network", id),
				slog.String("from", oldShape.String()),
				slog.String("to", shape.String()),
			)
		}
		m.logger.Debug("main program submitted",
			slog.String("network", id),
			slog.String("handle", string(h)),
			slog.String("kind", prog.Kind.String()),
			slog.Int("rules", len(prog.Rules)),
			slog.Int("groups", len(prog.Groups)),
		)

		var errs []error
		for _, host := range m.registry.Hosts(id) {
			errs = append(errs, m.installShortcuts(ctx, id, host.MAC, host.Port))
		}
		return errors.Join(errs...)
	})
}

// installShortcuts installs one host shortcut per sibling of host. Caller
// holds the network lock. Networks without a main program get none.
func (m *Manager) installShortcuts(ctx context.Context, id string, mac fabric.MAC, host fabric.Port) error {
	main, shape, linkPath := m.registry.MainProgram(id)
	if main == "" {
		return nil
	}
	ports, tunnels, err := m.registry.Members(id)
	if err != nil {
		return err
	}

	tunnel := tunnels[0]
	if shape == ShapeMultiPoint {
		for i, p := range ports {
			if p == host {
				tunnel = tunnels[i]
				break
			}
		}
	}

	var errs []error
	for _, sibling := range ports {
		if sibling == host {
			continue
		}
		h := m.nextHandle("overlay-host", id, mac.String(), sibling.String())
		prog, err := m.compiler.CompileShortcut(h, Shortcut{
			Shape:   shape,
			Host:    host,
			MAC:     mac,
			Sibling: sibling,
			Tunnel:  tunnel,
			Path:    linkPath,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := m.installer.Submit(ctx, prog); err != nil {
			errs = append(errs, fmt.Errorf("submit %s: %w", h, err))
			continue
		}
		m.metrics.ProgramSubmitted(prog.Kind)
		if err := m.registry.AddShortcut(id, mac, h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) withdraw(ctx context.Context, h fabric.Handle) {
	if err := m.installer.Withdraw(ctx, h); err != nil {
		m.logger.Warn("withdraw failed",
			slog.String("handle", string(h)),
			slog.String("error", err.Error()),
		)
		return
	}
	m.metrics.ProgramWithdrawn()
	m.markUnpurged(h)
}

func (m *Manager) markUnpurged(h fabric.Handle) {
	m.purgeMu.Lock()
	m.unpurged[h] = struct{}{}
	m.purgeMu.Unlock()
}

// purge forgets a withdrawn program. A handle the installer no longer
// tracks counts as purged.
func (m *Manager) purge(ctx context.Context, h fabric.Handle) error {
	m.purgeMu.Lock()
	delete(m.unpurged, h)
	m.purgeMu.Unlock()

	err := m.installer.Purge(ctx, h)
	if errors.Is(err, fabric.ErrUnknownHandle) {
		return nil
	}
	return err
}

// purgeAll purges every handle still awaiting its listener purge.
func (m *Manager) purgeAll(ctx context.Context) error {
	m.purgeMu.Lock()
	pending := make([]fabric.Handle, 0, len(m.unpurged))
	for h := range m.unpurged {
		pending = append(pending, h)
	}
	m.purgeMu.Unlock()

	var errs []error
	for _, h := range pending {
		if err := m.purge(ctx, h); err != nil {
			errs = append(errs, fmt.Errorf("purge %s: %w", h, err))
		}
	}
	return errors.Join(errs...)
}

// -------------------------------------------------------------------------
// Program Lifecycle Listener
// -------------------------------------------------------------------------

func (m *Manager) listen(ch <-chan events.Event, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-stop:
			return
		case ev := <-ch:
			pe, ok := ev.(fabric.ProgramEvent)
			if !ok {
				continue
			}
			m.onProgramEvent(pe)
		}
	}
}

func (m *Manager) onProgramEvent(ev fabric.ProgramEvent) {
	switch ev.Type {
	case fabric.EventWithdrawn:
		if err := m.purge(context.Background(), ev.Handle); err != nil {
			m.logger.Debug("purge failed",
				slog.String("handle", string(ev.Handle)),
				slog.String("error", err.Error()),
			)
		}
	case fabric.EventFailed:
		m.metrics.ProgramFailed()
		m.logger.Warn("program failed",
			slog.String("handle", string(ev.Handle)),
			slog.String("reason", ev.Reason),
		)
	default:
		m.logger.Debug("program event",
			slog.String("handle", string(ev.Handle)),
			slog.String("type", ev.Type.String()),
		)
	}
}

// -------------------------------------------------------------------------
// Persistence
// -------------------------------------------------------------------------

// persist journals the current declaration of id. Caller holds the lock.
func (m *Manager) persist(ctx context.Context, id string) {
	if m.journal == nil {
		return
	}
	d, err := m.declaration(id)
	if err == nil {
		err = m.journal.Save(ctx, d)
	}
	if err != nil {
		m.logger.Warn("journal save failed",
			slog.String("network", id),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Manager) declaration(id string) (Declaration, error) {
	snap, err := m.registry.Snapshot(id)
	if err != nil {
		return Declaration{}, err
	}

	d := Declaration{ID: id, Ports: snap.Ports, Declared: snap.Declared}
	if len(snap.Path) > 0 && len(snap.Ports) >= 2 {
		d.Link = &LinkDeclaration{From: snap.Ports[0], To: snap.Ports[1], Path: snap.Path}
		d.Ports = snap.Ports[2:]
	}
	return d, nil
}

// apply creates a network from its declaration and adds its extra ports.
func (m *Manager) apply(ctx context.Context, d Declaration) error {
	var err error
	if d.Link != nil {
		err = m.createLink(ctx, d.ID, d.Link.From, d.Link.To, d.Link.Path, d.Declared)
	} else {
		err = m.create(ctx, d.ID, d.Declared)
	}
	if err != nil {
		return err
	}

	errs := make([]error, 0, len(d.Ports))
	for _, p := range d.Ports {
		errs = append(errs, m.addPort(ctx, d.ID, p))
	}
	return errors.Join(errs...)
}

func (m *Manager) replay(ctx context.Context) error {
	if m.journal == nil {
		return nil
	}
	decls, err := m.journal.Load(ctx)
	if err != nil {
		return fmt.Errorf("replay journal: %w", err)
	}

	replayed := 0
	for _, d := range decls {
		err := m.run(ctx, func(tctx context.Context) error {
			return m.apply(tctx, d)
		})
		if err != nil {
			m.logger.Warn("journal replay failed",
				slog.String("network", d.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		replayed++
	}

	m.logger.Info("journal replayed",
		slog.Int("declarations", len(decls)),
		slog.Int("replayed", replayed),
	)
	return nil
}

// run executes fn on the pool and waits for it without the get timeout.
func (m *Manager) run(ctx context.Context, fn func(context.Context) error) error {
	done := make(chan error, 1)
	if err := m.submit(ctx, func(tctx context.Context) { done <- fn(tctx) }); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("wait for task: %w", ctx.Err())
	}
}
