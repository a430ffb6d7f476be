package overlay

import (
	"cmp"
	"fmt"
	"slices"
	"sync"

	"github.com/l2sm/overlayd/internal/fabric"
)

// -------------------------------------------------------------------------
// Snapshots
// -------------------------------------------------------------------------

// HostLocation is one learned (address, port) pair.
type HostLocation struct {
	MAC  fabric.MAC
	Port fabric.Port
}

// NetworkSnapshot is an immutable copy of one network's state. It holds no
// references to registry internals and stays valid after the network lock
// is released.
type NetworkSnapshot struct {
	// ID is the network identifier.
	ID string

	// Ports are the member ports in insertion order.
	Ports []fabric.Port

	// TunnelIDs parallels Ports.
	TunnelIDs []fabric.TunnelID

	// Shape is the forwarding policy currently programmed.
	Shape Shape

	// MainProgram is the handle of the installed main program, empty for
	// ShapeEmpty.
	MainProgram fabric.Handle

	// Shortcuts counts installed host shortcut programs.
	Shortcuts int

	// Hosts lists learned host locations ordered by address.
	Hosts []HostLocation

	// Path is the explicit device path of a CreateLink network.
	Path []fabric.DeviceID

	// Declared marks networks owned by the configuration reconciler.
	Declared bool
}

// -------------------------------------------------------------------------
// Registry
// -------------------------------------------------------------------------

// network is the registry record of one overlay. Every field is guarded by
// the network's LockManager lock.
type network struct {
	id      string
	ports   []fabric.Port
	tunnels []fabric.TunnelID
	hosts   map[fabric.MAC]fabric.Port

	shape     Shape
	main      fabric.Handle
	linkPath  []fabric.Link
	shortcuts map[fabric.MAC][]fabric.Handle

	path []fabric.DeviceID

	// declared is immutable after Register and may be read without the
	// network lock.
	declared bool
}

// Registry is the authoritative store of overlay networks.
//
// Methods that take a network id assume the caller holds that network's
// lock. The registry mutex only protects the id → record map itself.
// PortIndex lookups are safe without any lock.
type Registry struct {
	mu       sync.RWMutex
	networks map[string]*network
	ports    *PortIndex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		networks: make(map[string]*network),
		ports:    NewPortIndex(),
	}
}

// Ports returns the registry's PortIndex.
func (r *Registry) Ports() *PortIndex {
	return r.ports
}

func (r *Registry) lookup(id string) (*network, error) {
	r.mu.RLock()
	n, ok := r.networks[id]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("network %q: %w", id, ErrNetworkNotFound)
	}
	return n, nil
}

// Register creates an empty network.
func (r *Registry) Register(id string, declared bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.networks[id]; ok {
		return fmt.Errorf("register network %q: %w", id, ErrNetworkExists)
	}
	r.networks[id] = &network{
		id:        id,
		hosts:     make(map[fabric.MAC]fabric.Port),
		shortcuts: make(map[fabric.MAC][]fabric.Handle),
		declared:  declared,
	}
	return nil
}

// Exists reports whether id is registered.
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.networks[id]
	return ok
}

// Delete erases the network together with its PortIndex entries and host
// table, and returns how many member ports it had.
func (r *Registry) Delete(id string) (int, error) {
	r.mu.Lock()
	n, ok := r.networks[id]
	if ok {
		delete(r.networks, id)
	}
	r.mu.Unlock()

	if !ok {
		return 0, fmt.Errorf("delete network %q: %w", id, ErrNetworkNotFound)
	}
	r.ports.DeleteNetwork(id)
	return len(n.ports), nil
}

// AddPort appends port to the membership of id with its tunnel id. A port
// that is already a member of any network, this one included, is rejected
// with ErrPortInUse.
func (r *Registry) AddPort(id string, port fabric.Port, tunnel fabric.TunnelID) error {
	n, err := r.lookup(id)
	if err != nil {
		return err
	}
	if owner, ok := r.ports.NetworkOf(port); ok {
		return fmt.Errorf("add port %s to %q: owned by %q: %w", port, id, owner, ErrPortInUse)
	}
	if err := r.ports.Put(id, port, tunnel); err != nil {
		return fmt.Errorf("add port %s to %q: %w", port, id, err)
	}

	n.ports = append(n.ports, port)
	n.tunnels = append(n.tunnels, tunnel)
	return nil
}

// RemovePort takes port and its tunnel id back out of the membership of
// id. It undoes an AddPort whose program could not be built.
func (r *Registry) RemovePort(id string, port fabric.Port) error {
	n, err := r.lookup(id)
	if err != nil {
		return err
	}
	i := slices.Index(n.ports, port)
	if i < 0 {
		return fmt.Errorf("remove port %s from %q: %w", port, id, ErrPortNotFound)
	}

	n.ports = slices.Delete(n.ports, i, i+1)
	n.tunnels = slices.Delete(n.tunnels, i, i+1)
	r.ports.Delete(port)
	for mac, at := range n.hosts {
		if at == port {
			delete(n.hosts, mac)
		}
	}
	return nil
}

// HasPort reports whether port is a member of id.
func (r *Registry) HasPort(id string, port fabric.Port) bool {
	owner, ok := r.ports.NetworkOf(port)
	return ok && owner == id
}

// Members returns copies of the member ports and tunnel ids of id.
func (r *Registry) Members(id string) ([]fabric.Port, []fabric.TunnelID, error) {
	n, err := r.lookup(id)
	if err != nil {
		return nil, nil, err
	}
	return slices.Clone(n.ports), slices.Clone(n.tunnels), nil
}

// PortsOfNetworkExcluding returns the other members of the network owning
// port, in insertion order. An unowned port yields an empty result.
func (r *Registry) PortsOfNetworkExcluding(port fabric.Port) []fabric.Port {
	id, ok := r.ports.NetworkOf(port)
	if !ok {
		return nil
	}
	n, err := r.lookup(id)
	if err != nil {
		return nil
	}

	out := make([]fabric.Port, 0, len(n.ports))
	for _, p := range n.ports {
		if p != port {
			out = append(out, p)
		}
	}
	return out
}

// Snapshot returns an immutable copy of the network.
func (r *Registry) Snapshot(id string) (NetworkSnapshot, error) {
	n, err := r.lookup(id)
	if err != nil {
		return NetworkSnapshot{}, err
	}

	hosts := make([]HostLocation, 0, len(n.hosts))
	for mac, port := range n.hosts {
		hosts = append(hosts, HostLocation{MAC: mac, Port: port})
	}
	slices.SortFunc(hosts, func(a, b HostLocation) int {
		return cmp.Compare(a.MAC.String(), b.MAC.String())
	})

	shortcuts := 0
	for _, hs := range n.shortcuts {
		shortcuts += len(hs)
	}

	return NetworkSnapshot{
		ID:          n.id,
		Ports:       slices.Clone(n.ports),
		TunnelIDs:   slices.Clone(n.tunnels),
		Shape:       n.shape,
		MainProgram: n.main,
		Shortcuts:   shortcuts,
		Hosts:       hosts,
		Path:        slices.Clone(n.path),
		Declared:    n.declared,
	}, nil
}

// IDs returns every registered network id in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.networks))
	for id := range r.networks {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	slices.Sort(ids)
	return ids
}

// Len returns the number of registered networks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.networks)
}

// Reset drops every network and index entry.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.networks = make(map[string]*network)
	r.mu.Unlock()

	r.ports.Reset()
}

// -------------------------------------------------------------------------
// Host Locations
// -------------------------------------------------------------------------

// Host returns the learned location of mac in id.
func (r *Registry) Host(id string, mac fabric.MAC) (fabric.Port, bool) {
	n, err := r.lookup(id)
	if err != nil {
		return fabric.Port{}, false
	}
	p, ok := n.hosts[mac]
	return p, ok
}

// LearnHost stores mac at port unless a location is already known. It
// returns the stored location and whether this call stored it.
func (r *Registry) LearnHost(id string, mac fabric.MAC, port fabric.Port) (fabric.Port, bool, error) {
	n, err := r.lookup(id)
	if err != nil {
		return fabric.Port{}, false, err
	}
	if known, ok := n.hosts[mac]; ok {
		return known, false, nil
	}
	n.hosts[mac] = port
	return port, true, nil
}

// Hosts returns every learned location of id ordered by address.
func (r *Registry) Hosts(id string) []HostLocation {
	snap, err := r.Snapshot(id)
	if err != nil {
		return nil
	}
	return snap.Hosts
}

// -------------------------------------------------------------------------
// Program Bookkeeping
// -------------------------------------------------------------------------

// MainProgram returns the installed main program of id, its shape and the
// link path of a point-to-point tunnel.
func (r *Registry) MainProgram(id string) (fabric.Handle, Shape, []fabric.Link) {
	n, err := r.lookup(id)
	if err != nil {
		return "", ShapeEmpty, nil
	}
	return n.main, n.shape, slices.Clone(n.linkPath)
}

// SetMainProgram records the main program of id. An empty handle clears it.
func (r *Registry) SetMainProgram(id string, h fabric.Handle, shape Shape, linkPath []fabric.Link) error {
	n, err := r.lookup(id)
	if err != nil {
		return err
	}
	n.main = h
	n.shape = shape
	n.linkPath = slices.Clone(linkPath)
	return nil
}

// AddShortcut records a host shortcut program for mac.
func (r *Registry) AddShortcut(id string, mac fabric.MAC, h fabric.Handle) error {
	n, err := r.lookup(id)
	if err != nil {
		return err
	}
	n.shortcuts[mac] = append(n.shortcuts[mac], h)
	return nil
}

// TakeShortcuts removes and returns every host shortcut handle of id.
func (r *Registry) TakeShortcuts(id string) []fabric.Handle {
	n, err := r.lookup(id)
	if err != nil {
		return nil
	}

	var out []fabric.Handle
	for mac, hs := range n.shortcuts {
		out = append(out, hs...)
		delete(n.shortcuts, mac)
	}
	slices.Sort(out)
	return out
}

// Handles returns every program handle owned by id, main program first.
func (r *Registry) Handles(id string) []fabric.Handle {
	n, err := r.lookup(id)
	if err != nil {
		return nil
	}

	var out []fabric.Handle
	if n.main != "" {
		out = append(out, n.main)
	}
	var shortcuts []fabric.Handle
	for _, hs := range n.shortcuts {
		shortcuts = append(shortcuts, hs...)
	}
	slices.Sort(shortcuts)
	return append(out, shortcuts...)
}

// -------------------------------------------------------------------------
// Link Declarations
// -------------------------------------------------------------------------

// SetPath records the explicit device path of id.
func (r *Registry) SetPath(id string, path []fabric.DeviceID) error {
	n, err := r.lookup(id)
	if err != nil {
		return err
	}
	n.path = slices.Clone(path)
	return nil
}

// Path returns the explicit device path of id, nil if none was given.
func (r *Registry) Path(id string) []fabric.DeviceID {
	n, err := r.lookup(id)
	if err != nil {
		return nil
	}
	return slices.Clone(n.path)
}

// Declared reports whether id is owned by the configuration reconciler.
// It is safe without the network lock.
func (r *Registry) Declared(id string) bool {
	n, err := r.lookup(id)
	if err != nil {
		return false
	}
	return n.declared
}
