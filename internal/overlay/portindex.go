package overlay

import (
	"fmt"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/l2sm/overlayd/internal/fabric"
)

const (
	tablePorts   = "ports"
	indexID      = "id"
	indexNetwork = "network"
)

// portEntry is one PortIndex row.
type portEntry struct {
	Key     string
	Network string
	Port    fabric.Port
	Tunnel  fabric.TunnelID
}

var portIndexSchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		tablePorts: {
			Name: tablePorts,
			Indexes: map[string]*memdb.IndexSchema{
				indexID: {
					Name:    indexID,
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "Key"},
				},
				indexNetwork: {
					Name:    indexNetwork,
					Indexer: &memdb.StringFieldIndex{Field: "Network"},
				},
			},
		},
	},
}

// PortIndex maps every member port to its owning network and tunnel id.
//
// It is the only overlay structure read without a network lock, because the
// owning network (and hence the lock to take) is discovered through it.
// Reads run against an immutable radix-tree snapshot and never block;
// writes are serialized by memdb.
type PortIndex struct {
	db *memdb.MemDB
}

// NewPortIndex creates an empty index.
func NewPortIndex() *PortIndex {
	db, err := memdb.NewMemDB(portIndexSchema)
	if err != nil {
		// The schema is static; failure here is a programming error.
		panic(fmt.Sprintf("port index schema: %v", err))
	}
	return &PortIndex{db: db}
}

// Lookup returns the owning network and tunnel id of p.
func (pi *PortIndex) Lookup(p fabric.Port) (string, fabric.TunnelID, bool) {
	txn := pi.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tablePorts, indexID, p.String())
	if err != nil || raw == nil {
		return "", 0, false
	}
	e := raw.(*portEntry)
	return e.Network, e.Tunnel, true
}

// NetworkOf returns the id of the network owning p.
func (pi *PortIndex) NetworkOf(p fabric.Port) (string, bool) {
	id, _, ok := pi.Lookup(p)
	return id, ok
}

// Put records p as a member of network with the given tunnel id. Putting a
// port already owned by a different network fails with ErrPortInUse.
func (pi *PortIndex) Put(network string, p fabric.Port, tunnel fabric.TunnelID) error {
	txn := pi.db.Txn(true)
	defer txn.Abort()

	key := p.String()
	raw, err := txn.First(tablePorts, indexID, key)
	if err != nil {
		return fmt.Errorf("port index lookup %s: %w", key, err)
	}
	if raw != nil && raw.(*portEntry).Network != network {
		return fmt.Errorf("port %s owned by %q: %w", key, raw.(*portEntry).Network, ErrPortInUse)
	}

	if err := txn.Insert(tablePorts, &portEntry{
		Key:     key,
		Network: network,
		Port:    p,
		Tunnel:  tunnel,
	}); err != nil {
		return fmt.Errorf("port index insert %s: %w", key, err)
	}

	txn.Commit()
	return nil
}

// Delete removes the entry for p and reports whether one existed.
func (pi *PortIndex) Delete(p fabric.Port) bool {
	txn := pi.db.Txn(true)
	defer txn.Abort()

	n, err := txn.DeleteAll(tablePorts, indexID, p.String())
	if err != nil || n == 0 {
		return false
	}

	txn.Commit()
	return true
}

// DeleteNetwork removes every port of network and returns how many were
// removed.
func (pi *PortIndex) DeleteNetwork(network string) int {
	txn := pi.db.Txn(true)
	defer txn.Abort()

	n, err := txn.DeleteAll(tablePorts, indexNetwork, network)
	if err != nil {
		return 0
	}

	txn.Commit()
	return n
}

// Len returns the number of indexed ports.
func (pi *PortIndex) Len() int {
	txn := pi.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tablePorts, indexID)
	if err != nil {
		return 0
	}

	n := 0
	for raw := it.Next(); raw != nil; raw = it.Next() {
		n++
	}
	return n
}

// Reset drops every entry.
func (pi *PortIndex) Reset() {
	txn := pi.db.Txn(true)
	defer txn.Abort()

	if _, err := txn.DeleteAll(tablePorts, indexID); err != nil {
		return
	}
	txn.Commit()
}
