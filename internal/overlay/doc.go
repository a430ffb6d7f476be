// Package overlay implements the overlay network control plane: tunnel id
// allocation, per-network locking, the network registry, the forwarding
// program compiler (point-to-point tunnels and per-root replication trees),
// ARP-driven host learning, and the Manager that runs every mutation on a
// bounded worker pool.
//
// All Registry state except the PortIndex is touched only while holding the
// owning network's lock from the LockManager.
package overlay
