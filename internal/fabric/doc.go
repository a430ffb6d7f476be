// Package fabric describes the physical SDN fabric an overlay is realized on.
//
// It holds the value types shared by every layer (devices, ports, links,
// tunnel identifiers, hardware addresses), the device-level forwarding
// program model produced by the overlay compiler, and the two collaborator
// contracts the overlay core consumes:
//
//   - Topology answers shortest-path and active-link queries.
//   - Installer accepts forwarding programs, withdraws and purges them, and
//     reports their lifecycle as events.
//
// StaticTopology and MemoryInstaller are in-process implementations used by
// the daemon and by tests. A deployment that drives real switches replaces
// them behind the same interfaces.
package fabric
