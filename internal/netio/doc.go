// Package netio is the packet I/O edge of the overlay daemon.
//
// It parses raw Ethernet frames (and ARP payloads) punted by the fabric,
// rate-limits packet-in, hands each frame to the overlay learning engine,
// and emits the frame on the ports of the resulting decision. Malformed
// input is dropped here and never reaches the overlay core.
package netio
