package overlay

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/l2sm/overlayd/internal/fabric"
)

// Linear congruential generator parameters. With m = 2^24 the sequence has
// full period because c is odd (coprime to m) and a-1 = 258088 is divisible
// by 4 (Hull-Dobell).
const (
	tunnelModulus    = 1 << fabric.TunnelIDBits
	tunnelMultiplier = 258089
	tunnelIncrement  = 16777213
)

// ErrTunnelSpaceExhausted indicates every value of the 24-bit tunnel space
// has been issued. Values are never reused automatically.
var ErrTunnelSpaceExhausted = errors.New("tunnel id space exhausted")

// TunnelAllocator issues 24-bit tunnel identifiers from a full-period
// pseudo-random sequence. The first 2^24 values it returns are pairwise
// distinct; after that Allocate fails with ErrTunnelSpaceExhausted.
//
// Identifiers are not released on network deletion.
type TunnelAllocator struct {
	mu     sync.Mutex
	state  uint64
	issued uint64
}

// NewTunnelAllocator seeds a TunnelAllocator from crypto/rand.
func NewTunnelAllocator() (*TunnelAllocator, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, fmt.Errorf("seed tunnel allocator: %w", err)
	}
	return NewSeededTunnelAllocator(binary.BigEndian.Uint32(buf[:])), nil
}

// NewSeededTunnelAllocator creates an allocator with an explicit seed. Only
// the low 24 bits of seed are used.
func NewSeededTunnelAllocator(seed uint32) *TunnelAllocator {
	return &TunnelAllocator{state: uint64(seed) % tunnelModulus}
}

// Allocate returns the next identifier of the sequence.
func (a *TunnelAllocator) Allocate() (fabric.TunnelID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.issued >= tunnelModulus {
		return 0, fmt.Errorf("allocate after %d ids: %w", a.issued, ErrTunnelSpaceExhausted)
	}

	a.state = (a.state*tunnelMultiplier + tunnelIncrement) % tunnelModulus
	a.issued++

	return fabric.TunnelID(a.state), nil
}

// Issued returns how many identifiers have been handed out.
func (a *TunnelAllocator) Issued() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.issued
}
