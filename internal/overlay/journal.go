package overlay

import (
	"context"

	"github.com/l2sm/overlayd/internal/fabric"
)

// Journal persists network declarations so they can be replayed after a
// restart. Tunnel ids are not journaled.
type Journal interface {
	// Load returns every stored declaration ordered by Seq.
	Load(ctx context.Context) ([]Declaration, error)

	// Save stores d, replacing any declaration with the same ID. Seq is
	// assigned by the journal on first save and preserved afterwards.
	Save(ctx context.Context, d Declaration) error

	// Remove deletes the declaration of id. Removing an unknown id is not
	// an error.
	Remove(ctx context.Context, id string) error
}

// Declaration is the durable description of one network.
type Declaration struct {
	ID       string           `json:"id"`
	Ports    []fabric.Port    `json:"ports,omitempty"`
	Link     *LinkDeclaration `json:"link,omitempty"`
	Declared bool             `json:"declared,omitempty"`
	Seq      uint64           `json:"seq"`
}

// LinkDeclaration is the explicit-path two-endpoint form of a network.
type LinkDeclaration struct {
	From fabric.Port       `json:"from"`
	To   fabric.Port       `json:"to"`
	Path []fabric.DeviceID `json:"path,omitempty"`
}
