// Package overlayv1 defines the overlayd public API: message types, the
// OverlayService procedures, a JSON codec and a typed ConnectRPC client.
//
// Ports are rendered as "<device>/<number>" strings and hardware addresses
// as colon-separated hex, so every message is readable on the wire.
package overlayv1

// Shape values reported in Network.Shape.
const (
	ShapeEmpty        = "empty"
	ShapePointToPoint = "point_to_point"
	ShapeMultiPoint   = "multi_point"
)

// Action values reported in PacketInResponse.Action.
const (
	ActionDrop    = "drop"
	ActionFlood   = "flood"
	ActionUnicast = "unicast"
)

// -------------------------------------------------------------------------
// Resources
// -------------------------------------------------------------------------

// Network is the observable state of one overlay network.
type Network struct {
	ID          string   `json:"id"`
	Shape       string   `json:"shape"`
	Ports       []Member `json:"ports,omitempty"`
	MainProgram string   `json:"main_program,omitempty"`
	Shortcuts   int      `json:"shortcuts"`
	Hosts       []Host   `json:"hosts,omitempty"`
	Path        []string `json:"path,omitempty"`
	Declared    bool     `json:"declared,omitempty"`
}

// Member is a network port with the tunnel id tagging its traffic.
type Member struct {
	Port     string `json:"port"`
	TunnelID uint32 `json:"tunnel_id"`
}

// Host is a learned host location.
type Host struct {
	MAC  string `json:"mac"`
	Port string `json:"port"`
}

// LinkSpec is the explicit-path two-endpoint form of a network.
type LinkSpec struct {
	From string   `json:"from"`
	To   string   `json:"to"`
	Path []string `json:"path,omitempty"`
}

// -------------------------------------------------------------------------
// Requests and Responses
// -------------------------------------------------------------------------

// CreateNetworkRequest creates an empty network, or a virtual link when
// Link is set.
type CreateNetworkRequest struct {
	ID   string    `json:"id"`
	Link *LinkSpec `json:"link,omitempty"`
}

// CreateNetworkResponse acknowledges that the creation was queued.
type CreateNetworkResponse struct{}

type DeleteNetworkRequest struct {
	ID string `json:"id"`
}

type DeleteNetworkResponse struct{}

type AddPortRequest struct {
	ID   string `json:"id"`
	Port string `json:"port"`
}

type AddPortResponse struct{}

type GetNetworkRequest struct {
	ID string `json:"id"`
}

type GetNetworkResponse struct {
	Network Network `json:"network"`
}

type ListNetworksRequest struct{}

type ListNetworksResponse struct {
	Networks []Network `json:"networks"`
}

// PacketInRequest carries one raw Ethernet frame received on Port.
type PacketInRequest struct {
	Port  string `json:"port"`
	Frame []byte `json:"frame"`
}

// PacketInResponse is the forwarding decision for the frame. Handled is
// false when the frame belongs to no overlay.
type PacketInResponse struct {
	Handled bool     `json:"handled"`
	Action  string   `json:"action"`
	Network string   `json:"network,omitempty"`
	Ports   []string `json:"ports,omitempty"`
}

type WatchProgramsRequest struct{}

// WatchProgramsResponse is one program lifecycle event.
type WatchProgramsResponse struct {
	Handle string `json:"handle"`
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}
