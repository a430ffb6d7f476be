// Package server implements the ConnectRPC server for the overlay daemon.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"connectrpc.com/connect"

	"github.com/l2sm/overlayd/internal/fabric"
	"github.com/l2sm/overlayd/internal/netio"
	"github.com/l2sm/overlayd/internal/overlay"
	"github.com/l2sm/overlayd/pkg/overlayv1"
)

// ErrMissingFrame indicates a PacketIn request without frame bytes.
var ErrMissingFrame = errors.New("frame must not be empty")

// OverlayServer implements overlayv1.OverlayServiceHandler.
//
// Each RPC delegates to the overlay Manager. Mutations are queued on the
// Manager's worker pool and acknowledged once queued; their outcome is
// visible through GetNetwork and the daemon log.
type OverlayServer struct {
	mgr        *overlay.Manager
	dispatcher *netio.Dispatcher
	logger     *slog.Logger
}

// verify interface compliance at compile time.
var _ overlayv1.OverlayServiceHandler = (*OverlayServer)(nil)

// New creates a new OverlayServer and returns the HTTP handler and path.
// A nil dispatcher routes packet-in straight to the manager without rate
// limiting or emission.
func New(
	mgr *overlay.Manager,
	dispatcher *netio.Dispatcher,
	logger *slog.Logger,
	opts ...connect.HandlerOption,
) (string, http.Handler) {
	logger = logger.With(slog.String("component", "server"))
	if dispatcher == nil {
		dispatcher = netio.NewDispatcher(mgr, logger)
	}

	srv := &OverlayServer{
		mgr:        mgr,
		dispatcher: dispatcher,
		logger:     logger,
	}
	return overlayv1.NewOverlayServiceHandler(srv, opts...)
}

// CreateNetwork queues the creation of an empty network, or of a virtual
// link when the request carries one.
func (s *OverlayServer) CreateNetwork(
	ctx context.Context,
	req *overlayv1.CreateNetworkRequest,
) (*overlayv1.CreateNetworkResponse, error) {
	if req.Link == nil {
		if err := s.mgr.Create(ctx, req.ID); err != nil {
			return nil, mapError(err)
		}
		return &overlayv1.CreateNetworkResponse{}, nil
	}

	from, err := fabric.ParsePort(req.Link.From)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("link from: %w", err))
	}
	to, err := fabric.ParsePort(req.Link.To)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("link to: %w", err))
	}

	path := make([]fabric.DeviceID, 0, len(req.Link.Path))
	for _, d := range req.Link.Path {
		path = append(path, fabric.DeviceID(d))
	}

	if err := s.mgr.CreateLink(ctx, req.ID, from, to, path); err != nil {
		return nil, mapError(err)
	}
	return &overlayv1.CreateNetworkResponse{}, nil
}

// DeleteNetwork queues the deletion of a network.
func (s *OverlayServer) DeleteNetwork(
	ctx context.Context,
	req *overlayv1.DeleteNetworkRequest,
) (*overlayv1.DeleteNetworkResponse, error) {
	if err := s.mgr.Delete(ctx, req.ID); err != nil {
		return nil, mapError(err)
	}
	return &overlayv1.DeleteNetworkResponse{}, nil
}

// AddPort queues the addition of a port to a network.
func (s *OverlayServer) AddPort(
	ctx context.Context,
	req *overlayv1.AddPortRequest,
) (*overlayv1.AddPortResponse, error) {
	port, err := fabric.ParsePort(req.Port)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	if err := s.mgr.AddPort(ctx, req.ID, port); err != nil {
		return nil, mapError(err)
	}
	return &overlayv1.AddPortResponse{}, nil
}

// GetNetwork returns the state of one network.
func (s *OverlayServer) GetNetwork(
	ctx context.Context,
	req *overlayv1.GetNetworkRequest,
) (*overlayv1.GetNetworkResponse, error) {
	if req.ID == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, overlay.ErrInvalidNetworkID)
	}

	snap, err := s.mgr.Get(ctx, req.ID)
	if err != nil {
		return nil, mapError(err)
	}
	return &overlayv1.GetNetworkResponse{Network: networkToAPI(snap)}, nil
}

// ListNetworks returns every network ordered by id.
func (s *OverlayServer) ListNetworks(
	ctx context.Context,
	_ *overlayv1.ListNetworksRequest,
) (*overlayv1.ListNetworksResponse, error) {
	snaps, err := s.mgr.Networks(ctx)
	if err != nil {
		return nil, mapError(err)
	}

	out := make([]overlayv1.Network, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, networkToAPI(snap))
	}
	return &overlayv1.ListNetworksResponse{Networks: out}, nil
}

// PacketIn hands one frame to the dispatcher and returns its decision.
func (s *OverlayServer) PacketIn(
	ctx context.Context,
	req *overlayv1.PacketInRequest,
) (*overlayv1.PacketInResponse, error) {
	port, err := fabric.ParsePort(req.Port)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	if len(req.Frame) == 0 {
		return nil, connect.NewError(connect.CodeInvalidArgument, ErrMissingFrame)
	}

	d := s.dispatcher.Dispatch(ctx, port, req.Frame)

	ports := make([]string, 0, len(d.Ports))
	for _, p := range d.Ports {
		ports = append(ports, p.String())
	}
	return &overlayv1.PacketInResponse{
		Handled: d.Handled(),
		Action:  d.Action.String(),
		Network: d.Network,
		Ports:   ports,
	}, nil
}

// WatchPrograms streams program lifecycle events until the client goes
// away.
func (s *OverlayServer) WatchPrograms(
	ctx context.Context,
	_ *overlayv1.WatchProgramsRequest,
	stream *connect.ServerStream[overlayv1.WatchProgramsResponse],
) error {
	ch, cancel := s.mgr.WatchPrograms()
	defer cancel()

	s.logger.DebugContext(ctx, "program watcher attached")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-ch:
			pe, ok := ev.(fabric.ProgramEvent)
			if !ok {
				continue
			}
			if err := stream.Send(&overlayv1.WatchProgramsResponse{
				Handle: string(pe.Handle),
				Type:   pe.Type.String(),
				Reason: pe.Reason,
			}); err != nil {
				return fmt.Errorf("send program event: %w", err)
			}
		}
	}
}

// -------------------------------------------------------------------------
// Conversions
// -------------------------------------------------------------------------

func networkToAPI(snap overlay.NetworkSnapshot) overlayv1.Network {
	n := overlayv1.Network{
		ID:          snap.ID,
		Shape:       snap.Shape.String(),
		MainProgram: string(snap.MainProgram),
		Shortcuts:   snap.Shortcuts,
		Declared:    snap.Declared,
	}
	for i, p := range snap.Ports {
		n.Ports = append(n.Ports, overlayv1.Member{
			Port:     p.String(),
			TunnelID: uint32(snap.TunnelIDs[i]),
		})
	}
	for _, h := range snap.Hosts {
		n.Hosts = append(n.Hosts, overlayv1.Host{MAC: h.MAC.String(), Port: h.Port.String()})
	}
	for _, d := range snap.Path {
		n.Path = append(n.Path, string(d))
	}
	return n
}

// mapError converts domain errors to ConnectRPC errors.
func mapError(err error) error {
	switch {
	case errors.Is(err, overlay.ErrNetworkNotFound):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, overlay.ErrNetworkExists):
		return connect.NewError(connect.CodeAlreadyExists, err)
	case errors.Is(err, overlay.ErrPortInUse):
		return connect.NewError(connect.CodeFailedPrecondition, err)
	case errors.Is(err, overlay.ErrInvalidNetworkID),
		errors.Is(err, overlay.ErrInvalidPort),
		errors.Is(err, overlay.ErrInvalidPath),
		errors.Is(err, fabric.ErrInvalidPort):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, overlay.ErrDeadlineExceeded),
		errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	case errors.Is(err, overlay.ErrManagerClosed):
		return connect.NewError(connect.CodeUnavailable, err)
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	default:
		return connect.NewError(connect.CodeInternal, err)
	}
}
