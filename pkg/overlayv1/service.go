package overlayv1

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"connectrpc.com/connect"
)

// OverlayServiceName is the fully-qualified name of the OverlayService.
const OverlayServiceName = "overlay.v1.OverlayService"

// Procedure paths of the OverlayService RPCs.
const (
	OverlayServiceCreateNetworkProcedure = "/overlay.v1.OverlayService/CreateNetwork"
	OverlayServiceDeleteNetworkProcedure = "/overlay.v1.OverlayService/DeleteNetwork"
	OverlayServiceAddPortProcedure       = "/overlay.v1.OverlayService/AddPort"
	OverlayServiceGetNetworkProcedure    = "/overlay.v1.OverlayService/GetNetwork"
	OverlayServiceListNetworksProcedure  = "/overlay.v1.OverlayService/ListNetworks"
	OverlayServicePacketInProcedure      = "/overlay.v1.OverlayService/PacketIn"
	OverlayServiceWatchProgramsProcedure = "/overlay.v1.OverlayService/WatchPrograms"
)

// -------------------------------------------------------------------------
// Handler
// -------------------------------------------------------------------------

// OverlayServiceHandler is the server side of the OverlayService.
type OverlayServiceHandler interface {
	CreateNetwork(context.Context, *CreateNetworkRequest) (*CreateNetworkResponse, error)
	DeleteNetwork(context.Context, *DeleteNetworkRequest) (*DeleteNetworkResponse, error)
	AddPort(context.Context, *AddPortRequest) (*AddPortResponse, error)
	GetNetwork(context.Context, *GetNetworkRequest) (*GetNetworkResponse, error)
	ListNetworks(context.Context, *ListNetworksRequest) (*ListNetworksResponse, error)
	PacketIn(context.Context, *PacketInRequest) (*PacketInResponse, error)
	WatchPrograms(context.Context, *WatchProgramsRequest, *connect.ServerStream[WatchProgramsResponse]) error
}

// NewOverlayServiceHandler builds an HTTP handler from the service
// implementation. It returns the path on which to mount the handler and
// the handler itself. Codec is always installed; opts may add
// interceptors and further options.
func NewOverlayServiceHandler(svc OverlayServiceHandler, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(Codec{})}, opts...)

	handlers := map[string]http.Handler{
		OverlayServiceCreateNetworkProcedure: unaryHandler(OverlayServiceCreateNetworkProcedure, svc.CreateNetwork, opts),
		OverlayServiceDeleteNetworkProcedure: unaryHandler(OverlayServiceDeleteNetworkProcedure, svc.DeleteNetwork, opts),
		OverlayServiceAddPortProcedure:       unaryHandler(OverlayServiceAddPortProcedure, svc.AddPort, opts),
		OverlayServiceGetNetworkProcedure:    unaryHandler(OverlayServiceGetNetworkProcedure, svc.GetNetwork, opts),
		OverlayServiceListNetworksProcedure:  unaryHandler(OverlayServiceListNetworksProcedure, svc.ListNetworks, opts),
		OverlayServicePacketInProcedure:      unaryHandler(OverlayServicePacketInProcedure, svc.PacketIn, opts),
		OverlayServiceWatchProgramsProcedure: connect.NewServerStreamHandler(
			OverlayServiceWatchProgramsProcedure,
			func(ctx context.Context, req *connect.Request[WatchProgramsRequest], stream *connect.ServerStream[WatchProgramsResponse]) error {
				return svc.WatchPrograms(ctx, req.Msg, stream)
			},
			opts...,
		),
	}

	return "/" + OverlayServiceName + "/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h, ok := handlers[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func unaryHandler[Req, Res any](
	procedure string,
	fn func(context.Context, *Req) (*Res, error),
	opts []connect.HandlerOption,
) *connect.Handler {
	return connect.NewUnaryHandler(procedure,
		func(ctx context.Context, req *connect.Request[Req]) (*connect.Response[Res], error) {
			res, err := fn(ctx, req.Msg)
			if err != nil {
				return nil, err
			}
			return connect.NewResponse(res), nil
		},
		opts...,
	)
}

// UnimplementedOverlayServiceHandler returns CodeUnimplemented from all
// methods. Embed it to implement a subset of the service.
type UnimplementedOverlayServiceHandler struct{}

var _ OverlayServiceHandler = UnimplementedOverlayServiceHandler{}

func unimplemented(method string) error {
	return connect.NewError(connect.CodeUnimplemented,
		errors.New(OverlayServiceName+"."+method+" is not implemented"))
}

func (UnimplementedOverlayServiceHandler) CreateNetwork(context.Context, *CreateNetworkRequest) (*CreateNetworkResponse, error) {
	return nil, unimplemented("CreateNetwork")
}

func (UnimplementedOverlayServiceHandler) DeleteNetwork(context.Context, *DeleteNetworkRequest) (*DeleteNetworkResponse, error) {
	return nil, unimplemented("DeleteNetwork")
}

func (UnimplementedOverlayServiceHandler) AddPort(context.Context, *AddPortRequest) (*AddPortResponse, error) {
	return nil, unimplemented("AddPort")
}

func (UnimplementedOverlayServiceHandler) GetNetwork(context.Context, *GetNetworkRequest) (*GetNetworkResponse, error) {
	return nil, unimplemented("GetNetwork")
}

func (UnimplementedOverlayServiceHandler) ListNetworks(context.Context, *ListNetworksRequest) (*ListNetworksResponse, error) {
	return nil, unimplemented("ListNetworks")
}

func (UnimplementedOverlayServiceHandler) PacketIn(context.Context, *PacketInRequest) (*PacketInResponse, error) {
	return nil, unimplemented("PacketIn")
}

func (UnimplementedOverlayServiceHandler) WatchPrograms(context.Context, *WatchProgramsRequest, *connect.ServerStream[WatchProgramsResponse]) error {
	return unimplemented("WatchPrograms")
}

// -------------------------------------------------------------------------
// Client
// -------------------------------------------------------------------------

// OverlayServiceClient is the client side of the OverlayService.
type OverlayServiceClient interface {
	CreateNetwork(context.Context, *CreateNetworkRequest) (*CreateNetworkResponse, error)
	DeleteNetwork(context.Context, *DeleteNetworkRequest) (*DeleteNetworkResponse, error)
	AddPort(context.Context, *AddPortRequest) (*AddPortResponse, error)
	GetNetwork(context.Context, *GetNetworkRequest) (*GetNetworkResponse, error)
	ListNetworks(context.Context, *ListNetworksRequest) (*ListNetworksResponse, error)
	PacketIn(context.Context, *PacketInRequest) (*PacketInResponse, error)
	WatchPrograms(context.Context, *WatchProgramsRequest) (*connect.ServerStreamForClient[WatchProgramsResponse], error)
}

// NewOverlayServiceClient constructs a client for the OverlayService at
// baseURL (e.g., "http://localhost:50061"). Requests use Codec.
func NewOverlayServiceClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) OverlayServiceClient {
	baseURL = strings.TrimRight(baseURL, "/")
	opts = append([]connect.ClientOption{connect.WithCodec(Codec{})}, opts...)

	return &overlayServiceClient{
		createNetwork: connect.NewClient[CreateNetworkRequest, CreateNetworkResponse](
			httpClient, baseURL+OverlayServiceCreateNetworkProcedure, opts...),
		deleteNetwork: connect.NewClient[DeleteNetworkRequest, DeleteNetworkResponse](
			httpClient, baseURL+OverlayServiceDeleteNetworkProcedure, opts...),
		addPort: connect.NewClient[AddPortRequest, AddPortResponse](
			httpClient, baseURL+OverlayServiceAddPortProcedure, opts...),
		getNetwork: connect.NewClient[GetNetworkRequest, GetNetworkResponse](
			httpClient, baseURL+OverlayServiceGetNetworkProcedure, opts...),
		listNetworks: connect.NewClient[ListNetworksRequest, ListNetworksResponse](
			httpClient, baseURL+OverlayServiceListNetworksProcedure, opts...),
		packetIn: connect.NewClient[PacketInRequest, PacketInResponse](
			httpClient, baseURL+OverlayServicePacketInProcedure, opts...),
		watchPrograms: connect.NewClient[WatchProgramsRequest, WatchProgramsResponse](
			httpClient, baseURL+OverlayServiceWatchProgramsProcedure, opts...),
	}
}

type overlayServiceClient struct {
	createNetwork *connect.Client[CreateNetworkRequest, CreateNetworkResponse]
	deleteNetwork *connect.Client[DeleteNetworkRequest, DeleteNetworkResponse]
	addPort       *connect.Client[AddPortRequest, AddPortResponse]
	getNetwork    *connect.Client[GetNetworkRequest, GetNetworkResponse]
	listNetworks  *connect.Client[ListNetworksRequest, ListNetworksResponse]
	packetIn      *connect.Client[PacketInRequest, PacketInResponse]
	watchPrograms *connect.Client[WatchProgramsRequest, WatchProgramsResponse]
}

func callUnary[Req, Res any](ctx context.Context, c *connect.Client[Req, Res], req *Req) (*Res, error) {
	res, err := c.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return res.Msg, nil
}

func (c *overlayServiceClient) CreateNetwork(ctx context.Context, req *CreateNetworkRequest) (*CreateNetworkResponse, error) {
	return callUnary(ctx, c.createNetwork, req)
}

func (c *overlayServiceClient) DeleteNetwork(ctx context.Context, req *DeleteNetworkRequest) (*DeleteNetworkResponse, error) {
	return callUnary(ctx, c.deleteNetwork, req)
}

func (c *overlayServiceClient) AddPort(ctx context.Context, req *AddPortRequest) (*AddPortResponse, error) {
	return callUnary(ctx, c.addPort, req)
}

func (c *overlayServiceClient) GetNetwork(ctx context.Context, req *GetNetworkRequest) (*GetNetworkResponse, error) {
	return callUnary(ctx, c.getNetwork, req)
}

func (c *overlayServiceClient) ListNetworks(ctx context.Context, req *ListNetworksRequest) (*ListNetworksResponse, error) {
	return callUnary(ctx, c.listNetworks, req)
}

func (c *overlayServiceClient) PacketIn(ctx context.Context, req *PacketInRequest) (*PacketInResponse, error) {
	return callUnary(ctx, c.packetIn, req)
}

func (c *overlayServiceClient) WatchPrograms(ctx context.Context, req *WatchProgramsRequest) (*connect.ServerStreamForClient[WatchProgramsResponse], error) {
	return c.watchPrograms.CallServerStream(ctx, connect.NewRequest(req))
}
