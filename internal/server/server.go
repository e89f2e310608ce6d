// ============================================================================
// Multiworld Control Service - gRPC front of one node
// ============================================================================
//
// Package: internal/server
// File: server.go
// Purpose: Expose world lifecycle and operation execution of a node over gRPC
//
// Service: multiworld.v1.WorldService
//   CreateWorld   {index, rank, size, backend, peers[]}           -> {id, status}
//   DestroyWorld  {index, rank}                                   -> {id, status}
//   GetStatus     {index, rank}                                   -> {id, status}
//   ListWorlds    {}                                              -> {node_id, worlds[]}
//   Execute       {index, rank, kind, peer, op, data[], chunks[]} -> {data[], gathered[], source}
//
// Messages are google.protobuf.Struct, so the service descriptor is written
// by hand and no generated stubs are needed on either side.
//
// Error mapping:
//   *world.WorldUnavailableError, world.ErrWorldInitializing -> FailedPrecondition
//   *world.OperationFault                                   -> Aborted
//   world.ErrWorldExists                                    -> AlreadyExists
//   *world.WorldCreationError, *world.BackendError          -> InvalidArgument
//   communicator.ErrQueueFull                               -> ResourceExhausted
//   registry or communicator closed                         -> Unavailable
//   context errors                                          -> DeadlineExceeded / Canceled
//   anything else                                           -> Internal
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/multiworld/internal/backend"
	"github.com/ChuLiYu/multiworld/internal/communicator"
	"github.com/ChuLiYu/multiworld/internal/world"
	"github.com/ChuLiYu/multiworld/pkg/types"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "multiworld.v1.WorldService"

// Node is the part of the controller served over gRPC.
type Node interface {
	NodeID() string
	CreateWorld(ctx context.Context, id types.WorldID, spec world.RankSpec, backendKind string, peers []string) (*world.World, error)
	DestroyWorld(ctx context.Context, id types.WorldID) error
	Status(id types.WorldID) types.WorldStatus
	Worlds() []world.WorldInfo
	Execute(ctx context.Context, id types.WorldID, req backend.Request) (backend.Result, error)
}

// worldServiceServer is the handler type checked by grpc.RegisterService.
type worldServiceServer interface {
	CreateWorld(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DestroyWorld(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListWorlds(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Execute(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes multiworld.v1.WorldService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*worldServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("CreateWorld", worldServiceServer.CreateWorld),
		unary("DestroyWorld", worldServiceServer.DestroyWorld),
		unary("GetStatus", worldServiceServer.GetStatus),
		unary("ListWorlds", worldServiceServer.ListWorlds),
		unary("Execute", worldServiceServer.Execute),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "multiworld/v1/world.proto",
}

type unaryFunc func(worldServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(method string, fn unaryFunc) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			impl := srv.(worldServiceServer)
			if interceptor == nil {
				return fn(impl, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return fn(impl, ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ============================================================================
// Server
// ============================================================================

// Server serves WorldService and the standard health service.
type Server struct {
	node   Node
	grpc   *grpc.Server
	health *health.Server
	logger *slog.Logger
}

// Option configures a Server.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	serverOpts []grpc.ServerOption
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithServerOptions passes options to grpc.NewServer.
func WithServerOptions(opts ...grpc.ServerOption) Option {
	return func(o *options) { o.serverOpts = append(o.serverOpts, opts...) }
}

// New builds a server for node. Nothing listens until Serve.
func New(node Node, opts ...Option) *Server {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Server{
		node:   node,
		health: health.NewServer(),
		logger: o.logger.With("component", "server"),
	}
	serverOpts := append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(s.logCalls)}, o.serverOpts...)
	s.grpc = grpc.NewServer(serverOpts...)
	s.grpc.RegisterService(&ServiceDesc, s)
	healthpb.RegisterHealthServer(s.grpc, s.health)

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// Serve accepts connections on lis until Stop or GracefulStop.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("Control service listening", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// GracefulStop reports NOT_SERVING and waits for in-flight calls.
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// Stop closes every connection immediately.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.Stop()
}

func (s *Server) logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	code := status.Code(err)
	if code == codes.Internal {
		s.logger.Error("RPC failed", "method", info.FullMethod, "error", err)
	} else {
		s.logger.Debug("RPC", "method", info.FullMethod, "code", code.String(), "duration", time.Since(start))
	}
	return resp, err
}

// ============================================================================
// Handlers
// ============================================================================

// CreateWorld joins the node's rank to a world and waits for the rendezvous.
func (s *Server) CreateWorld(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeCreate(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	spec := world.RankSpec{Rank: req.ID.Rank, Size: req.Size}
	if _, err := s.node.CreateWorld(ctx, req.ID, spec, req.Backend, req.Peers); err != nil {
		return nil, toStatus(err)
	}
	return s.statusReply(req.ID)
}

// DestroyWorld tears a world down. Unknown ids succeed with CLOSED.
func (s *Server) DestroyWorld(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := decodeWorldID(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.node.DestroyWorld(ctx, id); err != nil {
		return nil, toStatus(err)
	}
	return s.statusReply(id)
}

// GetStatus reports the status of one world.
func (s *Server) GetStatus(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := decodeWorldID(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return s.statusReply(id)
}

// ListWorlds reports every world of the node.
func (s *Server) ListWorlds(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	out, err := encodeList(s.node.NodeID(), s.node.Worlds())
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// Execute dispatches one operation and waits for its outcome.
func (s *Server) Execute(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, req, err := decodeExecute(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	res, err := s.node.Execute(ctx, id, req)
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := encodeResult(res)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func (s *Server) statusReply(id types.WorldID) (*structpb.Struct, error) {
	out, err := encodeStatus(id, s.node.Status(id))
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// toStatus maps core errors onto gRPC codes.
func toStatus(err error) error {
	var (
		unavailable *world.WorldUnavailableError
		fault       *world.OperationFault
		creation    *world.WorldCreationError
		backendErr  *world.BackendError
	)
	code := codes.Internal
	switch {
	case errors.As(err, &fault):
		code = codes.Aborted
	case errors.As(err, &unavailable), errors.Is(err, world.ErrWorldInitializing):
		code = codes.FailedPrecondition
	case errors.Is(err, world.ErrWorldExists):
		code = codes.AlreadyExists
	case errors.Is(err, world.ErrRegistryClosed), errors.Is(err, communicator.ErrCommunicatorClosed):
		code = codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, communicator.ErrQueueFull):
		code = codes.ResourceExhausted
	case errors.As(err, &creation), errors.As(err, &backendErr), errors.Is(err, communicator.ErrInvalidRequest):
		code = codes.InvalidArgument
	}
	return status.Error(code, err.Error())
}
