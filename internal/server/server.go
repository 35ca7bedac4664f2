package server

// ============================================================================
// Admin gRPC service
// ============================================================================
//
// Service searchq.admin.v1.Admin, operator-facing only. Workers and the
// coordinator never talk to it; they coordinate through the store.
//
//   TaskStatus(StringValue name)   -> Struct{id,name,state,<per-state counts>}
//   RequeueStuck(StringValue name) -> Int64Value (points moved back to WAITING)
//   DeleteTask(StringValue name)   -> Empty
//
// Messages are protobuf well-known types, so the service descriptor is
// written by hand and no generated code is needed.
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/searchq/internal/store"
	"github.com/ChuLiYu/searchq/pkg/types"
)

var log = slog.Default()

const ServiceName = "searchq.admin.v1.Admin"

// AdminServer is the server API of the admin service.
type AdminServer interface {
	TaskStatus(ctx context.Context, name *wrapperspb.StringValue) (*structpb.Struct, error)
	RequeueStuck(ctx context.Context, name *wrapperspb.StringValue) (*wrapperspb.Int64Value, error)
	DeleteTask(ctx context.Context, name *wrapperspb.StringValue) (*emptypb.Empty, error)
}

// Server implements AdminServer on top of a store.
type Server struct {
	store store.Store
}

var _ AdminServer = (*Server)(nil)

// NewServer creates a new admin service instance.
func NewServer(s store.Store) *Server {
	return &Server{store: s}
}

func (s *Server) lookup(ctx context.Context, name *wrapperspb.StringValue) (types.TaskID, error) {
	if name.GetValue() == "" {
		return 0, status.Error(codes.InvalidArgument, "task name is required")
	}
	id, err := s.store.FindTask(ctx, name.GetValue())
	if err != nil {
		return 0, toStatus(err)
	}
	return id, nil
}

// TaskStatus reports the task state and its per-state point counts.
func (s *Server) TaskStatus(ctx context.Context, name *wrapperspb.StringValue) (*structpb.Struct, error) {
	id, err := s.lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	stats, err := s.store.TaskStats(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{
		"id":          int64(task.ID),
		"name":        task.Name,
		"state":       task.State.String(),
		"waiting":     stats.Waiting,
		"calculating": stats.Calculating,
		"calculated":  stats.Calculated,
		"complete":    stats.Complete,
	})
}

// RequeueStuck moves the task's CALCULATING points back to WAITING.
func (s *Server) RequeueStuck(ctx context.Context, name *wrapperspb.StringValue) (*wrapperspb.Int64Value, error) {
	id, err := s.lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	n, err := s.store.RequeueStuck(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	log.Info("admin: requeued stuck points", "task", name.GetValue(), "count", n)
	return wrapperspb.Int64(int64(n)), nil
}

// DeleteTask removes the task and every point it owns.
func (s *Server) DeleteTask(ctx context.Context, name *wrapperspb.StringValue) (*emptypb.Empty, error) {
	id, err := s.lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := s.store.DeleteTask(ctx, id); err != nil {
		return nil, toStatus(err)
	}
	log.Info("admin: task deleted", "task", name.GetValue(), "task_id", id)
	return &emptypb.Empty{}, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, store.ErrTaskNotFound), errors.Is(err, store.ErrPointNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, store.ErrIllegalTransition):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, store.ErrTaskExists):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	}
	return status.Error(codes.Internal, err.Error())
}

// ============================================================================
// Service descriptor
// ============================================================================

func handler[Req any, Resp any](method string, call func(AdminServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(AdminServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(AdminServer), ctx, req.(*Req))
			})
		},
	}
}

// ServiceDesc describes the admin service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		handler("TaskStatus", AdminServer.TaskStatus),
		handler("RequeueStuck", AdminServer.RequeueStuck),
		handler("DeleteTask", AdminServer.DeleteTask),
	},
	Metadata: "searchq/admin/v1/admin.proto",
}

// RegisterAdminServer registers srv on r.
func RegisterAdminServer(r grpc.ServiceRegistrar, srv AdminServer) {
	r.RegisterService(&ServiceDesc, srv)
}

// logUnary logs every admin call at debug, failures at warn.
func logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := next(ctx, req)
	if err != nil {
		log.Warn("admin call failed", "method", info.FullMethod, "error", err)
	} else {
		log.Debug("admin call", "method", info.FullMethod, "took", time.Since(start))
	}
	return resp, err
}

// NewGRPCServer returns a grpc.Server with the admin service registered.
func NewGRPCServer(s store.Store, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(logUnary))
	gs := grpc.NewServer(opts...)
	RegisterAdminServer(gs, NewServer(s))
	return gs
}

// Serve runs the admin service on lis until ctx is cancelled.
func Serve(ctx context.Context, lis net.Listener, s store.Store) error {
	gs := NewGRPCServer(s)
	errCh := make(chan error, 1)
	go func() { errCh <- gs.Serve(lis) }()
	log.Info("admin service listening", "addr", lis.Addr().String())

	select {
	case <-ctx.Done():
		gs.GracefulStop()
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("admin service: %w", err)
		}
		return nil
	}
}
