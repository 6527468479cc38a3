// ============================================================================
// evtc-relay Status Service - gRPC
// ============================================================================
//
// Package: internal/server
// File: status.go
// Function: Serves the coordinator's published view and accepts manual
//           re-arm requests over gRPC
//
// Service evtcrelay.v1.Status:
//   Snapshot(google.protobuf.Empty) returns (google.protobuf.Struct)
//     The Struct is the JSON form of types.View.
//   Rearm(google.protobuf.Struct{"job": n, "stage": "report"}) returns (google.protobuf.Empty)
//     Queued on the coordinator and applied on its next tick. Only a stage
//     that the current view shows in error is accepted (FailedPrecondition
//     otherwise, NotFound for an unknown job).
//
// Only well-known protobuf types cross the wire, so the service descriptor
// is declared here and no generated code is needed.
//
// ============================================================================

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/evtc-relay/pkg/types"
)

const (
	StatusServiceName = "evtcrelay.v1.Status"

	snapshotMethod = "/" + StatusServiceName + "/Snapshot"
	rearmMethod    = "/" + StatusServiceName + "/Rearm"
)

// Source is the part of the coordinator the servers need. Both methods are
// safe to call from any goroutine.
type Source interface {
	Snapshot() types.View
	RequestRearm(id types.JobID, stage types.Stage) error
}

var (
	// ErrUnknownJob is returned for a job id the view does not hold.
	ErrUnknownJob = errors.New("job not found")

	// ErrStageNotFailed is returned when re-arming a stage that is not in error.
	ErrStageNotFailed = errors.New("stage is not in error")
)

// checkRearm validates a re-arm request against the published view.
func checkRearm(view types.View, id types.JobID, stage types.Stage) error {
	if int(id) >= len(view.Rows) {
		return fmt.Errorf("%w: %d", ErrUnknownJob, id)
	}
	if st := view.Rows[id].Stage(stage).State; st != types.StateError {
		return fmt.Errorf("%w: job %d %s is %s", ErrStageNotFailed, id, stage, st)
	}
	return nil
}

// StatusServer implements evtcrelay.v1.Status.
type StatusServer struct {
	source Source
}

// NewStatusServer returns a status service backed by source.
func NewStatusServer(source Source) *StatusServer {
	return &StatusServer{source: source}
}

// Snapshot returns the current view.
func (s *StatusServer) Snapshot(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	out, err := viewToStruct(s.source.Snapshot())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode view: %v", err)
	}
	return out, nil
}

// Rearm queues a manual re-arm.
func (s *StatusServer) Rearm(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	fields := req.GetFields()
	jobVal, ok := fields["job"]
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "job is required")
	}
	stage, err := types.ParseStage(fields["stage"].GetStringValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	id := types.JobID(jobVal.GetNumberValue())
	if id < 0 || float64(id) != jobVal.GetNumberValue() {
		return nil, status.Error(codes.InvalidArgument, "job must be a non-negative integer")
	}
	if err := checkRearm(s.source.Snapshot(), id, stage); err != nil {
		if errors.Is(err, ErrUnknownJob) {
			return nil, status.Error(codes.NotFound, err.Error())
		}
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	}
	if err := s.source.RequestRearm(id, stage); err != nil {
		return nil, status.Errorf(codes.Unavailable, "rearm: %v", err)
	}
	return &emptypb.Empty{}, nil
}

// Register adds the service to a gRPC server.
func (s *StatusServer) Register(gs *grpc.Server) {
	gs.RegisterService(&statusServiceDesc, s)
}

// Serve runs a gRPC server with the status service on lis until ctx is done.
func (s *StatusServer) Serve(ctx context.Context, lis net.Listener) error {
	gs := grpc.NewServer()
	s.Register(gs)

	errCh := make(chan error, 1)
	go func() { errCh <- gs.Serve(lis) }()

	select {
	case <-ctx.Done():
		gs.GracefulStop()
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

// statusService is what the descriptor dispatches to.
type statusService interface {
	Snapshot(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Rearm(context.Context, *structpb.Struct) (*emptypb.Empty, error)
}

var statusServiceDesc = grpc.ServiceDesc{
	ServiceName: StatusServiceName,
	HandlerType: (*statusService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Snapshot", Handler: snapshotHandler},
		{MethodName: "Rearm", Handler: rearmHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "evtcrelay/v1/status.proto",
}

func snapshotHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(statusService).Snapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: snapshotMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(statusService).Snapshot(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func rearmHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(statusService).Rearm(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: rearmMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(statusService).Rearm(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// ============================================================================
// Client
// ============================================================================

// StatusClient calls a running relay's status service.
type StatusClient struct {
	cc grpc.ClientConnInterface
}

// NewStatusClient wraps an existing connection.
func NewStatusClient(cc grpc.ClientConnInterface) *StatusClient {
	return &StatusClient{cc: cc}
}

// Dial connects to addr without transport security. The relay listens on
// loopback by default.
func Dial(addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
}

// Snapshot fetches the relay's current view.
func (c *StatusClient) Snapshot(ctx context.Context) (types.View, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, snapshotMethod, &emptypb.Empty{}, out); err != nil {
		return types.View{}, err
	}
	return structToView(out)
}

// Rearm asks the relay to re-arm one stage of a job.
func (c *StatusClient) Rearm(ctx context.Context, id types.JobID, stage types.Stage) error {
	in, err := structpb.NewStruct(map[string]any{"job": float64(id), "stage": string(stage)})
	if err != nil {
		return err
	}
	return c.cc.Invoke(ctx, rearmMethod, in, new(emptypb.Empty))
}

func viewToStruct(v types.View) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func structToView(s *structpb.Struct) (types.View, error) {
	var v types.View
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode view: %w", err)
	}
	return v, nil
}
