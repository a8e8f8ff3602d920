// Package stream publishes robot snapshots over gRPC.
//
// The service has a single server-streaming method, amr.Telemetry/Watch. The
// request is a google.protobuf.Duration holding the desired interval and each
// response is a google.protobuf.Struct carrying the snapshot in the same shape
// as GET /api/status, so no generated code is needed on either side.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/amr.controller/internal/monitoring"
	"github.com/banshee-data/amr.controller/internal/robot"
	"github.com/banshee-data/amr.controller/internal/timeutil"
)

var logf = monitoring.Component("stream")

const (
	ServiceName = "amr.Telemetry"
	watchMethod = "/" + ServiceName + "/Watch"

	// MinInterval bounds how fast a client may ask for snapshots.
	MinInterval     = 50 * time.Millisecond
	DefaultInterval = 200 * time.Millisecond

	stopGrace = time.Second
)

// Source supplies snapshots.
type Source interface {
	Snapshot() robot.Snapshot
}

// TelemetryServer is the service implementation registered on a grpc.Server.
type TelemetryServer interface {
	Watch(req *durationpb.Duration, stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TelemetryServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{{
		StreamName:    "Watch",
		Handler:       watchHandler,
		ServerStreams: true,
	}},
	Metadata: "amr/telemetry.proto",
}

func watchHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(durationpb.Duration)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(TelemetryServer).Watch(req, stream)
}

// Register adds the telemetry service to gs.
func Register(gs *grpc.Server, srv TelemetryServer) {
	gs.RegisterService(&serviceDesc, srv)
}

type Server struct {
	source  Source
	clock   timeutil.Clock
	clients atomic.Int32
}

var _ TelemetryServer = (*Server)(nil)

func NewServer(source Source, clock timeutil.Clock) *Server {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Server{source: source, clock: clock}
}

// Clients reports the number of connected watchers.
func (s *Server) Clients() int { return int(s.clients.Load()) }

// interval validates the requested period, applying the default for zero
// and the floor for anything faster than MinInterval.
func interval(req *durationpb.Duration) (time.Duration, error) {
	if req == nil || (req.GetSeconds() == 0 && req.GetNanos() == 0) {
		return DefaultInterval, nil
	}
	if err := req.CheckValid(); err != nil {
		return 0, err
	}
	d := req.AsDuration()
	if d < 0 {
		return 0, fmt.Errorf("negative interval %s", d)
	}
	return max(d, MinInterval), nil
}

// Watch sends one snapshot immediately and then one per interval until the
// client goes away.
func (s *Server) Watch(req *durationpb.Duration, stream grpc.ServerStream) error {
	every, err := interval(req)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "interval: %v", err)
	}
	n := s.clients.Add(1)
	defer s.clients.Add(-1)
	logf("watch started: interval=%s clients=%d", every, n)

	ctx := stream.Context()
	ticker := s.clock.NewTicker(every)
	defer ticker.Stop()

	for {
		msg, err := SnapshotStruct(s.source.Snapshot())
		if err != nil {
			return status.Errorf(codes.Internal, "encode snapshot: %v", err)
		}
		if err := stream.SendMsg(msg); err != nil {
			logf("watch ended: %v", err)
			return err
		}
		select {
		case <-ctx.Done():
			logf("watch cancelled")
			return ctx.Err()
		case <-ticker.C():
		}
	}
}

// SnapshotStruct converts a snapshot to a Struct through its JSON form.
func SnapshotStruct(snap robot.Snapshot) (*structpb.Struct, error) {
	b, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(b, &fields); err != nil {
		return nil, err
	}
	return structpb.NewStruct(fields)
}

// Serve runs a gRPC server carrying the telemetry service on lis until ctx
// is cancelled. Open watch streams get stopGrace to finish before the server
// closes them.
func Serve(ctx context.Context, lis net.Listener, srv TelemetryServer, opts ...grpc.ServerOption) error {
	gs := grpc.NewServer(opts...)
	Register(gs, srv)

	served := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		select {
		case <-ctx.Done():
			force := time.AfterFunc(stopGrace, gs.Stop)
			gs.GracefulStop()
			force.Stop()
		case <-served:
		}
	}()

	logf("grpc telemetry listening on %s", lis.Addr())
	err := gs.Serve(lis)
	close(served)
	<-stopped
	if ctx.Err() != nil {
		return nil
	}
	gs.Stop()
	return err
}

// Watch opens a Watch stream on conn and calls fn for every snapshot until
// ctx is cancelled, the server ends the stream, or fn returns an error.
func Watch(ctx context.Context, conn grpc.ClientConnInterface, every time.Duration, fn func(*structpb.Struct) error) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	cs, err := conn.NewStream(streamCtx, &serviceDesc.Streams[0], watchMethod)
	if err != nil {
		return err
	}
	if err := cs.SendMsg(durationpb.New(every)); err != nil {
		return err
	}
	if err := cs.CloseSend(); err != nil {
		return err
	}
	for {
		msg := new(structpb.Struct)
		if err := cs.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
}
