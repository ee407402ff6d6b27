// Package grpc serves the live feed as a server stream for non-browser viewers.
package grpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mr1hm/disaster-sentinel/internal/broadcast"
)

const (
	serviceName  = "sentinel.v1.LiveFeed"
	WatchMethod  = "/" + serviceName + "/Watch"
	streamBuffer = 32
)

type WatchRequest struct {
	// Types restricts the stream to these envelope types. Empty means all.
	Types []string `json:"types,omitempty"`
}

type Update struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// LiveFeedServer is the handler type of the LiveFeed service.
type LiveFeedServer interface {
	Watch(req *WatchRequest, stream grpc.ServerStream) error
}

var liveFeedDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*LiveFeedServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Watch",
		Handler:       watchHandler,
		ServerStreams: true,
	}},
	Metadata: "sentinel/v1/live_feed.proto",
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	req := new(WatchRequest)
	if err := stream.RecvMsg(req); err != nil {
		return status.Errorf(codes.InvalidArgument, "decode watch request: %v", err)
	}
	return srv.(LiveFeedServer).Watch(req, stream)
}

// SnapshotFunc returns the envelopes sent to a viewer right after it connects.
type SnapshotFunc func(ctx context.Context) ([]broadcast.Envelope, error)

type Server struct {
	hub        *broadcast.Hub
	snapshot   SnapshotFunc
	grpcServer *grpc.Server
}

func NewServer(hub *broadcast.Hub, snapshot SnapshotFunc) *Server {
	s := &Server{
		hub:        hub,
		snapshot:   snapshot,
		grpcServer: grpc.NewServer(),
	}
	s.grpcServer.RegisterService(&liveFeedDesc, s)
	return s
}

func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	slog.Info("gRPC server listening", "addr", addr)
	return s.Serve(lis)
}

func (s *Server) Serve(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

// Stop waits for open streams. Close the hub first so they end.
func (s *Server) Stop() {
	s.grpcServer.GracefulStop()
}

func (s *Server) Watch(req *WatchRequest, stream grpc.ServerStream) error {
	ctx := stream.Context()
	want := make(map[string]bool, len(req.Types))
	for _, t := range req.Types {
		want[t] = true
	}
	send := func(env broadcast.Envelope) error {
		if len(want) > 0 && !want[env.Type] {
			return nil
		}
		return stream.SendMsg(&Update{Type: env.Type, Data: env.Data})
	}

	id, ch := s.hub.Subscribe(streamBuffer)
	defer s.hub.Unregister(id)
	slog.Info("viewer subscribed to live feed", "viewer_id", id, "transport", "grpc")

	if s.snapshot != nil {
		envs, err := s.snapshot(ctx)
		if err != nil {
			slog.Error("failed to build live feed snapshot", "viewer_id", id, "error", err)
			return status.Error(codes.Unavailable, "snapshot unavailable")
		}
		for _, env := range envs {
			if err := send(env); err != nil {
				return err
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("viewer disconnected from live feed", "viewer_id", id)
			return nil
		case env, ok := <-ch:
			if !ok {
				// dropped as a slow viewer or the hub closed
				return status.Error(codes.Unavailable, "live feed closed")
			}
			if err := send(env); err != nil {
				slog.Error("failed to send live update", "viewer_id", id, "error", err)
				return err
			}
		}
	}
}

// WatchClient reads updates from an open Watch stream.
type WatchClient struct {
	stream grpc.ClientStream
}

func (c *WatchClient) Recv() (*Update, error) {
	u := new(Update)
	if err := c.stream.RecvMsg(u); err != nil {
		return nil, err
	}
	return u, nil
}

// Watch opens a live feed stream on cc.
func Watch(ctx context.Context, cc grpc.ClientConnInterface, req *WatchRequest, opts ...grpc.CallOption) (*WatchClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	stream, err := cc.NewStream(ctx, &liveFeedDesc.Streams[0], WatchMethod, opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &WatchClient{stream: stream}, nil
}
