package testing

import (
	"context"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/test/bufconn"
)

// HealthService is the name of the service registered by StartReflectionServer.
const HealthService = "grpc.health.v1.Health"

// ReflectionServer is an in-process gRPC server that serves the health
// service and server reflection over an in-memory listener.
type ReflectionServer struct {
	lis *bufconn.Listener
	svr *grpc.Server
}

// StartReflectionServer starts a new server. Call Stop when done.
func StartReflectionServer() *ReflectionServer {
	lis := bufconn.Listen(1 << 20)
	svr := grpc.NewServer()
	healthpb.RegisterHealthServer(svr, health.NewServer())
	reflection.Register(svr)
	go func() {
		_ = svr.Serve(lis)
	}()
	return &ReflectionServer{lis: lis, svr: svr}
}

// Dial returns a client connection to the server.
func (s *ReflectionServer) Dial() (*grpc.ClientConn, error) {
	return grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return s.lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
}

// Stop stops the server.
func (s *ReflectionServer) Stop() {
	s.svr.Stop()
}
