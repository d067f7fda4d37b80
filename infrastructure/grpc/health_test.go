package grpc

import (
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestHealthWorker_Reports_Serving_Until_Cancelled(t *testing.T) {
	req := require.New(t)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	req.NoError(err)
	worker := NewHealthWorker(listener.Addr().String(), logs.GetLoggerFromLevel(slog.LevelDebug))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Serve(ctx, listener) }()

	conn, err := grpc.NewClient(listener.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	req.NoError(err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	// Then both the server and the relay service are serving
	for _, service := range []string{"", ServiceName} {
		checkCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
		resp, err := client.Check(checkCtx, &healthpb.HealthCheckRequest{Service: service}, grpc.WaitForReady(true))
		stop()
		req.NoError(err)
		req.Equal(healthpb.HealthCheckResponse_SERVING, resp.Status)
	}

	// When shutting down, probes see NOT_SERVING before the stop
	worker.Shutdown()
	resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	req.NoError(err)
	req.Equal(healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	cancel()
	select {
	case err := <-done:
		req.NoError(err)
	case <-time.After(2 * time.Second):
		req.Fail("health server did not stop")
	}
}
