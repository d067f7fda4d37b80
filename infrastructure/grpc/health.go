// Package grpc exposes the gRPC health protocol of the relay.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	grpc3 "github.com/mama165/sdk-go/grpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service reported next to the overall status.
const ServiceName = "chat.relay"

// HealthWorker serves grpc.health.v1 on Address. The status is SERVING while Run
// is active and NOT_SERVING once its context is cancelled.
type HealthWorker struct {
	Address string
	health  *health.Server
	log     *slog.Logger
}

func NewHealthWorker(address string, log *slog.Logger) *HealthWorker {
	return &HealthWorker{Address: address, health: health.NewServer(), log: log}
}

func (w *HealthWorker) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", w.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", w.Address, err)
	}
	return w.Serve(ctx, listener)
}

// Serve blocks on listener until ctx is done.
func (w *HealthWorker) Serve(ctx context.Context, listener net.Listener) error {
	s := grpc.NewServer(grpc.ChainUnaryInterceptor(grpc3.UnaryLoggingInterceptor(w.log)))
	healthpb.RegisterHealthServer(s, w.health)
	w.setServing(healthpb.HealthCheckResponse_SERVING)

	errChan := make(chan error, 1)
	go func() {
		w.log.Info("Starting gRPC health server", "address", listener.Addr().String())
		if err := s.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errChan <- fmt.Errorf("gRPC health server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		w.setServing(healthpb.HealthCheckResponse_NOT_SERVING)
		s.GracefulStop()
		return nil
	case err := <-errChan:
		w.setServing(healthpb.HealthCheckResponse_NOT_SERVING)
		return err
	}
}

func (w *HealthWorker) setServing(status healthpb.HealthCheckResponse_ServingStatus) {
	w.health.SetServingStatus("", status)
	w.health.SetServingStatus(ServiceName, status)
}

// Shutdown reports NOT_SERVING ahead of the stop, so that probes drain first.
func (w *HealthWorker) Shutdown() {
	w.setServing(healthpb.HealthCheckResponse_NOT_SERVING)
}
