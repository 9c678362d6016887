package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Server runs the gRPC service and the HTTP API.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	httpServer *http.Server
	grpcAddr   string
	httpAddr   string
	log        zerolog.Logger
}

// NewServer registers svc and the gRPC health service. Health reports
// NOT_SERVING until SetServing(true).
func NewServer(grpcAddr, httpAddr string, svc PercolatorServer, handler http.Handler, log zerolog.Logger) *Server {
	grpcServer := grpc.NewServer()
	RegisterPercolatorServer(grpcServer, svc)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &Server{
		grpcServer: grpcServer,
		health:     healthServer,
		httpServer: &http.Server{
			Addr:              httpAddr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		grpcAddr: grpcAddr,
		httpAddr: httpAddr,
		log:      log,
	}
}

// SetServing flips the gRPC health status of the server and the service.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// StartGRPC serves gRPC until ctx is cancelled (blocking).
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.ServeGRPC(ctx, lis)
}

// ServeGRPC serves gRPC on lis until ctx is cancelled.
func (s *Server) ServeGRPC(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.log.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTP serves the HTTP API until ctx is cancelled (blocking).
func (s *Server) StartHTTP(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.log.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Warn().Err(err).Msg("HTTP shutdown")
		}
	}()

	s.log.Info().Str("addr", s.httpAddr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
