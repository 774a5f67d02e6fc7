package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/TFMV/planlens/cmd/server/config"
	"github.com/TFMV/planlens/cmd/server/middleware"
	"github.com/TFMV/planlens/pkg/infrastructure/metrics"
)

// healthService is the name reported to gRPC health checks.
const healthService = "planlens.Flight"

// serve runs the Flight server, the metrics endpoint and the store health
// check until ctx is cancelled or one of them fails.
func serve(ctx context.Context, a *app) error {
	cfg := a.cfg
	logger := a.logger

	flightSrv, err := a.flightServer()
	if err != nil {
		return fmt.Errorf("create flight server: %w", err)
	}

	grpcServer, healthSrv, err := newGRPCServer(cfg, a, logger)
	if err != nil {
		return err
	}
	flightSrv.Register(grpcServer)

	lis, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Address, err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().
			Str("address", lis.Addr().String()).
			Bool("tls", cfg.TLS.Enabled).
			Bool("auth", cfg.Auth.Enabled).
			Str("store", cfg.Store.Driver).
			Msg("Server listening")
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("serve flight: %w", err)
		}
		return nil
	})

	var metricsSrv *metrics.MetricsServer
	if cfg.Metrics.Enabled {
		metricsSrv = metrics.NewMetricsServer(cfg.Metrics.Address, cfg.Metrics.Path, a.registry)
		g.Go(func() error {
			logger.Info().Str("address", cfg.Metrics.Address).Str("path", cfg.Metrics.Path).Msg("Starting metrics server")
			return metricsSrv.Start()
		})
	}

	if healthSrv != nil {
		g.Go(func() error {
			watchStore(ctx, a, healthSrv, cfg.Health.Interval)
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Dur("timeout", cfg.ShutdownTimeout).Msg("Starting graceful shutdown")
		if healthSrv != nil {
			healthSrv.Shutdown()
		}
		flightSrv.Close(context.Background())

		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(cfg.ShutdownTimeout):
			logger.Warn().Msg("Graceful stop timed out, forcing")
			grpcServer.Stop()
		}

		if metricsSrv != nil {
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			if err := metricsSrv.Stop(stopCtx); err != nil {
				logger.Error().Err(err).Msg("Error stopping metrics server")
			}
		}
		return nil
	})

	err = g.Wait()
	logger.Info().Msg("Server shutdown complete")
	return err
}

func newGRPCServer(cfg *config.Config, a *app, logger zerolog.Logger) (*grpc.Server, *health.Server, error) {
	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(int(cfg.MaxMessageSize)),
		grpc.MaxSendMsgSize(int(cfg.MaxMessageSize)),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	if cfg.MaxConcurrentStreams > 0 {
		opts = append(opts, grpc.MaxConcurrentStreams(cfg.MaxConcurrentStreams))
	}

	if cfg.TLS.Enabled {
		creds, err := credentials.NewServerTLSFromFile(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, nil, fmt.Errorf("load TLS credentials: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	}

	chain, err := interceptors(cfg, a.collector, logger)
	if err != nil {
		return nil, nil, err
	}
	opts = append(opts, chain...)

	grpcServer := grpc.NewServer(opts...)

	var healthSrv *health.Server
	if cfg.Health.Enabled {
		healthSrv = health.NewServer()
		grpc_health_v1.RegisterHealthServer(grpcServer, healthSrv)
		healthSrv.SetServingStatus(healthService, grpc_health_v1.HealthCheckResponse_SERVING)
	}
	if cfg.Reflection {
		reflection.Register(grpcServer)
	}
	return grpcServer, healthSrv, nil
}

// interceptors orders the middleware: recovery outermost, then metrics,
// then auth so that request logs carry the caller.
func interceptors(cfg *config.Config, collector metrics.Collector, logger zerolog.Logger) ([]grpc.ServerOption, error) {
	authMW := middleware.NewAuthMiddleware(cfg.Auth, logger.With().Str("component", "auth_middleware").Logger())
	if cfg.Auth.Enabled && cfg.Auth.JWTAuth.PublicKeyFile != "" {
		if err := authMW.LoadPublicKeyFile(cfg.Auth.JWTAuth.PublicKeyFile); err != nil {
			return nil, err
		}
	}
	logMW := middleware.NewLoggingMiddleware(logger.With().Str("component", "logging_middleware").Logger())
	metricsMW := middleware.NewMetricsMiddleware(collector)
	recoverMW := middleware.NewRecoveryMiddleware(logger.With().Str("component", "recovery_middleware").Logger(), collector)

	return []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			recoverMW.UnaryInterceptor(),
			metricsMW.UnaryInterceptor(),
			authMW.UnaryInterceptor(),
			logMW.UnaryInterceptor(),
		),
		grpc.ChainStreamInterceptor(
			recoverMW.StreamInterceptor(),
			metricsMW.StreamInterceptor(),
			authMW.StreamInterceptor(),
			logMW.StreamInterceptor(),
		),
	}, nil
}

// watchStore pings the store every interval and mirrors the result into the
// health service.
func watchStore(ctx context.Context, a *app, healthSrv *health.Server, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	serving := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pingCtx, cancel := context.WithTimeout(ctx, interval)
		err := a.store.Ping(pingCtx)
		cancel()

		switch {
		case err != nil && serving:
			a.logger.Error().Err(err).Msg("Store unreachable, reporting not serving")
			healthSrv.SetServingStatus(healthService, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
			serving = false
		case err == nil && !serving:
			a.logger.Info().Msg("Store reachable again")
			healthSrv.SetServingStatus(healthService, grpc_health_v1.HealthCheckResponse_SERVING)
			serving = true
		}
	}
}

