package main

import (
	"context"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ari3lYT/p2pnet/internal/api"
	"github.com/ari3lYT/p2pnet/internal/bootstrap"
	"github.com/ari3lYT/p2pnet/internal/config"
	"github.com/ari3lYT/p2pnet/internal/observability"
)

func main() {
	observability.ConfigureLogging("p2pnode")
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	node, err := bootstrap.New(cfg, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("bootstrap node")
	}
	defer node.Close()

	shutdownTrace, err := observability.InitTracing(context.Background(), observability.TracingOptions{
		Service:     "p2pnode",
		NodeID:      node.Mesh.ID(),
		Role:        cfg.Role,
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("init tracing")
	}
	defer func() { _ = shutdownTrace(context.Background()) }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.GRPCAddr).Msg("listen grpc")
	}
	go func() {
		log.Info().Str("addr", lis.Addr().String()).Msg("mesh transport listening")
		if err := node.GRPC.Serve(lis); err != nil {
			log.Error().Err(err).Msg("mesh transport stopped")
			stop()
		}
	}()

	if node.Heartbeat != nil {
		go node.Heartbeat.Start(ctx)
	}

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: api.NewServer(node).Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("node_id", node.Mesh.ID()).Str("role", cfg.Role).Str("addr", cfg.HTTPAddr).Msg("p2pnode listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("http server failed")
	}
	log.Info().Msg("p2pnode shutting down")
}
