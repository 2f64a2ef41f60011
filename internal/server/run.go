package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/isparth/Distributed-Systems/leader-election/internal/httpapi"
	"github.com/isparth/Distributed-Systems/leader-election/internal/raft"
	"github.com/isparth/Distributed-Systems/leader-election/internal/raft/storage"
	"github.com/isparth/Distributed-Systems/leader-election/internal/raft/transport"
	"github.com/isparth/Distributed-Systems/leader-election/internal/raft/transportgrpc"
	"github.com/isparth/Distributed-Systems/leader-election/internal/raft/transporthttp"
)

// Run parses args, wires together the server components and serves until
// SIGINT or SIGTERM.
func Run(args []string) error {
	cfg, err := ParseConfig(args)
	if err != nil {
		return err
	}
	logger := NewLogger(os.Stderr, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return Serve(ctx, cfg, logger)
}

// stores opens the bolt store under cfg.DataDir, or in-memory stores when
// no directory is set.
func stores(cfg Config) (storage.StableStore, storage.LogStore, func() error, error) {
	if cfg.DataDir == "" {
		return storage.NewMemStableStore(), storage.NewMemLogStore(), func() error { return nil }, nil
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, nil, nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := storage.OpenBoltStore(filepath.Join(cfg.DataDir, fmt.Sprintf("node-%d.db", cfg.ID)))
	if err != nil {
		return nil, nil, nil, err
	}
	return db, db, db.Close, nil
}

// Serve runs one node until ctx is done.
func Serve(ctx context.Context, cfg Config, logger *slog.Logger) error {
	stable, logStore, closeStores, err := stores(cfg)
	if err != nil {
		return err
	}
	defer closeStores()

	resolver := transport.NewPeerResolver(cfg.Peers)
	var tp transport.Transport
	switch cfg.Transport {
	case TransportGRPC:
		grpcTp := transportgrpc.NewGRPCTransport(resolver)
		defer grpcTp.Close()
		tp = grpcTp
	default:
		tp = transporthttp.NewHTTPTransport(resolver)
	}

	node, err := raft.NewNode(raft.Config{
		ID:              cfg.ID,
		Peers:           cfg.PeerIDs(),
		Addr:            cfg.Advertise,
		Timing:          cfg.Timing,
		HeartbeatRounds: cfg.HeartbeatRounds,
		Logger:          logger,
	}, stable, logStore, tp)
	if err != nil {
		return err
	}

	logger.Info("starting node",
		"id", int(cfg.ID),
		"addr", cfg.Addr,
		"transport", cfg.Transport,
		"peers", len(cfg.Peers),
		"persistent", cfg.DataDir != "",
	)

	apiServer := httpapi.New(node, logger.With("component", "httpapi"))

	// Combine API + Raft HTTP handlers
	mux := http.NewServeMux()
	if cfg.Transport == TransportHTTP {
		mux.Handle("/raft/", transporthttp.NewRaftHTTPServer(node).Handler())
	}
	mux.Handle("/", apiServer.Handler())

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}

	errCh := make(chan error, 2)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var grpcSrv *transportgrpc.Server
	if cfg.Transport == TransportGRPC {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			srv.Close()
			return fmt.Errorf("listen grpc: %w", err)
		}
		grpcSrv = transportgrpc.NewServer(node)
		go func() {
			if err := grpcSrv.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	if err := node.Start(ctx); err != nil {
		srv.Close()
		return err
	}

	var runErr error
	select {
	case runErr = <-errCh:
		logger.Error("server failed", "err", runErr)
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if grpcSrv != nil {
		grpcSrv.Stop()
	}
	if err := node.Stop(shutdownCtx); err != nil {
		logger.Warn("node stop", "err", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
