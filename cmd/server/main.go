package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mama165/sdk-go/logs"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"tuyu/internal/chatservice"
	"tuyu/internal/config"
	"tuyu/internal/handlers"
	"tuyu/internal/presence"
	"tuyu/internal/routing"
	"tuyu/internal/storage"
	"tuyu/internal/websocket"
)

const (
	exitOK      = 0
	exitConfig  = 2
	exitStartup = 3
)

func main() {
	code, err := run()
	if err != nil {
		slog.Error("Server stopped with error", "error", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	cfg, err := config.Load()
	if err != nil {
		return exitConfig, err
	}
	logger := logs.GetLoggerFromString(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return exitStartup, err
	}
	defer store.Close()

	users, channels := cfg.Seeds()
	if err := storage.Seed(ctx, store, users, channels); err != nil {
		return exitStartup, fmt.Errorf("seed store: %w", err)
	}

	hub := websocket.NewHub()
	go hub.Run()

	engine := routing.NewEngine(presence.NewRegistry(), store, hub,
		routing.WithLogger(logger),
		routing.WithMaxContentLength(cfg.MaxContentLength),
	)

	chatHandler := handlers.NewChatHandler(hub, engine, store, []byte(cfg.JWTSecret), cfg.Origins())
	chatHandler.SendBuffer = cfg.SendBufferSize
	chatHandler.EventTimeout = cfg.EventTimeout
	if cfg.DevMode() {
		logger.Warn("JWT_SECRET is empty, connections identify themselves with the userId query parameter")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", chatHandler.ServeWS)
	mux.HandleFunc("/health", chatHandler.Health)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(chatservice.LoggingInterceptor(logger)))
	chatservice.RegisterChatServiceServer(grpcServer, chatservice.NewChatService(engine))
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return exitStartup, fmt.Errorf("listen on %s: %w", cfg.GRPCAddr, err)
	}

	errs := make(chan error, 2)
	go func() {
		logger.Info("gRPC server is listening", "address", lis.Addr().String())
		if err := grpcServer.Serve(lis); err != nil {
			errs <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		errs <- serveHTTP(srv, cfg, logger)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errs:
		if err != nil {
			shutdown(cfg, srv, grpcServer, hub, logger)
			return exitStartup, err
		}
	}

	shutdown(cfg, srv, grpcServer, hub, logger)
	return exitOK, nil
}

func openStore(ctx context.Context, cfg config.Config) (storage.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		store, err := storage.NewPostgresStore(cfg.DBConn)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		if err := store.RunMigrations(ctx); err != nil {
			store.Close()
			return nil, err
		}
		slog.Info("Postgres store ready")
		return store, nil
	default:
		store, err := storage.NewBadgerStore(cfg.BadgerPath)
		if err != nil {
			return nil, fmt.Errorf("open badger: %w", err)
		}
		slog.Info("Badger store ready", "path", cfg.BadgerPath, "in_memory", cfg.BadgerPath == "")
		return store, nil
	}
}

func serveHTTP(srv *http.Server, cfg config.Config, logger *slog.Logger) error {
	var err error
	if cfg.TLSEnabled() {
		srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		logger.Info("HTTPS server is listening", "address", srv.Addr)
		err = srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
	} else {
		logger.Info("HTTP server is listening", "address", srv.Addr)
		err = srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("http server: %w", err)
}

// shutdown stops accepting connections first, then closes live websocket
// clients, then lets in-flight gRPC calls finish.
func shutdown(cfg config.Config, srv *http.Server, grpcServer *grpc.Server, hub *websocket.Hub, logger *slog.Logger) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", "error", err)
	}
	hub.Stop()

	done := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("gRPC server stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("Force stopping gRPC server")
		grpcServer.Stop()
	}
	logger.Info("Server stopped")
}
