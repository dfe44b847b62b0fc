package chatservice

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
)

// LoggingInterceptor logs every unary call with its duration.
func LoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	logger = logger.With("component", "grpc-server")
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		logger.Debug("gRPC request started", "method", info.FullMethod)

		resp, err := handler(ctx, req)

		duration := time.Since(start)
		if err != nil {
			logger.Error("gRPC request failed", "method", info.FullMethod, "duration", duration, "error", err)
		} else {
			logger.Info("gRPC request completed", "method", info.FullMethod, "duration", duration)
		}
		return resp, err
	}
}
