package ratelimitsvc

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
)

// LoggingInterceptor returns a unary server interceptor that logs the method,
// latency, and outcome of every RPC, the gRPC analogue of the teacher's
// Gin Logger() middleware.
func LoggingInterceptor(log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		ev := log.Info()
		if err != nil {
			ev = log.Error().Err(err)
		}
		ev.Str("method", info.FullMethod).
			Dur("latency", time.Since(start)).
			Msg("grpc request")

		return resp, err
	}
}
