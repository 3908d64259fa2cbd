package api

import (
	"context"

	"fiscalprint/internal/metrics"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func ChainUnaryInterceptors(interceptors ...grpc.UnaryServerInterceptor) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		chained := handler
		for i := len(interceptors) - 1; i >= 0; i-- {
			current := interceptors[i]
			next := chained
			chained = func(currentCtx context.Context, currentReq any) (any, error) {
				return current(currentCtx, currentReq, info, next)
			}
		}
		return chained(ctx, req)
	}
}

// AllowListUnaryInterceptor rejects any method outside the four bridge operations.
func AllowListUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if _, ok := allowedMethods[info.FullMethod]; !ok {
			return nil, status.Errorf(codes.PermissionDenied, "operation %s is not allowed", info.FullMethod)
		}
		return handler(ctx, req)
	}
}

// AllowListStreamInterceptor rejects every stream; no bridge operation streams.
func AllowListStreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		return status.Errorf(codes.PermissionDenied, "operation %s is not allowed", info.FullMethod)
	}
}

// rejectUnknown answers calls to services or methods that are not registered.
func rejectUnknown(_ any, stream grpc.ServerStream) error {
	method, _ := grpc.MethodFromServerStream(stream)
	return status.Errorf(codes.PermissionDenied, "operation %s is not allowed", method)
}

func MetricsUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		op, ok := allowedMethods[info.FullMethod]
		if !ok {
			op = "unknown"
		}
		metrics.IncBridgeCall(op, status.Code(err).String())
		return resp, err
	}
}
