package interceptors

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/jcmexdev/pos-checkout/internal/pkg/idempotency"
	"github.com/jcmexdev/pos-checkout/internal/pkg/interceptors/constants"
)

// WithRequestID stores id in ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, constants.ContextKeyRequestID, id)
}

// RequestIDFromContext returns "" when ctx carries no request id.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(constants.ContextKeyRequestID).(string); ok {
		return id
	}
	return ""
}

// IdempotencyKeyFromContext returns the trimmed Idempotency-Key of the
// request, or "".
func IdempotencyKeyFromContext(ctx context.Context) string {
	if k, ok := ctx.Value(constants.ContextKeyIdempotencyKey).(string); ok {
		return k
	}
	return ""
}

// UnaryServerInterceptor copies x-request-id and idempotency-key from the
// incoming metadata into the context, generating a request id when absent.
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		requestID := metadataValue(ctx, constants.HeaderXRequestId)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx = WithRequestID(ctx, requestID)
		if key := metadataValue(ctx, constants.HeaderXIdempotencyKey); key != "" {
			ctx = context.WithValue(ctx, constants.ContextKeyIdempotencyKey, key)
		}
		return handler(ctx, req)
	}
}

// HTTPRequestContext runs after chi's RequestID middleware and exposes the
// same request id and idempotency key to handlers and loggers, echoing the id
// back in the X-Request-Id response header.
func HTTPRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := middleware.GetReqID(ctx)
		if id == "" {
			id = uuid.NewString()
		}
		ctx = WithRequestID(ctx, id)
		if key := idempotency.Key(r); key != "" {
			ctx = context.WithValue(ctx, constants.ContextKeyIdempotencyKey, key)
		}
		w.Header().Set(middleware.RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func metadataValue(ctx context.Context, key string) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get(key); len(vals) > 0 {
			return vals[0]
		}
	}
	return ""
}
