package grpc

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"whisper/chat-service/internal/models"
)

const authorizationHeader = "authorization"

type sessionKey struct{}

func withSession(ctx context.Context, s models.Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

func SessionFromContext(ctx context.Context) (models.Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(models.Session)
	return s, ok
}

// WithToken attaches a session token to outgoing calls.
func WithToken(ctx context.Context, token string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, authorizationHeader, "Bearer "+token)
}

type SessionResolver interface {
	Authenticate(ctx context.Context, token string) (models.Session, error)
}

// requiresSession reports whether the method belongs to the chat service and
// is not Login. Health and reflection stay open.
func requiresSession(method string) bool {
	return strings.HasPrefix(method, "/"+ServiceName+"/") && method != fullMethod("Login")
}

func authenticate(ctx context.Context, resolver SessionResolver) (context.Context, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing metadata")
	}
	values := md.Get(authorizationHeader)
	if len(values) == 0 {
		return nil, status.Error(codes.Unauthenticated, "missing authorization header")
	}
	token, found := strings.CutPrefix(values[0], "Bearer ")
	if !found || token == "" {
		return nil, status.Error(codes.Unauthenticated, "malformed authorization header")
	}

	session, err := resolver.Authenticate(ctx, token)
	if err != nil {
		return nil, toStatus(err)
	}
	return withSession(ctx, session), nil
}

func AuthUnaryInterceptor(resolver SessionResolver) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !requiresSession(info.FullMethod) {
			return handler(ctx, req)
		}
		ctx, err := authenticate(ctx, resolver)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

func AuthStreamInterceptor(resolver SessionResolver) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if !requiresSession(info.FullMethod) {
			return handler(srv, ss)
		}
		ctx, err := authenticate(ss.Context(), resolver)
		if err != nil {
			return err
		}
		return handler(srv, &contextStream{ServerStream: ss, ctx: ctx})
	}
}

type contextStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *contextStream) Context() context.Context {
	return s.ctx
}

// minLimiterIdle is the shortest time a bucket is kept after its last use.
const minLimiterIdle = 10 * time.Minute

// RateLimiter keeps one token bucket per user. Calls without a session are
// keyed by the peer's host, so reconnecting from a new port shares a bucket.
type RateLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time

	mu        sync.Mutex
	limiters  map[string]*limiterEntry
	lastSweep time.Time
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter returns nil, which allows everything, when rps is not positive.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	// A bucket idle this long has refilled, so dropping it changes nothing.
	idle := time.Duration(float64(burst) / rps * float64(time.Second))
	if idle < minLimiterIdle {
		idle = minLimiterIdle
	}
	return &RateLimiter{
		limit:    rate.Limit(rps),
		burst:    burst,
		idle:     idle,
		now:      time.Now,
		limiters: make(map[string]*limiterEntry),
	}
}

func (l *RateLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := l.now()

	l.mu.Lock()
	if now.Sub(l.lastSweep) >= l.idle {
		for k, e := range l.limiters {
			if now.Sub(e.lastSeen) >= l.idle {
				delete(l.limiters, k)
			}
		}
		l.lastSweep = now
	}
	e, ok := l.limiters[key]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = e
	}
	e.lastSeen = now
	l.mu.Unlock()

	return e.lim.AllowN(now, 1)
}

// Len reports how many buckets are held.
func (l *RateLimiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func limiterKey(ctx context.Context) string {
	if s, ok := SessionFromContext(ctx); ok {
		return "user:" + s.User
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		addr := p.Addr.String()
		if host, _, err := net.SplitHostPort(addr); err == nil {
			return "peer:" + host
		}
		return "peer:" + addr
	}
	return "anonymous"
}

func RateLimitUnaryInterceptor(l *RateLimiter) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !l.Allow(limiterKey(ctx)) {
			return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
		}
		return handler(ctx, req)
	}
}

func RateLimitStreamInterceptor(l *RateLimiter) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if !l.Allow(limiterKey(ss.Context())) {
			return status.Error(codes.ResourceExhausted, "rate limit exceeded")
		}
		return handler(srv, ss)
	}
}

func LoggingUnaryInterceptor(logger *logrus.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logCall(logger, info.FullMethod, start, err)
		return resp, err
	}
}

func LoggingStreamInterceptor(logger *logrus.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		logCall(logger, info.FullMethod, start, err)
		return err
	}
}

func logCall(logger *logrus.Logger, method string, start time.Time, err error) {
	code := status.Code(err)
	entry := logger.WithFields(logrus.Fields{
		"method":      method,
		"code":        code.String(),
		"duration_ms": time.Since(start).Milliseconds(),
	})

	switch code {
	case codes.OK:
		entry.Debug("gRPC call handled")
	case codes.Internal, codes.DataLoss, codes.Unknown:
		entry.WithError(err).Error("gRPC call failed")
	default:
		entry.WithError(err).Info("gRPC call rejected")
	}
}
