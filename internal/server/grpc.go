package server

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/xela07ax/spaceai-browser-bridge/internal/infra/auth"
)

// BridgeService: имя сервиса в health-протоколе.
const BridgeService = "spaceai.bridge.v1.Bridge"

// GRPC: gRPC-листенер моста. Пока несет только health; статус следует за
// жизненным циклом оркестратора.
type GRPC struct {
	Server *grpc.Server
	health *health.Server
}

func NewGRPC(v auth.TokenValidator, logger *zap.Logger) *GRPC {
	hs := health.NewServer()
	srv := grpc.NewServer(grpc.UnaryInterceptor(UnaryAuthInterceptor(v, logger.Named("grpc"))))
	healthpb.RegisterHealthServer(srv, hs)

	g := &GRPC{Server: srv, health: hs}
	g.SetServing(false)
	return g
}

func (g *GRPC) SetServing(ok bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus("", st)
	g.health.SetServingStatus(BridgeService, st)
}

// Stop переводит health в NOT_SERVING и дожидается активных вызовов.
func (g *GRPC) Stop() {
	g.health.Shutdown()
	g.Server.GracefulStop()
}

// UnaryAuthInterceptor требует пользовательский JWT в metadata "authorization"
// для всех методов, кроме health-проверок.
func UnaryAuthInterceptor(v auth.TokenValidator, logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if strings.HasPrefix(info.FullMethod, "/grpc.health.v1.Health/") {
			return handler(ctx, req)
		}

		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}
		tokens := md.Get("authorization")
		if len(tokens) == 0 {
			return nil, status.Error(codes.Unauthenticated, "missing access token")
		}
		claims, err := v.VerifyToken(tokens[0])
		if err != nil {
			logger.Warn("grpc auth failure", zap.String("method", info.FullMethod), zap.Error(err))
			return nil, status.Error(codes.Unauthenticated, "invalid access token")
		}
		return handler(auth.WithClaims(ctx, claims), req)
	}
}
