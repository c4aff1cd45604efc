package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

type ServerConfig struct {
	ListenAddr     string
	// Listener, when set, is served instead of listening on ListenAddr.
	Listener       net.Listener
	TLS            TLSConfig
	MaxMessageSize int
	Logger         *zap.Logger
}

// Server serves the replication service on one listener.
type Server struct {
	grpc   *grpc.Server
	lis    net.Listener
	logger *zap.Logger
}

// NewServer binds the listener immediately so Addr is known before Serve.
func NewServer(cfg ServerConfig, impl ReplicationServer) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}

	opts := []grpc.ServerOption{
		grpc.UnaryInterceptor(unaryInterceptor(cfg.Logger)),
		grpc.MaxRecvMsgSize(cfg.MaxMessageSize),
		grpc.MaxSendMsgSize(cfg.MaxMessageSize),
	}
	creds, err := cfg.TLS.ServerOption()
	if err != nil {
		return nil, err
	}
	if creds != nil {
		opts = append(opts, creds)
	}

	lis := cfg.Listener
	if lis == nil {
		lis, err = net.Listen("tcp", cfg.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr, err)
		}
	}

	s := &Server{grpc: grpc.NewServer(opts...), lis: lis, logger: cfg.Logger}
	RegisterReplicationServer(s.grpc, impl)
	return s, nil
}

// Addr is the bound listen address.
func (s *Server) Addr() string { return s.lis.Addr().String() }

// Serve blocks until the server stops.
func (s *Server) Serve() error {
	s.logger.Info("Replication server listening", zap.String("address", s.Addr()))
	if err := s.grpc.Serve(s.lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop drains in-flight calls until ctx is done, then closes everything.
func (s *Server) Stop(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpc.Stop()
		<-done
	}
	// A server that never served still owns its listener.
	_ = s.lis.Close()
}

// unaryInterceptor logs each call and maps handler errors onto status
// codes.
func unaryInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		err = ToStatus(err)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.Duration("duration", time.Since(start)),
		}
		if err != nil {
			logger.Debug("RPC failed", append(fields, zap.String("code", status.Code(err).String()), zap.Error(err))...)
			return nil, err
		}
		logger.Debug("RPC served", fields...)
		return resp, nil
	}
}
