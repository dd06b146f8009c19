// Package health serves the gRPC health protocol on the profile's Unix
// socket. The sync service reports SERVING only while the client is online.
package health

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/status"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// SyncService is the health service name reporting sync connectivity.
const SyncService = "chatsync.sync"

// Server is the daemon's health endpoint.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	socketPath string
	machine    *status.Machine
	bus        *bus.Bus
	logger     *zap.Logger
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewServer binds socketPath and starts following sync state changes on b.
// Serving begins with Start.
func NewServer(socketPath string, machine *status.Machine, b *bus.Bus, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}

	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	hs := health.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		grpcServer: srv,
		health:     hs,
		listener:   listener,
		socketPath: socketPath,
		machine:    machine,
		bus:        b,
		logger:     logger,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	ch, unsub := b.Subscribe(bus.KindSyncStatusChanged, 16)
	s.report(machine.Current())
	go s.follow(ctx, ch, unsub)
	return s, nil
}

// RegisterService adds another service to the socket. It must be called
// before Start.
func (s *Server) RegisterService(desc *grpc.ServiceDesc, impl any) {
	s.grpcServer.RegisterService(desc, impl)
}

// Start begins serving gRPC requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("gRPC server starting", zap.String("socket", s.socketPath))
	return s.grpcServer.Serve(s.listener)
}

func (s *Server) follow(ctx context.Context, ch <-chan bus.Event, unsub func()) {
	defer close(s.done)
	defer unsub()
	for {
		select {
		case <-ch:
			// Events can be dropped or reordered; the machine is authoritative.
			s.report(s.machine.Current())
		case <-ctx.Done():
			return
		}
	}
}

// Stop performs a graceful shutdown and removes the socket file.
func (s *Server) Stop(_ context.Context) {
	s.logger.Info("gRPC server stopping")
	s.cancel()
	<-s.done
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	_ = os.Remove(s.socketPath)
}

func (s *Server) report(state status.State) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if state == status.Online {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(SyncService, st)
	s.logger.Debug("sync health", zap.String("state", string(state)), zap.String("status", st.String()))
}
