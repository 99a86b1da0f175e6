// Package health publishes the hardware supervisor state over the standard
// gRPC health checking protocol.
package health

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/w4control/internal/hardware"
	"github.com/banshee-data/w4control/internal/monitoring"
)

// Service is the health service name reported for the robot. The empty
// service name mirrors it.
const Service = "w4control.Robot"

const (
	// DefaultPoll is how often the supervisor state is sampled.
	DefaultPoll = 100 * time.Millisecond

	stopGrace = time.Second
)

// StateSource exposes the supervisor state. *hardware.Interface implements it.
type StateSource interface {
	State() hardware.State
}

// Status maps a supervisor state to a health status. Only Ready serves.
func Status(s hardware.State) healthpb.HealthCheckResponse_ServingStatus {
	if s == hardware.Ready {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// Server serves grpc.health.v1.Health for one robot.
type Server struct {
	src  StateSource
	poll time.Duration
	log  *zap.Logger

	health *health.Server
	grpc   *grpc.Server

	mu   sync.Mutex
	last hardware.State
	seen bool

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithPoll sets the sampling period. Non-positive values are ignored.
func WithPoll(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.poll = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(s *Server) { s.log = l } }

// NewServer returns a server reporting src. Until Start is called every
// service reports NOT_SERVING.
func NewServer(src StateSource, opts ...Option) *Server {
	s := &Server{
		src:    src,
		poll:   DefaultPoll,
		log:    monitoring.L(),
		health: health.NewServer(),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.health.SetServingStatus(Service, healthpb.HealthCheckResponse_NOT_SERVING)
	s.grpc = grpc.NewServer()
	healthpb.RegisterHealthServer(s.grpc, s.health)
	return s
}

// Update samples the supervisor state once and publishes any change.
func (s *Server) Update() {
	st := s.src.State()
	s.mu.Lock()
	changed := !s.seen || st != s.last
	s.last, s.seen = st, true
	s.mu.Unlock()
	if !changed {
		return
	}
	status := Status(st)
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(Service, status)
	s.log.Info("health status", zap.Stringer("state", st), zap.Stringer("status", status))
}

// Start serves on lis and samples the state until Stop.
func (s *Server) Start(lis net.Listener) error {
	if s.running.Swap(true) {
		return fmt.Errorf("health server already running")
	}
	s.Update()
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.log.Info("health server listening", zap.Stringer("addr", lis.Addr()))
		if err := s.grpc.Serve(lis); err != nil && s.running.Load() {
			s.log.Warn("health server error", zap.Error(err))
		}
	}()
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.poll)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Update()
			}
		}
	}()
	return nil
}

// ListenAndStart listens on the TCP address addr and calls Start.
func (s *Server) ListenAndStart(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	if err := s.Start(lis); err != nil {
		_ = lis.Close()
		return err
	}
	return nil
}

// Run starts on lis and stops when ctx is done.
func (s *Server) Run(ctx context.Context, lis net.Listener) error {
	if err := s.Start(lis); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

// Stop reports NOT_SERVING to watchers and shuts the server down. Watch
// streams still open after a grace period are cut.
func (s *Server) Stop() {
	if !s.running.Swap(false) {
		return
	}
	close(s.stopCh)
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopGrace):
		s.grpc.Stop()
		<-done
	}
	s.wg.Wait()
	s.log.Info("health server stopped")
}
