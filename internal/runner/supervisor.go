// ABOUTME: Connection supervisor owning one platform connection's lifecycle
// ABOUTME: Explicit state machine with heartbeat-driven in-place reconnect and restart

package runner

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/loomlabs/tether/internal/platform"
	"github.com/loomlabs/tether/internal/store"
)

// State is the supervisor's position in the connection lifecycle.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticating
	StateConnected
	StateDegraded
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SupervisorParams configures a Supervisor.
type SupervisorParams struct {
	Integration       *store.Integration
	Factory           platform.Factory
	Handler           platform.EventHandler
	HeartbeatInterval time.Duration
	MinBackoff        time.Duration
	MaxBackoff        time.Duration
	Logger            *slog.Logger
}

// Supervisor owns exactly one live platform connection for an integration
// whose lease this process holds. The lease belongs to the process, not the
// socket: reconnects and restarts recycle the transport only.
type Supervisor struct {
	factory           platform.Factory
	handler           platform.EventHandler
	heartbeatInterval time.Duration
	minBackoff        time.Duration
	maxBackoff        time.Duration
	logger            *slog.Logger

	mu          sync.Mutex
	state       State
	integration store.Integration
	client      platform.Client
	me          *platform.Identity
	done        chan struct{}
	closeOnce   sync.Once
}

// NewSupervisor creates a supervisor in the unauthenticated state.
func NewSupervisor(params SupervisorParams) *Supervisor {
	return &Supervisor{
		factory:           params.Factory,
		handler:           params.Handler,
		heartbeatInterval: params.HeartbeatInterval,
		minBackoff:        params.MinBackoff,
		maxBackoff:        params.MaxBackoff,
		logger: params.Logger.With(
			"component", "supervisor",
			"integration_id", params.Integration.ID,
		),
		state:       StateUnauthenticated,
		integration: *params.Integration,
		done:        make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Me returns the bot's platform identity. Nil before authentication.
func (s *Supervisor) Me() *platform.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.me
}

// Client returns the current transport handle.
func (s *Supervisor) Client() platform.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// Integration returns a snapshot of the integration, including any config
// deltas merged by restarts.
func (s *Supervisor) Integration() store.Integration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.integration
}

// Start authenticates and opens the realtime channel, then begins the
// heartbeat. An authentication failure aborts initialization: the error is
// returned, no retry loop is entered, and the supervisor ends closed.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.openTransport(ctx); err != nil {
		s.Close()
		return err
	}

	go s.heartbeat()
	return nil
}

// openTransport builds a fresh client from the current config, runs the
// Authenticating transition, and connects.
func (s *Supervisor) openTransport(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return fmt.Errorf("supervisor is closed")
	}
	s.state = StateAuthenticating
	cfg := s.integration.Config
	s.mu.Unlock()

	client, err := s.factory(cfg)
	if err != nil {
		return fmt.Errorf("creating platform client: %w", err)
	}

	me, err := client.Authenticate(ctx)
	if err != nil {
		return fmt.Errorf("authenticating: %w", err)
	}

	if err := client.Connect(ctx, s.handler); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}

	s.mu.Lock()
	if s.client != nil && s.client != client {
		s.client.Close()
	}
	s.client = client
	s.me = me
	s.state = StateConnected
	s.mu.Unlock()

	s.logger.Info("platform connection established", "bot_user_id", me.UserID)
	return nil
}

// Restart recycles the transport with the config delta merged in. Ownership
// is unchanged; the lease is not touched. Unrelated config fields are
// preserved.
func (s *Supervisor) Restart(ctx context.Context, delta *store.IntegrationConfig) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return fmt.Errorf("supervisor is closed")
	}
	s.integration.Config = s.integration.Config.Merge(delta)
	client := s.client
	s.mu.Unlock()

	if client != nil {
		client.Close()
	}

	s.logger.Info("restarting platform connection")
	return s.openTransport(ctx)
}

// Close tears down the connection and stops the heartbeat. Idempotent.
func (s *Supervisor) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})

	s.mu.Lock()
	client := s.client
	s.state = StateClosed
	s.mu.Unlock()

	if client != nil {
		client.Close()
	}
}

// heartbeat periodically checks channel liveness. This is the only
// transport failure detector; there is no read timeout on individual
// inbound messages.
func (s *Supervisor) heartbeat() {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		state := s.state
		client := s.client
		s.mu.Unlock()

		if state == StateClosed {
			return
		}
		if client != nil && client.Connected() {
			continue
		}

		s.mu.Lock()
		s.state = StateDegraded
		s.mu.Unlock()
		s.logger.Warn("platform connection lost, reconnecting")

		s.reconnect()
	}
}

// reconnect re-opens the channel in place, retrying forever with capped
// jittered backoff. The lease is owned by the process, not the socket, so
// no lease work happens here.
func (s *Supervisor) reconnect() {
	for attempt := 0; ; attempt++ {
		select {
		case <-s.done:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.maxBackoff)
		err := s.openTransport(ctx)
		cancel()
		if err == nil {
			s.logger.Info("platform connection restored", "attempts", attempt+1)
			return
		}

		delay := s.backoffDelay(attempt)
		s.logger.Warn("reconnect attempt failed",
			"attempt", attempt+1, "retry_in", delay, "error", err)

		select {
		case <-s.done:
			return
		case <-time.After(delay):
		}
	}
}

// backoffDelay returns the jittered exponential delay for the given attempt.
func (s *Supervisor) backoffDelay(attempt int) time.Duration {
	delay := s.minBackoff
	for i := 0; i < attempt && delay < s.maxBackoff; i++ {
		delay *= 2
	}
	if delay > s.maxBackoff {
		delay = s.maxBackoff
	}
	// Jitter between 50% and 100% of the computed delay.
	return time.Duration(float64(delay) * (0.5 + rand.Float64()/2))
}
