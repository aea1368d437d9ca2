// Package ws owns the websocket lifecycle for the inbox endpoint and each
// open conversation endpoint: dialing, heartbeats, reconnect backoff and
// auth-rejection handling.
package ws

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mutabaka/msync/internal/bus"
	"github.com/mutabaka/msync/internal/config"
	"github.com/mutabaka/msync/internal/sched"
	"github.com/mutabaka/msync/internal/wire"
)

// ErrNotConnected is returned by Send when the socket is not open.
var ErrNotConnected = errors.New("ws: not connected")

// Close codes the server uses to reject a connection's credentials.
const (
	closeAuthRejected    = 4001
	closePolicyViolation = websocket.ClosePolicyViolation
)

const (
	timerReconnect = "reconnect"
	timerHeartbeat = "heartbeat"
)

// FrameHandler receives each decoded inbound frame. Pong frames are consumed
// by the supervisor and never reach the handler.
type FrameHandler func(frame any)

// StateListener observes endpoint state transitions.
type StateListener func(from, to State)

// Options configures a Supervisor.
type Options struct {
	// Name identifies the endpoint in logs and bus events, e.g. "inbox"
	// or "chat-42".
	Name     string
	Endpoint config.Endpoint
	Dial     DialFunc
	Handler  FrameHandler
	// Refresh performs one shared token refresh after an auth-rejected
	// close. May be nil when no refresh path exists.
	Refresh func(ctx context.Context) error
	Bus     *bus.Bus
	Logger  *zap.Logger
}

// Supervisor drives one websocket endpoint through its lifecycle. All
// inbound traffic is decoded and handed to the frame handler; all timers
// run through a single scheduler so reconnect and heartbeat can never
// double-fire.
type Supervisor struct {
	opts  Options
	sched *sched.Scheduler

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	writeMu    sync.Mutex
	attempts   int
	foreground bool
	shouldRun  bool
	refreshed  bool
	listeners  []StateListener
}

// NewSupervisor creates a supervisor in the idle state. Call
// EnsureConnection to start it.
func NewSupervisor(opts Options) *Supervisor {
	return &Supervisor{
		opts:       opts,
		sched:      sched.New(),
		state:      StateIdle,
		foreground: true,
		shouldRun:  true,
	}
}

// State returns the current endpoint state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AddStateListener registers a transition observer. Listeners run on the
// supervisor's goroutines and must not block.
func (s *Supervisor) AddStateListener(fn StateListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// EnsureConnection starts a connect attempt unless the socket is already
// open or connecting. Safe to call from any goroutine.
func (s *Supervisor) EnsureConnection(ctx context.Context) {
	s.mu.Lock()
	if !s.shouldRun || !s.foreground || s.state == StateOpen || s.state == StateConnecting {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	go s.connect(ctx)
}

// SetForeground gates the endpoint on app visibility. Backgrounding closes
// the socket and holds reconnects; foregrounding reconnects immediately.
func (s *Supervisor) SetForeground(ctx context.Context, foreground bool) {
	s.mu.Lock()
	if s.foreground == foreground {
		s.mu.Unlock()
		return
	}
	s.foreground = foreground
	s.mu.Unlock()

	if foreground {
		s.EnsureConnection(ctx)
		return
	}

	s.sched.Cancel(timerReconnect)
	s.teardown(websocket.CloseNormalClosure, "backgrounded")
}

// Send writes one text frame. Fails fast when the socket is not open so
// callers can queue and flush on the next open.
func (s *Supervisor) Send(data []byte) error {
	s.mu.Lock()
	conn := s.conn
	open := s.state == StateOpen
	s.mu.Unlock()
	if !open || conn == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Close shuts the endpoint down for good. No reconnect fires afterwards.
func (s *Supervisor) Close() {
	s.mu.Lock()
	s.shouldRun = false
	s.mu.Unlock()

	s.sched.Stop()
	s.teardown(websocket.CloseNormalClosure, "shutdown")
}

// BackoffDelay returns the reconnect delay for the given 1-based attempt:
// initial·factor^(attempt-1), capped at the endpoint maximum.
func BackoffDelay(e config.Endpoint, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(e.InitialDelay()) * math.Pow(e.BackoffFactor, float64(attempt-1))
	if maxd := float64(e.MaxDelay()); d > maxd {
		d = maxd
	}
	return time.Duration(d)
}

func (s *Supervisor) connect(ctx context.Context) {
	s.sched.Cancel(timerReconnect)

	conn, err := s.opts.Dial(ctx)
	if errors.Is(err, ErrMissingToken) {
		// Fixed-delay retry that does not consume a reconnect attempt.
		s.opts.Logger.Warn("no access token, holding connect",
			zap.String("endpoint", s.opts.Name),
			zap.Duration("retry_in", s.opts.Endpoint.MissingTokenDelay()))
		s.mu.Lock()
		s.setStateLocked(StateIdle)
		s.mu.Unlock()
		s.sched.Schedule(timerReconnect, s.opts.Endpoint.MissingTokenDelay(), func() {
			s.EnsureConnection(ctx)
		})
		return
	}
	if err != nil {
		s.opts.Logger.Warn("dial failed",
			zap.String("endpoint", s.opts.Name),
			zap.Error(err))
		s.mu.Lock()
		s.setStateLocked(StateIdle)
		s.mu.Unlock()
		s.scheduleReconnect(ctx)
		return
	}

	s.mu.Lock()
	if !s.shouldRun || !s.foreground {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.attempts = 0
	s.setStateLocked(StateOpen)
	s.mu.Unlock()

	s.opts.Logger.Info("socket open", zap.String("endpoint", s.opts.Name))
	s.armHeartbeat()
	go s.readLoop(ctx, conn)
}

func (s *Supervisor) readLoop(ctx context.Context, conn *websocket.Conn) {
	accepted := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.handleClosed(ctx, conn, closeCode(err))
			return
		}
		if !accepted {
			// Traffic proves the server accepted our credentials, so a
			// later auth rejection may try one fresh refresh again.
			accepted = true
			s.mu.Lock()
			s.refreshed = false
			s.mu.Unlock()
		}

		frame, derr := wire.Decode(data)
		if derr != nil {
			s.opts.Logger.Debug("undecodable frame",
				zap.String("endpoint", s.opts.Name),
				zap.Error(derr))
			continue
		}
		if _, isPong := frame.(wire.Pong); isPong {
			continue
		}
		if s.opts.Handler != nil {
			s.opts.Handler(frame)
		}
	}
}

func (s *Supervisor) armHeartbeat() {
	interval := s.opts.Endpoint.Heartbeat()
	if interval <= 0 {
		return
	}
	s.sched.Schedule(timerHeartbeat, interval, func() {
		if err := s.Send(wire.EncodePing()); err != nil {
			s.opts.Logger.Debug("heartbeat send failed",
				zap.String("endpoint", s.opts.Name),
				zap.Error(err))
			return
		}
		s.armHeartbeat()
	})
}

// handleClosed runs when the read loop exits. Decides whether and how to
// reconnect based on the close code and session state.
func (s *Supervisor) handleClosed(ctx context.Context, conn *websocket.Conn, code int) {
	s.mu.Lock()
	if s.conn != conn {
		// A newer connection already took over.
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.sched.Cancel(timerHeartbeat)
	if s.state == StateOpen || s.state == StateConnecting {
		s.setStateLocked(StateClosing)
	}
	s.setStateLocked(StateIdle)
	shouldRun := s.shouldRun
	foreground := s.foreground
	refreshed := s.refreshed
	s.mu.Unlock()
	_ = conn.Close()

	s.opts.Logger.Info("socket closed",
		zap.String("endpoint", s.opts.Name),
		zap.Int("code", code))

	if !shouldRun || !foreground {
		return
	}

	switch code {
	case websocket.CloseNormalClosure:
		// Deliberate close, nothing to resume.
		return
	case closeAuthRejected, closePolicyViolation:
		if s.opts.Refresh == nil || refreshed {
			s.opts.Logger.Warn("credentials rejected, staying idle",
				zap.String("endpoint", s.opts.Name))
			return
		}
		s.mu.Lock()
		s.refreshed = true
		s.mu.Unlock()
		if err := s.opts.Refresh(ctx); err != nil {
			s.opts.Logger.Warn("token refresh after rejection failed",
				zap.String("endpoint", s.opts.Name),
				zap.Error(err))
			return
		}
		s.EnsureConnection(ctx)
		return
	default:
		s.scheduleReconnect(ctx)
	}
}

func (s *Supervisor) scheduleReconnect(ctx context.Context) {
	s.mu.Lock()
	if !s.shouldRun || !s.foreground {
		s.mu.Unlock()
		return
	}
	s.attempts++
	attempt := s.attempts
	s.mu.Unlock()

	if attempt > s.opts.Endpoint.MaxAttempts {
		s.opts.Logger.Warn("reconnect attempts exhausted",
			zap.String("endpoint", s.opts.Name),
			zap.Int("attempts", attempt-1))
		return
	}

	delay := BackoffDelay(s.opts.Endpoint, attempt)
	s.opts.Logger.Info("scheduling reconnect",
		zap.String("endpoint", s.opts.Name),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay))
	s.sched.Schedule(timerReconnect, delay, func() {
		s.EnsureConnection(ctx)
	})
}

// teardown closes the live connection with the given close code. The read
// loop observes the close and runs handleClosed, which will not reconnect
// because shouldRun or foreground already flipped.
func (s *Supervisor) teardown(code int, reason string) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		s.mu.Lock()
		if s.state == StateConnecting {
			s.setStateLocked(StateIdle)
		}
		s.mu.Unlock()
		return
	}

	msg := websocket.FormatCloseMessage(code, reason)
	s.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	s.writeMu.Unlock()
	_ = conn.Close()
}

// setStateLocked records a transition and notifies listeners. Callers hold
// s.mu; listener and bus dispatch happens inline, so listeners must not
// call back into the supervisor.
func (s *Supervisor) setStateLocked(to State) {
	from := s.state
	if from == to {
		return
	}
	if !validTransition(from, to) {
		// Collapse illegal jumps through closing so observers always see
		// open -> closing -> idle.
		if from == StateOpen && to == StateIdle {
			s.setStateLocked(StateClosing)
			s.setStateLocked(StateIdle)
			return
		}
	}
	s.state = to

	listeners := make([]StateListener, len(s.listeners))
	copy(listeners, s.listeners)
	for _, fn := range listeners {
		fn(from, to)
	}
	if s.opts.Bus != nil {
		s.opts.Bus.Publish(bus.Event{
			Kind:      bus.KindSocketState,
			Timestamp: time.Now(),
			Payload: bus.StateChange{
				Endpoint: s.opts.Name,
				From:     from.String(),
				To:       to.String(),
			},
		})
	}
}

func closeCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return websocket.CloseAbnormalClosure
}
