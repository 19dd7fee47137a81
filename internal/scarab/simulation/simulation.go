// Package simulation owns the clock, queue, router, and control
// server, and drives the stepping loop and its pause/resume/shutdown
// state machine. It is the single logical thread of dispatch: no user
// handler ever runs concurrently with another, and the control
// server's goroutines communicate with it solely through bounded
// channels (see internal/scarab/control).
package simulation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/billdback/scarab/internal/scarab/clock"
	"github.com/billdback/scarab/internal/scarab/control"
	"github.com/billdback/scarab/internal/scarab/entity"
	"github.com/billdback/scarab/internal/scarab/event"
	"github.com/billdback/scarab/internal/scarab/queue"
	"github.com/billdback/scarab/internal/scarab/router"
	"github.com/billdback/scarab/internal/scarab/scerr"
)

// State is one of the Simulation lifecycle states.
type State string

const (
	StateReady        State = "ready"
	StateRunning      State = "running"
	StatePaused       State = "paused"
	StateShuttingDown State = "shutting_down"
	StateTerminated   State = "terminated"
)

// Config configures a Simulation run.
type Config struct {
	// NumberSteps is the number of ticks to run before an automatic
	// shutdown. 0 means: emit shutdown immediately, no ticks.
	NumberSteps int
	// StepLength is the minimum wall-clock duration of one step.
	// Zero disables pacing (used by tests and non-networked runs).
	StepLength time.Duration
	// Host/Port configure the control server, when Serve is used.
	Host string
	Port int
	// CommandBuf sizes the control server's command channel.
	CommandBuf int
}

// Simulation is the top-level container: it owns the clock, the
// event queue, the router, and (optionally) the control server, and
// runs the stepping loop described in spec.md §4.6.
type Simulation struct {
	logger *slog.Logger
	cfg    Config

	clock  *clock.Clock
	queue  *queue.Queue
	router *router.Router
	server *control.Server

	mu    sync.Mutex
	state State

	// commands is the single channel the run loop ever reads from.
	// SendCommand and the control server (via a forwarding goroutine
	// started in New) both feed it.
	commands chan control.Command
}

// New constructs a Simulation. If cfg.Port is non-zero a control
// server is created; callers that only want a programmatic run (the
// test-harness configuration mode described in spec.md §1) may leave
// Port at 0 and drive the simulation with SendCommand instead.
func New(logger *slog.Logger, cfg Config) (*Simulation, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.NumberSteps < 0 {
		return nil, &scerr.ConfigurationError{Field: "number_steps", Reason: "must be non-negative"}
	}
	if cfg.StepLength < 0 {
		return nil, &scerr.ConfigurationError{Field: "step_length", Reason: "must be non-negative"}
	}

	s := &Simulation{
		logger:   logger,
		cfg:      cfg,
		clock:    clock.New(),
		queue:    queue.New(),
		router:   router.New(logger),
		state:    StateReady,
		commands: make(chan control.Command, 16),
	}

	if cfg.Port != 0 {
		if cfg.Port < 0 || cfg.Port > 65535 {
			return nil, &scerr.ConfigurationError{Field: "port", Reason: "out of range"}
		}
		s.server = control.New(logger, cfg.CommandBuf)
		s.router.AddBroadcaster(s.server)

		// Forward every command the control server receives into the
		// single channel the run loop reads. The server's command
		// channel is never closed, so this goroutine never exits: once
		// the run loop returns it stays blocked on the receive.
		go func() {
			for cmd := range s.server.Commands() {
				select {
				case s.commands <- cmd:
				default:
					s.logger.Warn("command channel full, dropping command", "action", cmd.Action)
				}
			}
		}()
	}

	return s, nil
}

// AddBroadcaster wires an additional observer (e.g. the event logger)
// into the router's broadcast fan-out.
func (s *Simulation) AddBroadcaster(b router.Broadcaster) {
	s.router.AddBroadcaster(b)
}

// Register adds an entity to the simulation and returns its assigned
// id. May be called before Run or, for entities that want to join
// mid-run, from inside a handler — the created event for such an
// entity is stamped with the current tick. Its handlers are indexed
// immediately, so events of the current tick that have not been
// dispatched yet (its own created event, cascading changed events,
// later events of the same batch) can reach it; it is not held back
// until tick+1.
func (s *Simulation) Register(ent entity.Entity) (event.EntityID, error) {
	return s.router.Register(s.queue, s.clock.Now(), ent)
}

// Unregister removes an entity from the simulation.
func (s *Simulation) Unregister(id event.EntityID) error {
	return s.router.Unregister(s.queue, s.clock.Now(), id)
}

// Send enqueues a user event.
func (s *Simulation) Send(e event.Event) error {
	return s.router.Send(s.queue, s.clock.Now(), e)
}

// State returns the current lifecycle state.
func (s *Simulation) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SendCommand delivers a control command without going through the
// WebSocket control server; used by embedding programs and tests.
func (s *Simulation) SendCommand(c control.Command) {
	select {
	case s.commands <- c:
	default:
		s.logger.Warn("command channel full, dropping command", "action", c.Action)
	}
}

// Run executes the stepping loop until shutdown, either by reaching
// cfg.NumberSteps or by receiving a shutdown command. If a control
// server is configured, it is started concurrently and stopped when
// Run returns.
func (s *Simulation) Run(ctx context.Context) error {
	if s.server != nil {
		serverCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := s.server.ListenAndServe(serverCtx, s.cfg.Host, s.cfg.Port); err != nil {
				s.logger.Error("control server stopped", "error", err)
			}
		}()
	}

	s.setState(StateRunning)

	if s.cfg.NumberSteps == 0 {
		s.emitShutdown()
		s.setState(StateTerminated)
		return nil
	}

	for {
		if s.State() == StatePaused {
			if !s.blockUntilResumeOrShutdown(ctx) {
				s.setState(StateTerminated)
				return nil
			}
		}

		stepStart := time.Now()

		t := s.clock.Advance()
		if err := s.queue.Push(event.TimeUpdated(t)); err != nil {
			return err
		}
		s.router.DispatchDue(s.queue, t)

		s.drainCommandsNonBlocking()

		if s.cfg.StepLength > 0 {
			elapsed := time.Since(stepStart)
			if elapsed < s.cfg.StepLength {
				time.Sleep(s.cfg.StepLength - elapsed)
			}
		}

		if int(t) >= s.cfg.NumberSteps || s.State() == StateShuttingDown {
			s.emitShutdown()
			s.setState(StateTerminated)
			return nil
		}

		select {
		case <-ctx.Done():
			s.emitShutdown()
			s.setState(StateTerminated)
			return ctx.Err()
		default:
		}
	}
}

// emitShutdown enqueues and dispatches the terminal shutdown event.
func (s *Simulation) emitShutdown() {
	now := s.clock.Now()
	if err := s.queue.Push(event.SimulationShutdown(now)); err != nil {
		s.logger.Error("failed to enqueue shutdown event", "error", err)
		return
	}
	s.router.DispatchDue(s.queue, now)
}

// blockUntilResumeOrShutdown blocks while paused, returning false if
// the run should terminate (shutdown received or ctx cancelled).
func (s *Simulation) blockUntilResumeOrShutdown(ctx context.Context) bool {
	for {
		select {
		case cmd := <-s.commands:
			switch cmd.Action {
			case control.ActionResume:
				s.setState(StateRunning)
				return true
			case control.ActionShutdown:
				s.setState(StateShuttingDown)
				return false
			}
		case <-ctx.Done():
			return false
		}
	}
}

// drainCommandsNonBlocking processes every pending control command
// without blocking the dispatch thread.
func (s *Simulation) drainCommandsNonBlocking() {
	for {
		select {
		case cmd := <-s.commands:
			s.applyCommand(cmd)
		default:
			return
		}
	}
}

// applyCommand implements idempotent command handling: pause while
// paused, resume while running, and shutdown while shutting_down are
// all no-ops.
func (s *Simulation) applyCommand(cmd control.Command) {
	switch cmd.Action {
	case control.ActionPause:
		if s.State() == StateRunning {
			s.setState(StatePaused)
		}
	case control.ActionResume:
		if s.State() == StatePaused {
			s.setState(StateRunning)
		}
	case control.ActionShutdown:
		if s.State() != StateShuttingDown {
			s.setState(StateShuttingDown)
		}
	case control.ActionStart:
		// start is only meaningful before the loop begins; once
		// running it is a no-op.
	}
}

func (s *Simulation) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Clock exposes the simulation's clock for read-only inspection (e.g.
// tests asserting on sim-time).
func (s *Simulation) Clock() *clock.Clock { return s.clock }

// EntityCount returns the number of currently registered entities.
func (s *Simulation) EntityCount() int { return s.router.Count() }
