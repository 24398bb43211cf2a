package conn

import (
	"context"
	"log"
	"time"
)

// Transport is the cloud uplink client the supervisor drives. Pump runs one
// pass of the client's internal machine (connect, keepalive, message pump)
// and may block for unbounded time; connection handling and backoff live
// entirely inside it. The handlers fire on the worker's call stack, so
// their bodies must stay short and must not call back into Pump.
type Transport interface {
	Pump(ctx context.Context)
	SetConnectHandler(func())
	SetSyncHandler(func())
	SetDisconnectHandler(func())
	SetAttemptHandler(func())
	PublishInputs(inputs map[string]bool) error
}

// StatusQuery reports the transport's current view of the link. Check must
// be synchronous and non-blocking; the control loop calls it.
type StatusQuery interface {
	Check() (connected, synchronized bool)
}

// LocalIO is the zone hardware surface: input line levels and the two
// status LEDs. ReadInputs must never block.
type LocalIO interface {
	ReadInputs() map[string]bool
	SetLED(name string, on bool) error
}

// Config holds supervisor configuration
type Config struct {
	PumpYield    time.Duration // worker sleep after each pump pass
	PollInterval time.Duration // backstop connectivity poll period
	LoopInterval time.Duration // control iteration cadence for Run
	OnlineLED    string
	OfflineLED   string
}

// DefaultConfig returns default supervisor configuration
func DefaultConfig() Config {
	return Config{
		PumpYield:    10 * time.Millisecond,
		PollInterval: 10 * time.Second,
		LoopInterval: 100 * time.Millisecond,
		OnlineLED:    "led_online",
		OfflineLED:   "led_offline",
	}
}

// Supervisor keeps the cloud link alive without ever blocking local
// control. The worker goroutine pumps the transport; the control loop
// (Iterate) reads local inputs unconditionally and mirrors them upstream
// only while the link is connected and synchronized.
type Supervisor struct {
	config    Config
	state     *State
	transport Transport
	status    StatusQuery
	io        LocalIO

	// lastPoll belongs to the control loop only; the backstop check is a
	// non-blocking elapsed-time comparison, never a sleep.
	lastPoll time.Time
	now      func() time.Time
}

// New creates a supervisor around the given collaborators.
func New(config Config, transport Transport, status StatusQuery, io LocalIO) *Supervisor {
	s := &Supervisor{
		config:    config,
		state:     NewState(),
		transport: transport,
		status:    status,
		io:        io,
		now:       time.Now,
	}
	s.lastPoll = s.now()
	return s
}

// State returns the shared link-state record.
func (s *Supervisor) State() *State {
	return s.state
}

// Start registers the link handlers, asserts the offline boot indication
// and launches the worker. The worker runs for the life of the process;
// the context exists so tests can wind it down.
func (s *Supervisor) Start(ctx context.Context) error {
	s.transport.SetConnectHandler(s.handleConnect)
	s.transport.SetSyncHandler(s.handleSync)
	s.transport.SetDisconnectHandler(s.handleDisconnect)
	s.transport.SetAttemptHandler(s.handleAttempt)

	s.setIndicators(false)

	go s.worker(ctx)

	log.Println("Connectivity supervisor started")
	return nil
}

// worker drives the uplink client. Pump may block for unbounded time (DNS,
// TLS, the read loop); the yield between passes bounds the worker's CPU
// share. Transport failures are absorbed and retried inside Pump, so there
// is nothing to handle here.
func (s *Supervisor) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.transport.Pump(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.config.PumpYield):
		}
	}
}

// Run hosts the control loop for the production binary. Tests call Iterate
// directly.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.LoopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Iterate()
		}
	}
}

// Iterate runs one control iteration. Local inputs are read every cycle no
// matter what the link is doing; the cloud mirrors are written only behind
// the synchronized gate. A closed gate is not an error, the next iteration
// re-evaluates.
func (s *Supervisor) Iterate() {
	inputs := s.io.ReadInputs()

	s.pollConnectivity()

	if s.state.ReadyToMirror() {
		if err := s.transport.PublishInputs(inputs); err != nil {
			log.Printf("Failed to publish input mirrors: %v", err)
		}
	}
}

// pollConnectivity is the backstop against missed link events. It is a
// no-op until PollInterval has elapsed since the last firing, so calling
// it every iteration costs one clock read.
func (s *Supervisor) pollConnectivity() {
	now := s.now()
	if now.Sub(s.lastPoll) < s.config.PollInterval {
		return
	}
	s.lastPoll = now

	connected, synchronized := s.status.Check()
	s.reconcile(connected, synchronized)
}

// reconcile replays the handler for any transition whose event was lost,
// so LED side effects and counter resets stay identical to the callback
// path.
func (s *Supervisor) reconcile(connected, synchronized bool) {
	switch {
	case connected && !s.state.Connected():
		log.Println("Backstop poll: link is up but no connect event was seen")
		s.handleConnect()
	case !connected && s.state.Connected():
		log.Println("Backstop poll: link is down but no disconnect event was seen")
		s.handleDisconnect()
	}

	if connected && synchronized && !s.state.Synchronized() {
		log.Println("Backstop poll: link is synchronized but no sync event was seen")
		s.handleSync()
	}
}

// handleConnect fires on a fresh transport connection. Synchronization
// starts over on every connection, so the mirrors stay gated until the
// sync event arrives.
func (s *Supervisor) handleConnect() {
	s.state.MarkConnected(s.now())
	s.setIndicators(true)
	log.Println("Cloud link connected, awaiting synchronization")
}

// handleSync fires when the uplink finishes its initial state
// reconciliation. A sync without a connection is refused by the record and
// only logged here.
func (s *Supervisor) handleSync() {
	if !s.state.MarkSynchronized() {
		log.Println("Ignoring sync event: link is not connected")
		return
	}
	log.Println("Cloud state synchronized, input mirrors enabled")
}

// handleDisconnect fires when the link drops. Re-asserting an
// already-offline record changes nothing, so duplicate events are
// harmless.
func (s *Supervisor) handleDisconnect() {
	s.state.MarkDisconnected()
	s.setIndicators(false)
	log.Println("Cloud link lost, running offline")
}

// handleAttempt counts a dial attempt reported by the transport.
func (s *Supervisor) handleAttempt() {
	log.Printf("Cloud connection attempt %d", s.state.RecordAttempt())
}

// setIndicators drives the two status LEDs complementarily: exactly one is
// lit at any time.
func (s *Supervisor) setIndicators(online bool) {
	if err := s.io.SetLED(s.config.OnlineLED, online); err != nil {
		log.Printf("Failed to set %s: %v", s.config.OnlineLED, err)
	}
	if err := s.io.SetLED(s.config.OfflineLED, !online); err != nil {
		log.Printf("Failed to set %s: %v", s.config.OfflineLED, err)
	}
}
