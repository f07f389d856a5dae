// Package moqmgr manages sessions against a media-over-QUIC relay: it owns
// the transport connection, monitors its health, reconciles advertised
// tracks against desired subscriptions, and supervises the per-track worker
// loops so they survive transport blips without losing data.
package moqmgr

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/moqtools/moqmgr/moq"
)

// Session lifecycle states.
const (
	StateStopped      = "stopped"
	StateConnecting   = "connecting"
	StateRunning      = "running"
	StateReconnecting = "reconnecting"
)

const (
	eventConnect       = "connect"
	eventConnected     = "connected"
	eventConnectFailed = "connect_failed"
	eventDisconnect    = "disconnect"
	eventReconnected   = "reconnected"
	eventStop          = "stop"
)

// ClientFactory creates the transport client a session connects through.
// It is called once at start and again whenever a reconnect needs a fresh
// client.
type ClientFactory func() (moq.Client, error)

// workerSet is the lifecycle hook a session specialization implements:
// consumer sessions run an announcement loop plus reconciled consumers,
// producer sessions run one producer per configured track.
type workerSet interface {
	startWorkers(sess moq.Session)
	stopWorkers()
	cleanup()
}

// Session owns one transport connection and the workers on top of it. It is
// embedded by ConsumerSession and ProducerSession; the zero value is not
// usable.
type Session struct {
	config Config
	mode   moq.Mode
	logger *slog.Logger

	factory ClientFactory
	workers workerSet

	mu      sync.Mutex
	running bool
	client  moq.Client
	sess    moq.Session
	machine *fsm.FSM

	stopCh      chan struct{}
	monitorDone chan struct{}

	// Reconnect throttle, touched only by Start and the monitor goroutine.
	lastReconnect time.Time
	firstAttempt  bool

	cbMu     sync.Mutex
	onError  func(string)
	onStatus func(string)
}

func newSession(config Config, factory ClientFactory, mode moq.Mode) *Session {
	if factory == nil {
		panic("moqmgr: nil client factory")
	}

	s := &Session{
		config:  config,
		mode:    mode,
		factory: factory,
	}
	s.logger = config.logger().With("namespace", config.Namespace, "mode", mode.String())
	s.machine = fsm.NewFSM(
		StateStopped,
		fsm.Events{
			{Name: eventConnect, Src: []string{StateStopped}, Dst: StateConnecting},
			{Name: eventConnected, Src: []string{StateConnecting}, Dst: StateRunning},
			{Name: eventConnectFailed, Src: []string{StateConnecting}, Dst: StateStopped},
			{Name: eventDisconnect, Src: []string{StateRunning}, Dst: StateReconnecting},
			{Name: eventReconnected, Src: []string{StateReconnecting}, Dst: StateRunning},
			{Name: eventStop, Src: []string{StateConnecting, StateRunning, StateReconnecting}, Dst: StateStopped},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				s.logger.Debug("session state changed", "from", e.Src, "to", e.Dst)
			},
		},
	)
	return s
}

// transition fires a lifecycle event. A disallowed transition (such as a
// repeated disconnect while already reconnecting) is not an error here, the
// state simply stays put.
func (s *Session) transition(event string) {
	if err := s.machine.Event(context.Background(), event); err != nil {
		s.logger.Debug("state unchanged", "event", event, "state", s.machine.Current())
	}
}

// Start connects the transport and launches the workers and the monitor
// loop. It returns false if client creation or the initial connect fails;
// calling Start on an already running session returns true without side
// effects.
func (s *Session) Start() bool {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return true
	}
	s.transition(eventConnect)

	client, err := s.factory()
	if err != nil {
		s.transition(eventConnectFailed)
		s.mu.Unlock()
		s.notifyError("failed to create transport client: " + err.Error())
		return false
	}

	sess, err := s.connect(client)
	if err != nil {
		s.transition(eventConnectFailed)
		client.Close()
		s.mu.Unlock()
		s.notifyError(err.Error())
		return false
	}

	s.client = client
	s.sess = sess
	s.running = true
	s.firstAttempt = true
	s.stopCh = make(chan struct{})
	s.monitorDone = make(chan struct{})

	s.workers.startWorkers(sess)
	go s.monitor(s.stopCh, s.monitorDone)

	s.transition(eventConnected)
	s.mu.Unlock()

	s.notifyStatus("session started")
	return true
}

// connect dials the relay and verifies the session came up connected.
// The caller holds s.mu.
func (s *Session) connect(client moq.Client) (moq.Session, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.connectTimeout())
	defer cancel()

	sess, err := client.Connect(ctx, s.config.ServerURL, s.mode)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", s.config.ServerURL, err)
	}
	if sess == nil || !sess.IsConnected() {
		if sess != nil {
			sess.Close()
		}
		return nil, fmt.Errorf("failed to connect to %s: session not connected", s.config.ServerURL)
	}
	return sess, nil
}

// Stop closes the transport, stops every worker and waits for their loops
// to exit, joins the monitor, and releases the client. Safe to call from
// any goroutine and safe to call twice.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	sess := s.sess
	done := s.monitorDone
	s.sess = nil
	s.mu.Unlock()

	if sess != nil {
		sess.Close()
	}

	s.workers.stopWorkers()
	<-done
	s.workers.cleanup()

	s.mu.Lock()
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
	s.transition(eventStop)
	s.mu.Unlock()

	s.notifyStatus("session stopped")
}

// IsRunning reports whether the session is between Start and Stop.
func (s *Session) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// State returns the current lifecycle state.
func (s *Session) State() string {
	return s.machine.Current()
}

// SetErrorCallback registers fn for failure notifications. Transport-level
// failures are reported here and retried, never surfaced as errors to the
// caller.
func (s *Session) SetErrorCallback(fn func(string)) {
	s.cbMu.Lock()
	s.onError = fn
	s.cbMu.Unlock()
}

// SetStatusCallback registers fn for status notifications.
func (s *Session) SetStatusCallback(fn func(string)) {
	s.cbMu.Lock()
	s.onStatus = fn
	s.cbMu.Unlock()
}

// monitor polls transport health at a fixed interval and drives
// reconnection. Attempts are throttled to one per reconnect interval,
// except the first attempt after a disconnection, which fires immediately;
// a successful reconnect re-arms that immediate first attempt.
func (s *Session) monitor(stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.config.monitorInterval())
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		running := s.running
		sess := s.sess
		s.mu.Unlock()
		if !running {
			return
		}
		if sess != nil && sess.IsAlive() {
			continue
		}

		s.notifyError("transport session disconnected")

		if s.config.DisableReconnect {
			s.notifyStatus("reconnection disabled, stopping session")
			go s.Stop()
			return
		}

		now := time.Now()
		if !s.firstAttempt && now.Sub(s.lastReconnect) < s.config.reconnectInterval() {
			continue
		}
		s.lastReconnect = now
		s.firstAttempt = false

		if s.reconnect() {
			s.firstAttempt = true
			s.config.Metrics.reconnected()
			s.notifyStatus("reconnected to " + s.config.ServerURL)
		} else {
			s.notifyError("reconnect failed, will retry")
		}
	}
}

// reconnect stops the workers, swaps the transport session for a fresh one,
// and restarts the workers against it. Failure is never fatal: the session
// stays running disconnected and the monitor retries later.
func (s *Session) reconnect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return false
	}
	s.transition(eventDisconnect)

	s.workers.stopWorkers()

	if s.sess != nil {
		s.sess.Close()
		s.sess = nil
	}

	if s.client == nil {
		client, err := s.factory()
		if err != nil {
			s.logger.Error("failed to recreate transport client", "error", err)
			return false
		}
		s.client = client
	}

	sess, err := s.connect(s.client)
	if err != nil {
		s.logger.Warn("reconnect attempt failed", "error", err)
		return false
	}

	s.sess = sess
	s.workers.startWorkers(sess)
	s.transition(eventReconnected)
	return true
}

func (s *Session) notifyError(msg string) {
	s.logger.Error(msg)
	s.cbMu.Lock()
	cb := s.onError
	s.cbMu.Unlock()
	s.invoke(cb, msg)
}

func (s *Session) notifyStatus(msg string) {
	s.logger.Info(msg)
	s.cbMu.Lock()
	cb := s.onStatus
	s.cbMu.Unlock()
	s.invoke(cb, msg)
}

// invoke shields the manager from user callbacks: a panic is recovered and
// logged, never allowed to cross back into a worker or monitor loop.
func (s *Session) invoke(cb func(string), msg string) {
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("callback panicked", "panic", r)
		}
	}()
	cb(msg)
}
