// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/warden-host/warden/lib/clock"
	"github.com/warden-host/warden/transport"
	"github.com/warden-host/warden/wire"
)

// Config holds the supervisor's parameters.
type Config struct {
	// SocketDir is where per-plugin control sockets are created.
	// Required.
	SocketDir string

	// SandboxBinary is the sandbox executable path, used when Start is
	// nil.
	SandboxBinary string

	// Start launches the sandbox child. Nil defaults to
	// ExecStart(SandboxBinary). Tests substitute an in-process fake
	// that speaks the protocol over the socket.
	Start StartFunc

	// NewHandler builds the inbound-message handler for one plugin's
	// peer. The supervisor consumes the Hello handshake itself;
	// everything else goes here. May be nil.
	NewHandler func(pluginID string) transport.HandlerFunc

	// OnExit is called once when a sandbox dies or stops answering
	// pings, after the supervisor has torn it down. Not called for
	// deliberate teardowns. Runs on the supervisor's health goroutine.
	OnExit func(pluginID string, err error)

	// StartTimeout bounds the readiness handshake. Default 10s.
	StartTimeout time.Duration

	// ShutdownTimeout bounds the graceful-exit wait in Teardown before
	// SIGKILL. Default 5s.
	ShutdownTimeout time.Duration

	// PingInterval is the health-check cadence. Default 15s.
	PingInterval time.Duration

	// PingTimeout bounds a single health ping. Default 3s.
	PingTimeout time.Duration

	// PingFailureLimit is the consecutive-failure count that declares
	// a sandbox crashed. Default 3.
	PingFailureLimit int

	// Clock drives every timeout above. Nil defaults to the real
	// clock.
	Clock clock.Clock

	// Logger receives lifecycle messages. Nil is silent.
	Logger *slog.Logger
}

// Supervisor spawns, binds, health-checks, and tears down sandbox
// processes. One supervisor serves all plugins; each plugin gets its
// own process, socket, and Handle.
//
// The containment invariant: nothing a sandbox does — crash, hang,
// protocol garbage — propagates beyond its own Handle. The owner hears
// about it through OnExit and the plugin's state; the host keeps
// running.
type Supervisor struct {
	socketDir        string
	start            StartFunc
	newHandler       func(pluginID string) transport.HandlerFunc
	onExit           func(pluginID string, err error)
	startTimeout     time.Duration
	shutdownTimeout  time.Duration
	pingInterval     time.Duration
	pingTimeout      time.Duration
	pingFailureLimit int
	clock            clock.Clock
	logger           *slog.Logger
}

// New creates a Supervisor.
func New(cfg Config) (*Supervisor, error) {
	if cfg.SocketDir == "" {
		return nil, fmt.Errorf("sandbox: SocketDir is required")
	}
	if cfg.Start == nil {
		if cfg.SandboxBinary == "" {
			return nil, fmt.Errorf("sandbox: SandboxBinary is required without a Start func")
		}
		cfg.Start = ExecStart(cfg.SandboxBinary)
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 15 * time.Second
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 3 * time.Second
	}
	if cfg.PingFailureLimit <= 0 {
		cfg.PingFailureLimit = 3
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Supervisor{
		socketDir:        cfg.SocketDir,
		start:            cfg.Start,
		newHandler:       cfg.NewHandler,
		onExit:           cfg.OnExit,
		startTimeout:     cfg.StartTimeout,
		shutdownTimeout:  cfg.ShutdownTimeout,
		pingInterval:     cfg.PingInterval,
		pingTimeout:      cfg.PingTimeout,
		pingFailureLimit: cfg.PingFailureLimit,
		clock:            cfg.Clock,
		logger:           cfg.Logger,
	}, nil
}

// Spawn starts a sandbox process for pluginID and waits for its Hello
// handshake. On timeout the process is killed and ErrStartTimeout
// returned; a successful Spawn hands back a Handle with the health
// loop already running.
func (s *Supervisor) Spawn(ctx context.Context, pluginID string) (*Handle, error) {
	socketPath := filepath.Join(s.socketDir, pluginID+".sock")

	listener, err := transport.Listen(socketPath, s.logger)
	if err != nil {
		return nil, fmt.Errorf("sandbox %s: %w", pluginID, err)
	}

	handle := &Handle{
		pluginID:   pluginID,
		listener:   listener,
		supervisor: s,
		ready:      make(chan struct{}),
		procExit:   make(chan struct{}),
		stopHealth: make(chan struct{}),
	}

	// Accept exactly one connection: the child we are about to start.
	connCh := make(chan *transport.Conn, 1)
	acceptErr := make(chan error, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			acceptErr <- err
			return
		}
		connCh <- conn
	}()

	proc, err := s.start(ctx, pluginID, socketPath)
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("sandbox %s: %w", pluginID, err)
	}
	handle.proc = proc

	go func() {
		handle.setExitErr(proc.Wait())
		close(handle.procExit)
	}()

	abort := func() {
		proc.Kill()
		listener.Close()
		<-handle.procExit
	}

	deadline := s.clock.After(s.startTimeout)

	var conn *transport.Conn
	select {
	case conn = <-connCh:
	case err := <-acceptErr:
		abort()
		return nil, fmt.Errorf("sandbox %s: accept: %w", pluginID, err)
	case <-handle.procExit:
		listener.Close()
		return nil, fmt.Errorf("sandbox %s exited before connecting: %w", pluginID, ErrCrashed)
	case <-deadline:
		abort()
		return nil, fmt.Errorf("sandbox %s: %w", pluginID, ErrStartTimeout)
	case <-ctx.Done():
		abort()
		return nil, ctx.Err()
	}

	var inner transport.HandlerFunc
	if s.newHandler != nil {
		inner = s.newHandler(pluginID)
	}
	handle.peer = transport.NewPeer(ctx, conn, handle.route(inner), s.logger.With("plugin", pluginID))

	select {
	case <-handle.ready:
	case <-handle.peer.Done():
		abort()
		return nil, fmt.Errorf("sandbox %s: connection lost during handshake: %w", pluginID, ErrCrashed)
	case <-deadline:
		handle.peer.Close()
		abort()
		return nil, fmt.Errorf("sandbox %s: %w", pluginID, ErrStartTimeout)
	case <-ctx.Done():
		handle.peer.Close()
		abort()
		return nil, ctx.Err()
	}

	s.logger.Info("sandbox ready", "plugin", pluginID, "pid", proc.PID(), "socket", socketPath)

	go s.healthLoop(ctx, handle)
	return handle, nil
}

// Bind instructs a spawned sandbox to instantiate its plugin.
func (s *Supervisor) Bind(ctx context.Context, handle *Handle, bind *wire.BindPluginPayload) error {
	request, err := wire.NewRequest(wire.KindBindPlugin, bind)
	if err != nil {
		return fmt.Errorf("sandbox %s: bind: %w", handle.pluginID, err)
	}
	reply, err := handle.peer.Call(ctx, request)
	if err != nil {
		return fmt.Errorf("sandbox %s: bind: %w", handle.pluginID, err)
	}
	payload, err := wire.DecodePayload(reply)
	if err != nil {
		return fmt.Errorf("sandbox %s: bind reply: %w", handle.pluginID, err)
	}
	result, ok := payload.(*wire.ResultPayload)
	if !ok {
		return fmt.Errorf("sandbox %s: bind reply kind %s", handle.pluginID, reply.Kind)
	}
	if !result.OK {
		return fmt.Errorf("sandbox %s: bind rejected: %s", handle.pluginID, result.Error)
	}
	return nil
}

// Teardown stops a sandbox: a graceful Shutdown message, a bounded
// wait for exit, then SIGKILL. Idempotent — concurrent and repeated
// calls all return after the first completes. The socket and peer are
// always released.
func (s *Supervisor) Teardown(handle *Handle) {
	handle.teardownOnce.Do(func() {
		handle.markTornDown()
		close(handle.stopHealth)

		select {
		case <-handle.procExit:
			// Already dead (crash path); just clean up.
		default:
			if shutdown, err := wire.NewOneway(wire.KindShutdown, &wire.ShutdownPayload{Reason: "teardown"}); err == nil {
				// Best effort: the peer may already be gone.
				handle.peer.Send(shutdown)
			}
			select {
			case <-handle.procExit:
			case <-s.clock.After(s.shutdownTimeout):
				s.logger.Warn("sandbox ignored shutdown, killing",
					"plugin", handle.pluginID, "pid", handle.proc.PID())
				handle.proc.Kill()
				<-handle.procExit
			}
		}

		handle.peer.Close()
		handle.listener.Close()
		s.logger.Info("sandbox torn down", "plugin", handle.pluginID)
	})
}

// healthLoop pings the sandbox until it is torn down, declared
// crashed, or ctx ends. Process exit and connection loss are treated
// the same as ping exhaustion: crashed.
func (s *Supervisor) healthLoop(ctx context.Context, handle *Handle) {
	ticker := s.clock.NewTicker(s.pingInterval)
	defer ticker.Stop()

	failures := 0
	var seq uint64

	for {
		select {
		case <-handle.stopHealth:
			return
		case <-ctx.Done():
			return
		case <-handle.procExit:
			s.declareCrashed(handle, fmt.Errorf("process exited: %w", ErrCrashed))
			return
		case <-handle.peer.Done():
			s.declareCrashed(handle, fmt.Errorf("connection lost: %w", ErrCrashed))
			return
		case <-ticker.C:
			seq++
			if err := s.ping(ctx, handle, seq); err != nil {
				failures++
				s.logger.Warn("sandbox ping failed",
					"plugin", handle.pluginID, "failures", failures, "error", err)
				if failures >= s.pingFailureLimit {
					s.declareCrashed(handle, fmt.Errorf("%d pings unanswered: %w", failures, ErrCrashed))
					return
				}
			} else {
				failures = 0
			}
		}
	}
}

// ping issues one bounded health check.
func (s *Supervisor) ping(ctx context.Context, handle *Handle, seq uint64) error {
	request, err := wire.NewRequest(wire.KindPing, &wire.PingPayload{Seq: seq})
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	timeout := s.clock.After(s.pingTimeout)
	go func() {
		select {
		case <-timeout:
			cancel()
		case <-callCtx.Done():
		}
	}()

	reply, err := handle.peer.Call(callCtx, request)
	if err != nil {
		return err
	}
	payload, err := wire.DecodePayload(reply)
	if err != nil {
		return err
	}
	pong, ok := payload.(*wire.PongPayload)
	if !ok {
		return fmt.Errorf("ping answered with %s", reply.Kind)
	}
	if pong.Seq != seq {
		return fmt.Errorf("pong seq %d, want %d", pong.Seq, seq)
	}
	return nil
}

// declareCrashed runs the crash path once: teardown, then owner
// notification. Skipped when the owner already called Teardown.
func (s *Supervisor) declareCrashed(handle *Handle, cause error) {
	if handle.isTornDown() {
		return
	}
	s.logger.Error("sandbox crashed", "plugin", handle.pluginID, "error", cause)

	handle.teardownOnce.Do(func() {
		handle.markTornDown()
		handle.proc.Kill()
		select {
		case <-handle.procExit:
		case <-s.clock.After(s.shutdownTimeout):
		}
		handle.peer.Close()
		handle.listener.Close()
	})

	if s.onExit != nil {
		s.onExit(handle.pluginID, cause)
	}
}
