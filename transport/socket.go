// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
)

// Listener accepts envelope connections on a Unix socket. The socket
// is the process-isolation boundary: sandboxes and the renderer reach
// the host only through sockets the host created.
type Listener struct {
	socketPath string
	listener   net.Listener
	logger     *slog.Logger
}

// Listen creates a Unix socket listener at socketPath, removing any
// stale socket file left by a previous process first. The socket file
// is removed again on Close.
func Listen(socketPath string, logger *slog.Logger) (*Listener, error) {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale socket %s: %w", socketPath, err)
	}
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", socketPath, err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Listener{socketPath: socketPath, listener: listener, logger: logger}, nil
}

// Accept blocks for the next connection.
func (l *Listener) Accept() (*Conn, error) {
	raw, err := l.listener.Accept()
	if err != nil {
		return nil, err
	}
	return NewConn(raw), nil
}

// Serve accepts connections and hands each to handle on its own
// goroutine until ctx is cancelled or the listener is closed. Returns
// nil on clean shutdown.
func (l *Listener) Serve(ctx context.Context, handle func(*Conn)) error {
	// Unblock Accept when the context is cancelled.
	stop := context.AfterFunc(ctx, func() { l.listener.Close() })
	defer stop()

	l.logger.Info("listening", "path", l.socketPath)

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.logger.Error("accept failed", "path", l.socketPath, "error", err)
			continue
		}
		go handle(conn)
	}
}

// Path returns the socket path.
func (l *Listener) Path() string { return l.socketPath }

// Close shuts the listener down and removes the socket file.
func (l *Listener) Close() error {
	err := l.listener.Close()
	if removeErr := os.Remove(l.socketPath); removeErr != nil && !os.IsNotExist(removeErr) && err == nil {
		err = removeErr
	}
	return err
}

// Dial connects to a Unix socket listener.
func Dial(ctx context.Context, socketPath string) (*Conn, error) {
	var dialer net.Dialer
	raw, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", socketPath, err)
	}
	return NewConn(raw), nil
}
