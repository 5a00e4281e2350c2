// Package transport accepts driver connections on a Unix domain
// socket and assigns each one a badge: a monotonically increasing
// identity used everywhere else in Unicorn to mean "which process sent
// this message."
//
// Grounded on the teacher's retry-open-then-serve idiom in
// internal/queue/runner.go's NewRunner (open the character device,
// retrying while udev creates the node, then hand the fd to the
// completion loop): here the socket itself is created up front and
// every accepted connection is handed a badge and handed off, rather
// than retried, since Unicorn is the one side creating the rendezvous
// point.
package transport

import (
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/glenda-dev/unicorn/internal/logging"
)

// Conn is one badged driver connection.
type Conn struct {
	Badge uint64
	net.Conn
}

// Listener accepts driver connections and assigns badges.
type Listener struct {
	ln     net.Listener
	logger *logging.Logger

	mu        sync.Mutex
	nextBadge uint64
}

// Listen creates (or recreates) the Unix socket at path and returns a
// Listener ready to Accept.
func Listen(path string, logger *logging.Logger) (*Listener, error) {
	if logger == nil {
		logger = logging.Default()
	}

	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("transport: remove stale socket %s: %w", path, err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", path, err)
	}

	logger.Infof("listening for driver connections on %s", path)
	return &Listener{ln: ln, logger: logger}, nil
}

// Accept blocks for the next incoming connection and assigns it a
// fresh badge, badge 0 being reserved so it can never collide with a
// real connection's identity.
func (l *Listener) Accept() (*Conn, error) {
	raw, err := l.ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("transport: accept: %w", err)
	}

	l.mu.Lock()
	l.nextBadge++
	badge := l.nextBadge
	l.mu.Unlock()

	l.logger.Debugf("accepted driver connection, badge=%d", badge)
	return &Conn{Badge: badge, Conn: raw}, nil
}

// Close shuts down the listening socket; accepted connections are
// unaffected.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}
