// Package server implements the cooperative, single-goroutine IPC
// dispatch loop that drives every other component: accept driver
// connections, wait for the next readable one (or the IRQ-simulation
// timer), dispatch the message that arrives by (protocol, method), and
// reply.
//
// Grounded directly on the teacher's internal/queue/runner.go ioLoop —
// the strongest structural analogy in the whole reference repo: one
// thread, one multiplexed blocking wait (there: WaitForCompletion on
// an io_uring ring primed with FETCH_REQ per tag; here: SubmitAndWait
// on a ring primed with one OpRead per connection plus one recurring
// OpTimeout), one dispatch, one reply, and a deferred resubmission
// step so handling one message never resubmits work from inside
// itself and risks re-entering a structure mid-mutation. Unicorn's
// deferred step is draining the driver launcher's spawn queue once a
// REPORT-triggered scan has queued new drivers.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/glenda-dev/unicorn/internal/capbroker"
	"github.com/glenda-dev/unicorn/internal/devicetree"
	"github.com/glenda-dev/unicorn/internal/driver"
	"github.com/glenda-dev/unicorn/internal/hooktable"
	"github.com/glenda-dev/unicorn/internal/irqrouter"
	"github.com/glenda-dev/unicorn/internal/logging"
	"github.com/glenda-dev/unicorn/internal/logicregistry"
	"github.com/glenda-dev/unicorn/internal/metrics"
	"github.com/glenda-dev/unicorn/internal/transport"
	"github.com/glenda-dev/unicorn/internal/uring"
	"github.com/glenda-dev/unicorn/internal/wire"
)

// ProtoDeviceManager is Unicorn's own wire protocol id, distinct from
// resourceclient's.
const ProtoDeviceManager uint16 = 2

// Method numbers for the device-manager protocol.
const (
	MethodReport        uint16 = 1 // a driver reports the children it discovered under its own node
	MethodQuery         uint16 = 2
	MethodGetMMIO       uint16 = 3
	MethodGetIRQ        uint16 = 4
	MethodRegisterLogic uint16 = 5
	MethodAllocLogic    uint16 = 6
	MethodHook          uint16 = 7
	MethodUnhook        uint16 = 8
	MethodIRQAck        uint16 = 9
	MethodScanPlatform  uint16 = 10 // re-walk the tree, queuing spawns for any still-Ready node
	MethodUpdate        uint16 = 11 // a driver replaces its own node's compatible list and re-enqueues it
	MethodGetDesc       uint16 = 12
	MethodGetLogicDesc  uint16 = 13
)

// ErrNoReply is returned by a handler for a one-way message: dispatch
// must not send any reply frame at all, as opposed to an empty one.
var ErrNoReply = errors.New("server: suppress reply")

// wireError is satisfied by unicorn.Error without this package
// importing the root package (which itself imports this one to build
// a Manager) — a plain structural check avoids the import cycle.
type wireError interface {
	error
	ErrorCode() string
}

// irqTimerUserData is the fixed uring UserData tag reserved for the
// recurring IRQ-simulation timeout, distinguishing it from any
// connection-fd completion in the dispatch switch.
const irqTimerUserData uint64 = ^uint64(0)

type driverConn struct {
	conn  *transport.Conn
	fd    int32
	alive bool
}

// Server is the IpcServer: the single owner of every core data
// structure, reachable only from its own Run goroutine.
type Server struct {
	logger  *logging.Logger
	metrics *metrics.Metrics

	tree     *devicetree.Tree
	launcher *driver.Launcher
	logic    *logicregistry.Registry
	hooks    *hooktable.Table
	irqs     *irqrouter.Router
	caps     *capbroker.Broker

	listener *transport.Listener
	ring     uring.Ring

	mu    sync.Mutex
	conns map[uint64]*driverConn // badge -> connection

	irqPeriod time.Duration
}

// Config bundles everything New needs to construct a Server.
type Config struct {
	Logger    *logging.Logger
	Metrics   *metrics.Metrics
	Tree      *devicetree.Tree
	Launcher  *driver.Launcher
	Logic     *logicregistry.Registry
	Hooks     *hooktable.Table
	IRQs      *irqrouter.Router
	Caps      *capbroker.Broker
	Listener  *transport.Listener
	Ring      uring.Ring
	IRQPeriod time.Duration
}

// New builds a Server from cfg, filling in any nil collaborator with a
// fresh zero-value instance so tests can pass a partial Config.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Tree == nil {
		cfg.Tree = devicetree.New()
	}
	if cfg.Logic == nil {
		cfg.Logic = logicregistry.New()
	}
	if cfg.Hooks == nil {
		cfg.Hooks = hooktable.New()
	}
	if cfg.IRQs == nil {
		cfg.IRQs = irqrouter.New()
	}
	if cfg.Caps == nil {
		cfg.Caps = capbroker.New(nil)
	}
	if cfg.IRQPeriod == 0 {
		cfg.IRQPeriod = 50 * time.Millisecond
	}

	return &Server{
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		tree:      cfg.Tree,
		launcher:  cfg.Launcher,
		logic:     cfg.Logic,
		hooks:     cfg.Hooks,
		irqs:      cfg.IRQs,
		caps:      cfg.Caps,
		listener:  cfg.Listener,
		ring:      cfg.Ring,
		conns:     make(map[uint64]*driverConn),
		irqPeriod: cfg.IRQPeriod,
	}
}

// Tree exposes the device tree for the boot-time platform scan to
// mount its root and initial subtree onto before Run starts accepting
// driver connections.
func (s *Server) Tree() *devicetree.Tree { return s.tree }

// acceptLoop turns blocking net.Listener.Accept calls into badge-
// bearing connections the Run loop registers with the ring; it never
// touches any other shared state, only hands connections off over
// acceptedCh.
func (s *Server) acceptLoop(ctx context.Context, acceptedCh chan<- *transport.Conn) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.logger.Warnf("accept failed: %v", err)
				return
			}
		}
		select {
		case acceptedCh <- conn:
		case <-ctx.Done():
			return
		}
	}
}

// Run is the dispatch loop: accept connections, multiplex reads across
// them plus the IRQ timer, dispatch, reply, then drain any driver
// spawns the dispatch queued before waiting again.
func (s *Server) Run(ctx context.Context) error {
	acceptedCh := make(chan *transport.Conn, 16)
	go s.acceptLoop(ctx, acceptedCh)

	if err := s.ring.Submit(uring.Request{Op: uring.OpTimeout, UserData: irqTimerUserData, NanosDeadline: uint64(s.irqPeriod)}); err != nil {
		return fmt.Errorf("server: prime irq timer: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case conn := <-acceptedCh:
			s.registerConn(conn)
			continue
		default:
		}

		completions, err := s.ring.SubmitAndWait()
		if err != nil {
			return fmt.Errorf("server: wait: %w", err)
		}

		for _, c := range completions {
			if c.UserData == irqTimerUserData {
				s.onIRQTick()
				_ = s.ring.Submit(uring.Request{Op: uring.OpTimeout, UserData: irqTimerUserData, NanosDeadline: uint64(s.irqPeriod)})
				continue
			}
			s.handleReadable(c.UserData)
		}

		// Deferred spawn drain: never from inside handleReadable, so a
		// REPORT that just mounted a subtree never re-enters the tree
		// mid-walk.
		if s.launcher != nil {
			s.launcher.DrainPending(ctx, s.tree)
		}
	}
}

func (s *Server) registerConn(conn *transport.Conn) {
	fd := rawFd(conn)
	s.mu.Lock()
	s.conns[conn.Badge] = &driverConn{conn: conn, fd: fd, alive: true}
	s.mu.Unlock()

	if err := s.ring.Submit(uring.Request{Op: uring.OpRead, FD: fd, UserData: conn.Badge}); err != nil {
		s.logger.Warnf("submit read for badge=%d failed: %v", conn.Badge, err)
	}
}

// rawFd extracts the file descriptor backing conn so it can be handed
// to the ring for multiplexing; actual reads always go through the
// buffered net.Conn, never this fd directly.
func rawFd(conn *transport.Conn) int32 {
	sc, ok := conn.Conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	var fd int32 = -1
	_ = raw.Control(func(h uintptr) {
		fd = int32(h)
	})
	return fd
}

func (s *Server) onIRQTick() {
	// A real interrupt source calls DeliverIRQ directly; nothing fires
	// from the timer alone unless something also calls it (server_test.go
	// calls DeliverIRQ directly to exercise irq.unknown).
}

// DeliverIRQ looks irq up in the router. An IRQ with a registered
// handler has no further effect here: nothing is sent to or acked on
// behalf of the owning driver. An IRQ with no handler fires the
// "irq.unknown" hook.
func (s *Server) DeliverIRQ(irq uint32) {
	s.irqs.Route(irq, func(unrouted uint32) {
		if s.metrics != nil {
			s.metrics.UnknownIRQs.Inc()
		}
		_ = s.hooks.Fire("irq.unknown", hooktable.Event{Name: "irq.unknown", Payload: encodeU32(unrouted)}, s.send)
	})
}

func (s *Server) send(target hooktable.Target, ev hooktable.Event) error {
	s.mu.Lock()
	dc, ok := s.conns[target.Badge]
	s.mu.Unlock()
	if !ok || !dc.alive {
		return fmt.Errorf("server: badge %d not connected", target.Badge)
	}
	return wire.WriteFrame(dc.conn, ProtoDeviceManager, MethodHook, target.Badge, ev.Payload)
}

func (s *Server) handleReadable(badge uint64) {
	s.mu.Lock()
	dc, ok := s.conns[badge]
	s.mu.Unlock()
	if !ok || !dc.alive {
		return
	}

	frame, err := wire.ReadFrame(dc.conn)
	if err != nil {
		s.closeConn(badge)
		return
	}

	reply, dispatchErr := s.dispatch(badge, frame.Header.Method, frame.Payload)
	if s.metrics != nil {
		s.metrics.MessagesDispatched.WithLabelValues(methodName(frame.Header.Method)).Inc()
	}

	switch {
	case dispatchErr == ErrNoReply:
		// one-way message, no reply frame at all
	case dispatchErr != nil:
		if s.metrics != nil {
			code := "unknown"
			var we wireError
			if errors.As(dispatchErr, &we) {
				code = we.ErrorCode()
			}
			s.metrics.DispatchErrors.WithLabelValues(code).Inc()
		}
		s.logger.Debugf("dispatch error for badge=%d method=%d: %v", badge, frame.Header.Method, dispatchErr)
		errPayload, _ := json.Marshal(map[string]string{"error": dispatchErr.Error()})
		_ = wire.WriteFrame(dc.conn, ProtoDeviceManager, frame.Header.Method, badge, errPayload)
	default:
		_ = wire.WriteFrame(dc.conn, ProtoDeviceManager, frame.Header.Method, badge, reply)
	}

	if err := s.ring.Submit(uring.Request{Op: uring.OpRead, FD: dc.fd, UserData: badge}); err != nil {
		s.logger.Warnf("re-arm read for badge=%d failed: %v", badge, err)
	}
}

func (s *Server) closeConn(badge uint64) {
	s.mu.Lock()
	dc, ok := s.conns[badge]
	if ok {
		dc.alive = false
		delete(s.conns, badge)
	}
	s.mu.Unlock()
	if ok {
		dc.conn.Close()
		s.irqs.UnregisterBadge(badge)
	}
}

func encodeU32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func methodName(m uint16) string {
	switch m {
	case MethodReport:
		return "report"
	case MethodQuery:
		return "query"
	case MethodGetMMIO:
		return "get_mmio"
	case MethodGetIRQ:
		return "get_irq"
	case MethodRegisterLogic:
		return "register_logic"
	case MethodAllocLogic:
		return "alloc_logic"
	case MethodHook:
		return "hook"
	case MethodUnhook:
		return "unhook"
	case MethodIRQAck:
		return "irq_ack"
	case MethodScanPlatform:
		return "scan_platform"
	case MethodUpdate:
		return "update"
	case MethodGetDesc:
		return "get_desc"
	case MethodGetLogicDesc:
		return "get_logic_desc"
	default:
		return "unknown"
	}
}
