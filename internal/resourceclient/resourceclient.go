// Package resourceclient talks to the resource manager process that
// owns physical memory and capability allocation on Unicorn's behalf:
// fetching MMIO/IRQ capabilities, reading boot configuration, and
// mapping/unmapping guest memory.
//
// Grounded on the teacher's internal/ctrl.Controller: a thin
// request/response wrapper around one long-lived file descriptor,
// opened with a bounded retry loop (the character device may not
// exist yet right after device creation) and debug-logging every
// round trip. Here the fd is a Unix domain socket instead of
// /dev/ublk-control, and each call is one internal/wire frame instead
// of an io_uring control command.
package resourceclient

import (
	"fmt"
	"net"
	"time"

	"github.com/glenda-dev/unicorn/internal/constants"
	"github.com/glenda-dev/unicorn/internal/logging"
	"github.com/glenda-dev/unicorn/internal/wire"
)

// Protocol/method constants for the resource-manager wire protocol.
const (
	ProtoResourceManager uint16 = 1

	MethodGetCap      uint16 = 1
	MethodGetConfig   uint16 = 2
	MethodMmap        uint16 = 3
	MethodMunmap      uint16 = 4
	MethodRegisterCap uint16 = 5
)

// Cap is an opaque capability handle minted by the resource manager.
type Cap struct {
	Slot uint64
}

// ResourceClient is everything Unicorn needs from the resource
// manager. The real implementation dials a Unix socket; tests use an
// in-memory fake.
type ResourceClient interface {
	GetCap(baseAddr uint64) (Cap, error)
	GetConfig(key string) ([]byte, error)
	Mmap(cap Cap, size uint64) ([]byte, error)
	Munmap(cap Cap) error
	RegisterCap(name string, cap Cap) error
	Close() error
}

// Client is the real Unix-socket-backed ResourceClient.
type Client struct {
	conn   net.Conn
	logger *logging.Logger
}

// Dial connects to the resource manager's Unix socket at path,
// retrying for a few seconds in case the socket has not been created
// yet, mirroring the teacher's character-device open retry loop.
func Dial(path string, logger *logging.Logger) (*Client, error) {
	return DialWithRetry(path, constants.ResourceClientDialRetries, constants.ResourceClientRetryDelay, logger)
}

// DialWithRetry is Dial with the retry count and delay exposed, so
// tests can bound how long a failed dial takes to give up.
func DialWithRetry(path string, retries int, delay time.Duration, logger *logging.Logger) (*Client, error) {
	if logger == nil {
		logger = logging.Default()
	}

	var conn net.Conn
	var err error
	for i := 0; i < retries; i++ {
		conn, err = net.Dial("unix", path)
		if err == nil {
			break
		}
		time.Sleep(delay)
	}
	if err != nil {
		return nil, fmt.Errorf("resourceclient: dial %s: %w", path, err)
	}

	logger.Debugf("connected to resource manager at %s", path)
	return &Client{conn: conn, logger: logger}, nil
}

func (c *Client) call(method uint16, payload []byte) ([]byte, error) {
	c.logger.Debugf("resourceclient: call method=%d payload_len=%d", method, len(payload))
	if err := wire.WriteFrame(c.conn, ProtoResourceManager, method, 0, payload); err != nil {
		return nil, fmt.Errorf("resourceclient: send: %w", err)
	}
	frame, err := wire.ReadFrame(c.conn)
	if err != nil {
		return nil, fmt.Errorf("resourceclient: recv: %w", err)
	}
	c.logger.Debugf("resourceclient: reply method=%d payload_len=%d", method, len(frame.Payload))
	return frame.Payload, nil
}

// GetCap requests the capability for the MMIO window at baseAddr.
func (c *Client) GetCap(baseAddr uint64) (Cap, error) {
	req := make([]byte, 8)
	for i := 0; i < 8; i++ {
		req[i] = byte(baseAddr >> (8 * i))
	}
	resp, err := c.call(MethodGetCap, req)
	if err != nil {
		return Cap{}, err
	}
	if len(resp) < 8 {
		return Cap{}, fmt.Errorf("resourceclient: short GetCap reply")
	}
	var slot uint64
	for i := 0; i < 8; i++ {
		slot |= uint64(resp[i]) << (8 * i)
	}
	return Cap{Slot: slot}, nil
}

// GetConfig fetches a named boot-configuration blob (for example, the
// driver manifest or platform bootinfo).
func (c *Client) GetConfig(key string) ([]byte, error) {
	return c.call(MethodGetConfig, []byte(key))
}

// Mmap maps size bytes backing cap into Unicorn's address space.
func (c *Client) Mmap(cap Cap, size uint64) ([]byte, error) {
	req := make([]byte, 16)
	putU64(req[0:8], cap.Slot)
	putU64(req[8:16], size)
	return c.call(MethodMmap, req)
}

// Munmap releases a previous Mmap.
func (c *Client) Munmap(cap Cap) error {
	req := make([]byte, 8)
	putU64(req, cap.Slot)
	_, err := c.call(MethodMunmap, req)
	return err
}

// RegisterCap publishes cap under name so other processes can look it
// up by name later.
func (c *Client) RegisterCap(name string, cap Cap) error {
	req := make([]byte, 8+len(name))
	putU64(req[0:8], cap.Slot)
	copy(req[8:], name)
	_, err := c.call(MethodRegisterCap, req)
	return err
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
