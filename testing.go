package unicorn

import (
	"context"
	"sync"

	"github.com/glenda-dev/unicorn/internal/resourceclient"
)

// MockResourceClient wraps resourceclient.Fake with the call-count
// tracking the teacher's own MockBackend keeps (readCalls/writeCalls/
// ...), generalized to this collaborator's methods, so a test can
// assert how many times Boot talked to the resource manager without
// wiring a real socket.
type MockResourceClient struct {
	*resourceclient.Fake

	mu          sync.Mutex
	getCapCalls int
	getConfCalls int
	mmapCalls   int
	munmapCalls int
	registerCalls int
	closed      bool
}

// NewMockResourceClient returns an empty mock resource client. Callers
// populate Config via the embedded Fake before passing it to Boot, for
// example mrc.Config["drivers.json"] = []byte(`{"drivers":[...]}`).
func NewMockResourceClient() *MockResourceClient {
	return &MockResourceClient{Fake: resourceclient.NewFake()}
}

func (m *MockResourceClient) GetCap(baseAddr uint64) (resourceclient.Cap, error) {
	m.mu.Lock()
	m.getCapCalls++
	m.mu.Unlock()
	return m.Fake.GetCap(baseAddr)
}

func (m *MockResourceClient) GetConfig(key string) ([]byte, error) {
	m.mu.Lock()
	m.getConfCalls++
	m.mu.Unlock()
	return m.Fake.GetConfig(key)
}

func (m *MockResourceClient) Mmap(cap resourceclient.Cap, size uint64) ([]byte, error) {
	m.mu.Lock()
	m.mmapCalls++
	m.mu.Unlock()
	return m.Fake.Mmap(cap, size)
}

func (m *MockResourceClient) Munmap(cap resourceclient.Cap) error {
	m.mu.Lock()
	m.munmapCalls++
	m.mu.Unlock()
	return m.Fake.Munmap(cap)
}

func (m *MockResourceClient) RegisterCap(name string, cap resourceclient.Cap) error {
	m.mu.Lock()
	m.registerCalls++
	m.mu.Unlock()
	return m.Fake.RegisterCap(name, cap)
}

func (m *MockResourceClient) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return m.Fake.Close()
}

// GetCapCalls, GetConfigCalls, RegisterCapCalls and Closed expose the
// call counters for test assertions.
func (m *MockResourceClient) GetCapCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getCapCalls
}

func (m *MockResourceClient) GetConfigCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getConfCalls
}

func (m *MockResourceClient) RegisterCapCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registerCalls
}

func (m *MockResourceClient) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// MockProcessSpawner records every Spawn call instead of exec'ing a
// real binary, the same role the teacher's MockBackend plays for
// backend.Backend: a drop-in collaborator a test can inspect after
// the fact. Fail names a set of binaries whose Spawn should return an
// error, for exercising the DrainPending error path.
type MockProcessSpawner struct {
	mu      sync.Mutex
	spawned []string
	nextPid int
	Fail    map[string]bool
}

// NewMockProcessSpawner returns an empty mock spawner.
func NewMockProcessSpawner() *MockProcessSpawner {
	return &MockProcessSpawner{Fail: make(map[string]bool)}
}

func (s *MockProcessSpawner) Spawn(ctx context.Context, binary string, args []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail[binary] {
		return 0, NewError("spawn", CodeInvalidConfig, "mock spawn failure for "+binary)
	}
	s.spawned = append(s.spawned, binary)
	s.nextPid++
	return s.nextPid, nil
}

// Spawned returns every binary name Spawn was called with, in order.
func (s *MockProcessSpawner) Spawned() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.spawned))
	copy(out, s.spawned)
	return out
}
