package sessions

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/medviewer/launcher/config"
	"github.com/medviewer/launcher/journal"
	"github.com/medviewer/launcher/ports"
	"github.com/medviewer/launcher/processes"
)

type fakeMapper struct {
	mu      sync.Mutex
	mapped  map[string]string
	unmaps  []string
}

func newFakeMapper() *fakeMapper {
	return &fakeMapper{mapped: make(map[string]string)}
}

func (m *fakeMapper) Map(id, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mapped[id] = target
	return nil
}

func (m *fakeMapper) Unmap(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.mapped, id)
	m.unmaps = append(m.unmaps, id)
	return nil
}

func (m *fakeMapper) target(id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.mapped[id]
	return t, ok
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Configuration: config.Configuration{
			Host:       "localhost",
			Port:       8080,
			Endpoint:   "/viewer",
			SessionURL: "ws://${host}:${port}/ws",
			Timeout:    5,
			LogDir:     t.TempDir(),
			Fields:     []string{"id", "host", "port", "secret", "sessionURL"},
		},
		SessionData: map[string]any{"updir": "/Home"},
		Resources:   []config.Resource{{Host: "localhost", PortRange: [2]int{43611, 43613}}},
		Apps: map[string]config.App{
			"viewer": {
				Cmd:       []string{"/bin/sh", "-c", `echo "App running at $port"; sleep 30`},
				ReadyLine: "App running at",
			},
			"silent": {
				Cmd:       []string{"/bin/sh", "-c", "sleep 30"},
				ReadyLine: "never printed",
			},
			"broken": {
				Cmd:       []string{"/nonexistent/viewer-binary"},
				ReadyLine: "never printed",
			},
		},
	}
}

type harness struct {
	reg    *Registry
	pool   *ports.Pool
	jrnl   *journal.Journal
	mapper *fakeMapper
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()

	cfg := testConfig(t)
	if mutate != nil {
		mutate(cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config invalid: %v", err)
	}

	ranges := make([]ports.Range, len(cfg.Resources))
	for i, res := range cfg.Resources {
		ranges[i] = ports.Range{Host: res.Host, Min: res.PortRange[0], Max: res.PortRange[1]}
	}
	pool, err := ports.NewPool(ranges)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	jrnl, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	t.Cleanup(func() { jrnl.Close() })

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generating key: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	mapper := newFakeMapper()

	reg, err := NewRegistry(RegistryOptions{
		Config: cfg,
		Pool:   pool,
		Supervisor: processes.NewSupervisor(processes.Options{
			Logger:      logger,
			GracePeriod: 200 * time.Millisecond,
		}),
		Journal:    jrnl,
		Mapper:     mapper,
		SigningKey: key,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(reg.Shutdown)

	return &harness{reg: reg, pool: pool, jrnl: jrnl, mapper: mapper}
}

func TestResolveBecomesReady(t *testing.T) {
	h := newHarness(t, nil)

	info, err := h.reg.Resolve(context.Background(), "viewer", nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	id, _ := info["id"].(string)
	if id == "" {
		t.Fatal("missing session id in connection info")
	}
	if info["state"] != string(StateReady) {
		t.Errorf("expected state ready, got %v", info["state"])
	}
	port, ok := info["port"].(int)
	if !ok || port < 43611 || port > 43613 {
		t.Errorf("port %v outside configured range", info["port"])
	}
	if info["host"] != "localhost" {
		t.Errorf("unexpected host %v", info["host"])
	}
	if secret, _ := info["secret"].(string); !h.reg.VerifySecret(secret, id) {
		t.Error("connection info secret does not verify for session")
	}
	if url, _ := info["sessionURL"].(string); url == "" || url == "ws://${host}:${port}/ws" {
		t.Errorf("sessionURL not realized: %v", info["sessionURL"])
	}
	if info["updir"] != "/Home" {
		t.Errorf("sessionData not merged: %v", info["updir"])
	}

	if h.pool.InUse() != 1 {
		t.Errorf("expected 1 port in use, got %d", h.pool.InUse())
	}
	if _, ok := h.mapper.target(id); !ok {
		t.Error("proxy mapping not registered for ready session")
	}

	events, err := h.jrnl.EventsForSession(id, 10)
	if err != nil {
		t.Fatalf("EventsForSession: %v", err)
	}
	if len(events) != 2 || events[0].EventType != string(journal.EventLaunched) || events[1].EventType != string(journal.EventReady) {
		t.Errorf("unexpected journal events: %+v", events)
	}
}

func TestResolveUnknownApp(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.reg.Resolve(context.Background(), "no-such-app", nil)
	if !errors.Is(err, ErrUnknownApp) {
		t.Fatalf("expected ErrUnknownApp, got %v", err)
	}
	if h.pool.InUse() != 0 {
		t.Errorf("unknown app must not allocate; %d ports in use", h.pool.InUse())
	}
}

func TestResolveTimeoutReleasesPort(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Configuration.Timeout = 1 })

	start := time.Now()
	_, err := h.reg.Resolve(context.Background(), "silent", nil)
	if !errors.Is(err, processes.ErrTimedOut) {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 900*time.Millisecond || elapsed > 4*time.Second {
		t.Errorf("timeout fired at %v, expected around 1s", elapsed)
	}
	if h.pool.InUse() != 0 {
		t.Errorf("port not released after timeout; %d in use", h.pool.InUse())
	}

	failed, err := h.jrnl.EventsByType(journal.EventFailed, 10)
	if err != nil {
		t.Fatalf("EventsByType: %v", err)
	}
	if len(failed) != 1 {
		t.Errorf("expected 1 failed journal event, got %d", len(failed))
	}
}

func TestResolveSpawnErrorReleasesPort(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.reg.Resolve(context.Background(), "broken", nil)
	if !errors.Is(err, processes.ErrSpawn) {
		t.Fatalf("expected ErrSpawn, got %v", err)
	}
	if h.pool.InUse() != 0 {
		t.Errorf("port not released after spawn failure; %d in use", h.pool.InUse())
	}
}

func TestResolveExhausted(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Resources = []config.Resource{{Host: "localhost", PortRange: [2]int{43621, 43621}}}
	})

	if _, err := h.reg.Resolve(context.Background(), "viewer", nil); err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	_, err := h.reg.Resolve(context.Background(), "viewer", nil)
	if !errors.Is(err, ports.ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
}

func TestTerminateRemovesSession(t *testing.T) {
	h := newHarness(t, nil)

	info, err := h.reg.Resolve(context.Background(), "viewer", nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	id := info["id"].(string)

	if err := h.reg.Terminate(id); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if _, err := h.reg.Get(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after terminate, got %v", err)
	}
	if h.pool.InUse() != 0 {
		t.Errorf("port not released after terminate; %d in use", h.pool.InUse())
	}
	if _, ok := h.mapper.target(id); ok {
		t.Error("proxy mapping not removed after terminate")
	}

	if err := h.reg.Terminate(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("second terminate should be ErrNotFound, got %v", err)
	}
}

func TestConcurrentResolvesGetDistinctPorts(t *testing.T) {
	h := newHarness(t, nil)

	var wg sync.WaitGroup
	results := make([]map[string]any, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.reg.Resolve(context.Background(), "viewer", nil)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Resolve %d: %v", i, err)
		}
	}
	p0 := results[0]["port"].(int)
	p1 := results[1]["port"].(int)
	if p0 == p1 {
		t.Errorf("concurrent resolves received the same port %d", p0)
	}
}

func TestReapExpiresIdleSessions(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Configuration.Timeout = 1 })

	info, err := h.reg.Resolve(context.Background(), "viewer", nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	id := info["id"].(string)

	if n := h.reg.Reap(); n != 0 {
		t.Errorf("fresh session reaped: %d", n)
	}

	time.Sleep(1300 * time.Millisecond)

	if n := h.reg.Reap(); n != 1 {
		t.Fatalf("expected 1 expired session, got %d", n)
	}
	if _, err := h.reg.Get(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after reap, got %v", err)
	}
	if h.pool.InUse() != 0 {
		t.Errorf("port not released after reap; %d in use", h.pool.InUse())
	}

	expired, err := h.jrnl.EventsByType(journal.EventExpired, 10)
	if err != nil {
		t.Fatalf("EventsByType: %v", err)
	}
	if len(expired) != 1 {
		t.Errorf("expected 1 expired journal event, got %d", len(expired))
	}
}

func TestGetRefreshesIdleTimer(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Configuration.Timeout = 1 })

	info, err := h.reg.Resolve(context.Background(), "viewer", nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	id := info["id"].(string)

	// Keep touching the session; it must survive past its idle timeout.
	for i := 0; i < 3; i++ {
		time.Sleep(600 * time.Millisecond)
		if _, err := h.reg.Get(id); err != nil {
			t.Fatalf("Get %d: %v", i, err)
		}
		h.reg.Reap()
	}

	if _, err := h.reg.Get(id); err != nil {
		t.Errorf("session expired despite activity: %v", err)
	}
}

func TestResolveSanitizeRejection(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Configuration.Sanitize = map[string]config.SanitizeRule{
			"viewerKind": {Type: config.SanitizeInList, List: []string{"volume", "slice"}},
		}
	})

	_, err := h.reg.Resolve(context.Background(), "viewer", map[string]string{"viewerKind": "mesh"})
	if !errors.Is(err, ErrInvalidParam) {
		t.Fatalf("expected ErrInvalidParam, got %v", err)
	}
	if h.pool.InUse() != 0 {
		t.Errorf("rejected request must not allocate; %d ports in use", h.pool.InUse())
	}
}

func TestResolveParamsFlowIntoCommand(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Apps["echoer"] = config.App{
			Cmd:       []string{"/bin/sh", "-c", `echo "loading ${file}"; echo "App running at"; sleep 30`},
			ReadyLine: "App running at",
		}
		c.Configuration.Fields = []string{"id", "port", "file"}
	})

	info, err := h.reg.Resolve(context.Background(), "echoer", map[string]string{"file": "head.vti"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if info["file"] != "head.vti" {
		t.Errorf("requested param not reported back: %v", info)
	}
}

func TestShutdownTerminatesEverything(t *testing.T) {
	h := newHarness(t, nil)

	if _, err := h.reg.Resolve(context.Background(), "viewer", nil); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := h.reg.Resolve(context.Background(), "viewer", nil); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	h.reg.Shutdown()

	if h.pool.InUse() != 0 {
		t.Errorf("ports still allocated after shutdown: %d", h.pool.InUse())
	}
	if got := len(h.reg.List()); got != 0 {
		t.Errorf("sessions still tracked after shutdown: %d", got)
	}
}
