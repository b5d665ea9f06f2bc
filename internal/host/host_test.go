package host

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nugget/toolhost/internal/catalog"
	"github.com/nugget/toolhost/internal/connwatch"
	"github.com/nugget/toolhost/internal/events"
	"github.com/nugget/toolhost/internal/invoke"
	"github.com/nugget/toolhost/internal/mcp"
	"github.com/nugget/toolhost/internal/mcp/mcptest"
)

func TestMain(m *testing.M) {
	mcptest.RunIfHelper()
	os.Exit(m.Run())
}

func helperDef(t *testing.T, name, mode string) mcp.ServerDefinition {
	t.Helper()
	cmd := mcptest.Helper(mode, filepath.Join(t.TempDir(), "launches"))
	return mcp.ServerDefinition{
		Name:    name,
		Command: cmd.Path,
		Args:    cmd.Args,
		Env:     cmd.Env,
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.InitTimeout = 5 * time.Second
	cfg.CallTimeout = 5 * time.Second
	cfg.ShutdownGrace = time.Second
	cfg.Restart = connwatch.BackoffConfig{
		MaxRetries:   2,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   2,
	}
	return cfg
}

func startHost(t *testing.T, cfg Config, opts Options, defs ...mcp.ServerDefinition) (*Host, []StartResult) {
	t.Helper()
	h, err := New(defs, cfg, opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
	})
	return h, h.Start(context.Background())
}

func TestHelloWorldEndToEnd(t *testing.T) {
	h, results := startHost(t, testConfig(), Options{}, helperDef(t, "greeter", mcptest.ModeNormal))
	if len(results) != 1 || results[0].Err != nil {
		t.Fatalf("Start() = %+v, want greeter started", results)
	}

	if n := len(h.Tools()); n != len(mcptest.DefaultTools()) {
		t.Errorf("Tools() = %d, want %d", n, len(mcptest.DefaultTools()))
	}

	res, err := h.Invoke(context.Background(), invoke.Invocation{
		Tool:      "hello_world",
		Arguments: map[string]any{"name": "World"},
	})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if got := res.Text(); got != "Hello, World!" {
		t.Errorf("Text() = %q, want %q", got, "Hello, World!")
	}
}

func TestStartReportsFailuresIndependently(t *testing.T) {
	h, results := startHost(t, testConfig(), Options{},
		helperDef(t, "good", mcptest.ModeNormal),
		helperDef(t, "bad", mcptest.ModeBadInit),
		mcp.ServerDefinition{Name: "missing", Command: "toolhost-no-such-binary"},
	)

	byName := map[string]error{}
	for _, r := range results {
		byName[r.Server] = r.Err
	}
	if results[0].Server != "bad" || results[2].Server != "missing" {
		t.Errorf("results not ordered by name: %+v", results)
	}
	if byName["good"] != nil {
		t.Errorf("good error = %v", byName["good"])
	}
	var ie *mcp.InitializeError
	if !errors.As(byName["bad"], &ie) {
		t.Errorf("bad error = %v, want InitializeError", byName["bad"])
	}
	var se *mcp.SpawnError
	if !errors.As(byName["missing"], &se) {
		t.Errorf("missing error = %v, want SpawnError", byName["missing"])
	}

	for _, st := range h.Status() {
		want := mcp.StateTerminated
		if st.Name == "good" {
			want = mcp.StateReady
		}
		if st.State != want {
			t.Errorf("%s state = %s, want %s", st.Name, st.State, want)
		}
	}

	if _, err := h.Invoke(context.Background(), invoke.Invocation{Tool: "echo"}); err != nil {
		t.Errorf("Invoke(echo) on the surviving server error = %v", err)
	}
}

func TestNewRejectsBadDefinitions(t *testing.T) {
	tests := []struct {
		name string
		defs []mcp.ServerDefinition
	}{
		{"empty name", []mcp.ServerDefinition{{Command: "x"}}},
		{"duplicate", []mcp.ServerDefinition{{Name: "a", Command: "x"}, {Name: "a", Command: "y"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.defs, DefaultConfig(), Options{}); err == nil {
				t.Error("New() error = nil, want error")
			}
		})
	}
}

func TestRediscoveryAfterRestart(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(256)
	defer bus.Unsubscribe(ch)

	h, results := startHost(t, testConfig(), Options{Bus: bus}, helperDef(t, "flaky", mcptest.ModeNormal))
	if results[0].Err != nil {
		t.Fatalf("Start() error = %v", results[0].Err)
	}

	_, err := h.Invoke(context.Background(), invoke.Invocation{Tool: "crash"})
	if !errors.Is(err, mcp.ErrServerDisconnected) {
		t.Fatalf("crash error = %v, want ErrServerDisconnected", err)
	}

	// Discovery runs once for the first start and again after restart.
	discoveries := 0
	deadline := time.After(10 * time.Second)
	for discoveries < 2 {
		select {
		case e := <-ch:
			if e.Kind == events.KindDiscovery {
				discoveries++
			}
		case <-deadline:
			t.Fatalf("saw %d discovery events, want 2", discoveries)
		}
	}

	res, err := h.Invoke(context.Background(), invoke.Invocation{Tool: "hello_world", Arguments: map[string]any{"name": "again"}})
	if err != nil {
		t.Fatalf("Invoke() after restart error = %v", err)
	}
	if res.Text() != "Hello, again!" {
		t.Errorf("Text() = %q", res.Text())
	}
	if st := h.Status()[0]; st.Restarts != 1 {
		t.Errorf("Restarts = %d, want 1", st.Restarts)
	}
}

func TestToolDroppedAfterRestartStopsResolving(t *testing.T) {
	bus := events.New()
	ch := bus.SubscribeFunc(64, events.Match(events.SourceCatalog, events.KindDiscovery))
	defer bus.Unsubscribe(ch)

	h, results := startHost(t, testConfig(), Options{Bus: bus}, helperDef(t, "shrinking", mcptest.ModeShrink))
	if results[0].Err != nil {
		t.Fatalf("Start() error = %v", results[0].Err)
	}
	if _, ok := h.Catalog().Lookup("shrinking", "hello_world"); !ok {
		t.Fatal("hello_world missing before restart")
	}

	_, _ = h.Invoke(context.Background(), invoke.Invocation{Tool: "crash"})

	deadline := time.After(10 * time.Second)
	for discoveries := 0; discoveries < 2; {
		select {
		case <-ch:
			discoveries++
		case <-deadline:
			t.Fatalf("saw %d discoveries, want 2", discoveries)
		}
	}

	_, err := h.Invoke(context.Background(), invoke.Invocation{Tool: "hello_world", Arguments: map[string]any{"name": "x"}})
	var ue *invoke.UnknownToolError
	if !errors.As(err, &ue) {
		t.Errorf("Invoke(hello_world) after restart error = %v, want UnknownToolError", err)
	}
	if _, err := h.Invoke(context.Background(), invoke.Invocation{Tool: "echo"}); err != nil {
		t.Errorf("Invoke(echo) after restart error = %v", err)
	}
}

func TestStartForgetsRetiredServers(t *testing.T) {
	store, err := catalog.OpenStore(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	defer store.Close()
	retired := []mcp.ToolDefinition{{Name: "hello_world"}, {Name: "only_retired"}}
	if err := store.Save("retired", retired, time.Now()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	h, results := startHost(t, testConfig(), Options{Store: store}, helperDef(t, "greeter", mcptest.ModeNormal))
	if results[0].Err != nil {
		t.Fatalf("Start() error = %v", results[0].Err)
	}

	for _, d := range h.Tools() {
		if d.Server == "retired" {
			t.Fatalf("catalog still lists retired/%s", d.Name)
		}
	}

	res, err := h.Invoke(context.Background(), invoke.Invocation{
		Tool:      "hello_world",
		Arguments: map[string]any{"name": "World"},
	})
	if err != nil {
		t.Fatalf("Invoke(hello_world) error = %v", err)
	}
	if res.Server != "greeter" {
		t.Errorf("hello_world served by %q, want greeter", res.Server)
	}

	_, err = h.Invoke(context.Background(), invoke.Invocation{Tool: "only_retired"})
	var ue *invoke.UnknownToolError
	if !errors.As(err, &ue) {
		t.Errorf("Invoke(only_retired) error = %v, want UnknownToolError", err)
	}

	snaps, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	for _, snap := range snaps {
		if snap.Server == "retired" {
			t.Error("retired listing still stored")
		}
	}
}

// gatedSource answers its first tools/list only after release is
// closed, and every later one immediately with a newer listing.
type gatedSource struct {
	mu      sync.Mutex
	calls   int
	entered chan struct{}
	release chan struct{}
}

func (g *gatedSource) ListTools(ctx context.Context) ([]mcp.ToolDefinition, error) {
	g.mu.Lock()
	g.calls++
	n := g.calls
	g.mu.Unlock()

	if n == 1 {
		close(g.entered)
		<-g.release
		return []mcp.ToolDefinition{{Name: "old"}}, nil
	}
	return []mcp.ToolDefinition{{Name: "new"}}, nil
}

func (g *gatedSource) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func TestRefreshesOfOneServerDoNotOverlap(t *testing.T) {
	h, err := New([]mcp.ServerDefinition{{Name: "slow", Command: "unused"}}, testConfig(), Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	src := &gatedSource{entered: make(chan struct{}), release: make(chan struct{})}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.refresh(context.Background(), "slow", src)
	}()
	<-src.entered
	go func() {
		defer wg.Done()
		h.refresh(context.Background(), "slow", src)
	}()

	time.Sleep(50 * time.Millisecond)
	if n := src.callCount(); n != 1 {
		t.Errorf("second refresh listed tools while the first was running (%d calls)", n)
	}

	close(src.release)
	wg.Wait()

	tools := h.Catalog().Tools("slow")
	if len(tools) != 1 || tools[0].Name != "new" {
		t.Errorf("Tools(slow) = %+v, want the newer listing", tools)
	}
}

func TestCachedCatalogResolvesBeforeServerIsUp(t *testing.T) {
	store, err := catalog.OpenStore(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	defer store.Close()
	if err := store.Save("offline", []mcp.ToolDefinition{{Name: "lookup"}}, time.Now()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	h, results := startHost(t, testConfig(), Options{Store: store},
		mcp.ServerDefinition{Name: "offline", Command: "toolhost-no-such-binary"})
	if results[0].Err == nil {
		t.Fatal("Start() of missing binary succeeded")
	}

	_, err = h.Invoke(context.Background(), invoke.Invocation{Tool: "lookup"})
	if !errors.Is(err, mcp.ErrServerDisconnected) {
		t.Errorf("Invoke() error = %v, want ErrServerDisconnected", err)
	}
	var ue *invoke.UnknownToolError
	if errors.As(err, &ue) {
		t.Error("cached tool reported as unknown")
	}

	tools := h.Catalog().Tools("offline")
	if len(tools) != 1 || !tools[0].Cached {
		t.Errorf("Tools(offline) = %+v, want one cached descriptor", tools)
	}
}

func TestLivenessWatcherInstalled(t *testing.T) {
	cfg := testConfig()
	cfg.PingInterval = 20 * time.Millisecond
	cfg.PingTimeout = time.Second

	h, results := startHost(t, cfg, Options{}, helperDef(t, "pinged", mcptest.ModeNormal))
	if results[0].Err != nil {
		t.Fatalf("Start() error = %v", results[0].Err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st := h.Status()[0]
		if st.Liveness != nil && !st.Liveness.LastCheck.IsZero() {
			if !st.Liveness.Ready || st.Liveness.LastError != "" {
				t.Errorf("Liveness = %+v, want ready", st.Liveness)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no liveness probe recorded")
}

func TestLivenessProbeSkipsServersThatAreNotReady(t *testing.T) {
	sc := mcp.NewServerConn(mcp.ServerDefinition{Name: "idle", Command: "true"}, mcp.ServerConnOptions{})
	if err := livenessProbe(sc)(context.Background()); err != nil {
		t.Errorf("probe of NotStarted server = %v, want nil", err)
	}
}

func TestShutdownTerminatesEverything(t *testing.T) {
	h, err := New([]mcp.ServerDefinition{
		helperDef(t, "a", mcptest.ModeNormal),
		helperDef(t, "b", mcptest.ModeNormal),
	}, testConfig(), Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := h.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
	for _, st := range h.Status() {
		if st.State != mcp.StateTerminated {
			t.Errorf("%s state = %s after Shutdown", st.Name, st.State)
		}
	}

	_, err = h.Invoke(context.Background(), invoke.Invocation{Tool: "echo", Server: "a"})
	if !errors.Is(err, mcp.ErrServerDisconnected) {
		t.Errorf("Invoke() after Shutdown error = %v, want ErrServerDisconnected", err)
	}
}

func TestServerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, results := startHost(t, testConfig(), Options{Registerer: reg}, helperDef(t, "greeter", mcptest.ModeNormal))
	if results[0].Err != nil {
		t.Fatalf("Start() error = %v", results[0].Err)
	}

	expected := `
# HELP toolhost_server_tools Tools the server currently advertises.
# TYPE toolhost_server_tools gauge
toolhost_server_tools{server="greeter"} 6
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "toolhost_server_tools"); err != nil {
		t.Error(err)
	}
}
