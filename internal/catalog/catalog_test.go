package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nugget/toolhost/internal/events"
	"github.com/nugget/toolhost/internal/mcp"
)

// fakeSource is a hand-written Source.
type fakeSource struct {
	mu    sync.Mutex
	tools []mcp.ToolDefinition
	err   error
	calls int
}

func (f *fakeSource) ListTools(ctx context.Context) ([]mcp.ToolDefinition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.tools, nil
}

func tool(name string) mcp.ToolDefinition {
	return mcp.ToolDefinition{
		Name:        name,
		Description: name + " tool",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}
}

func TestDiscoverAndLookup(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(8)
	defer bus.Unsubscribe(ch)

	c := New(Options{Bus: bus})
	src := &fakeSource{tools: []mcp.ToolDefinition{tool("read"), tool("write")}}

	got, err := c.Discover(context.Background(), "files", src)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Discover() returned %d tools, want 2", len(got))
	}

	d, ok := c.Lookup("files", "write")
	if !ok {
		t.Fatal("Lookup(files, write) not found")
	}
	if d.Server != "files" || d.Description != "write tool" {
		t.Errorf("Lookup() = %+v", d)
	}
	if d.QualifiedName() != "files/write" {
		t.Errorf("QualifiedName() = %q, want files/write", d.QualifiedName())
	}
	if _, ok := c.Lookup("files", "delete"); ok {
		t.Error("Lookup(files, delete) found a tool that does not exist")
	}
	if _, ok := c.DiscoveredAt("files"); !ok {
		t.Error("DiscoveredAt(files) not recorded")
	}

	select {
	case e := <-ch:
		if e.Kind != events.KindDiscovery || e.Data["tools"] != 2 {
			t.Errorf("event = %s %v, want discovery with 2 tools", e.Kind, e.Data)
		}
	case <-time.After(time.Second):
		t.Error("no discovery event")
	}
}

func TestDiscoverFailureKeepsPreviousListing(t *testing.T) {
	c := New(Options{})
	src := &fakeSource{tools: []mcp.ToolDefinition{tool("read")}}
	if _, err := c.Discover(context.Background(), "files", src); err != nil {
		t.Fatalf("Discover() error = %v", err)
	}

	boom := errors.New("tools/list timed out")
	src.err = boom
	_, err := c.Discover(context.Background(), "files", src)

	var de *DiscoveryError
	if !errors.As(err, &de) {
		t.Fatalf("Discover() error = %v, want *DiscoveryError", err)
	}
	if de.Server != "files" || !errors.Is(err, boom) {
		t.Errorf("DiscoveryError = %+v", de)
	}
	if _, ok := c.Lookup("files", "read"); !ok {
		t.Error("previous listing lost after failed rediscovery")
	}
}

func TestReplaceDropsDuplicatesAndUnnamed(t *testing.T) {
	c := New(Options{})
	first := tool("read")
	dup := tool("read")
	dup.Description = "shadow"

	got := c.Replace("files", []mcp.ToolDefinition{first, {Name: ""}, dup, tool("write")})
	if len(got) != 2 {
		t.Fatalf("Replace() kept %d tools, want 2", len(got))
	}
	d, _ := c.Lookup("files", "read")
	if d.Description != "read tool" {
		t.Errorf("duplicate did not keep the first entry: %q", d.Description)
	}
}

func TestFindAcrossServers(t *testing.T) {
	c := New(Options{})
	c.Replace("zeta", []mcp.ToolDefinition{tool("search")})
	c.Replace("alpha", []mcp.ToolDefinition{tool("search"), tool("fetch")})

	found := c.Find("search")
	if len(found) != 2 {
		t.Fatalf("Find(search) = %d descriptors, want 2", len(found))
	}
	if found[0].Server != "alpha" || found[1].Server != "zeta" {
		t.Errorf("Find order = %s, %s; want alpha, zeta", found[0].Server, found[1].Server)
	}
	if len(c.Find("missing")) != 0 {
		t.Error("Find(missing) returned descriptors")
	}

	servers := c.Servers()
	if len(servers) != 2 || servers[0] != "alpha" || servers[1] != "zeta" {
		t.Errorf("Servers() = %v, want [alpha zeta]", servers)
	}
	if all := c.All(); len(all) != 3 || all[0].Server != "alpha" {
		t.Errorf("All() = %d descriptors starting at %v", len(all), all)
	}
}

func TestRediscoveryReplacesWholesale(t *testing.T) {
	c := New(Options{})
	c.Replace("files", []mcp.ToolDefinition{tool("read"), tool("write")})
	c.Replace("files", []mcp.ToolDefinition{tool("list")})

	if _, ok := c.Lookup("files", "read"); ok {
		t.Error("stale tool survived rediscovery")
	}
	if len(c.Find("write")) != 0 {
		t.Error("stale tool still indexed by name")
	}
	if len(c.Tools("files")) != 1 {
		t.Errorf("Tools(files) = %d, want 1", len(c.Tools("files")))
	}
}

func TestRemove(t *testing.T) {
	c := New(Options{})
	c.Replace("files", []mcp.ToolDefinition{tool("read")})
	c.Replace("web", []mcp.ToolDefinition{tool("fetch")})

	c.Remove("files")
	if len(c.Tools("files")) != 0 || len(c.Find("read")) != 0 {
		t.Error("Remove left the server's tools behind")
	}
	if _, ok := c.Lookup("web", "fetch"); !ok {
		t.Error("Remove dropped another server's tools")
	}
}

func TestConcurrentReadersSeeConsistentListings(t *testing.T) {
	c := New(Options{})
	v1 := []mcp.ToolDefinition{tool("a1"), tool("a2"), tool("a3")}
	v2 := []mcp.ToolDefinition{tool("b1"), tool("b2"), tool("b3")}
	c.Replace("srv", v1)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ctx.Err() == nil; i++ {
			if i%2 == 0 {
				c.Replace("srv", v2)
			} else {
				c.Replace("srv", v1)
			}
		}
	}()

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				tools := c.Tools("srv")
				if len(tools) != 3 {
					t.Errorf("saw %d tools mid-swap", len(tools))
					return
				}
				prefix := tools[0].Name[0]
				for _, d := range tools {
					if d.Name[0] != prefix {
						t.Errorf("saw mixed listing: %s with %s", tools[0].Name, d.Name)
						return
					}
				}
			}
		}()
	}
	wg.Wait()
}

func TestStorePersistsAndWarms(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "catalog.db")
	store, err := OpenStore(dbPath)
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	defer store.Close()

	c := New(Options{Store: store})
	src := &fakeSource{tools: []mcp.ToolDefinition{tool("read"), tool("write")}}
	if _, err := c.Discover(context.Background(), "files", src); err != nil {
		t.Fatalf("Discover() error = %v", err)
	}

	fresh := New(Options{Store: store})
	n, err := fresh.Warm([]string{"files"})
	if err != nil {
		t.Fatalf("Warm() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Warm() loaded %d servers, want 1", n)
	}
	d, ok := fresh.Lookup("files", "write")
	if !ok {
		t.Fatal("warmed catalog missing files/write")
	}
	if !d.Cached {
		t.Error("warmed descriptor not marked cached")
	}
	if string(d.InputSchema) != `{"type":"object"}` {
		t.Errorf("InputSchema = %s, want round-tripped schema", d.InputSchema)
	}

	// Live discovery wins over the cache.
	if _, err := fresh.Discover(context.Background(), "files", &fakeSource{tools: []mcp.ToolDefinition{tool("read")}}); err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if d, _ := fresh.Lookup("files", "read"); d.Cached {
		t.Error("live descriptor marked cached")
	}
	if n, _ := fresh.Warm([]string{"files"}); n != 0 {
		t.Errorf("Warm() after live discovery loaded %d servers, want 0", n)
	}
}

func TestWarmForgetsUnconfiguredServers(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	defer store.Close()

	now := time.Now()
	if err := store.Save("files", []mcp.ToolDefinition{tool("read")}, now); err != nil {
		t.Fatal(err)
	}
	if err := store.Save("retired", []mcp.ToolDefinition{tool("read"), tool("only_retired")}, now); err != nil {
		t.Fatal(err)
	}

	c := New(Options{Store: store})
	n, err := c.Warm([]string{"files"})
	if err != nil {
		t.Fatalf("Warm() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Warm() loaded %d servers, want 1", n)
	}
	if got := c.Find("read"); len(got) != 1 || got[0].Server != "files" {
		t.Errorf("Find(read) = %d descriptors, want only files", len(got))
	}
	if got := c.Find("only_retired"); len(got) != 0 {
		t.Errorf("Find(only_retired) = %d descriptors, want none", len(got))
	}

	snaps, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(snaps) != 1 || snaps[0].Server != "files" {
		t.Errorf("store still holds %+v, want only files", snaps)
	}
}

func TestForget(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	defer store.Close()

	c := New(Options{Store: store})
	if _, err := c.Discover(context.Background(), "web", &fakeSource{tools: []mcp.ToolDefinition{tool("fetch")}}); err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if err := c.Forget("web"); err != nil {
		t.Fatalf("Forget() error = %v", err)
	}
	if _, ok := c.Lookup("web", "fetch"); ok {
		t.Error("Forget left web/fetch in the catalog")
	}
	if snaps, _ := store.Load(); len(snaps) != 0 {
		t.Errorf("Forget left %d stored listings", len(snaps))
	}

	// Without a store, Forget only touches memory.
	bare := New(Options{})
	bare.Replace("web", []mcp.ToolDefinition{tool("fetch")})
	if err := bare.Forget("web"); err != nil {
		t.Errorf("Forget() without store error = %v", err)
	}
}

func TestStoreOrderAndDelete(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	defer store.Close()

	now := time.Now()
	if err := store.Save("b", []mcp.ToolDefinition{tool("z"), tool("a")}, now); err != nil {
		t.Fatalf("Save(b) error = %v", err)
	}
	if err := store.Save("a", []mcp.ToolDefinition{tool("x")}, now); err != nil {
		t.Fatalf("Save(a) error = %v", err)
	}
	// Overwrite shrinks the listing.
	if err := store.Save("a", []mcp.ToolDefinition{tool("y")}, now); err != nil {
		t.Fatalf("Save(a) error = %v", err)
	}

	snaps, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(snaps) != 2 || snaps[0].Server != "a" || snaps[1].Server != "b" {
		t.Fatalf("Load() = %+v, want servers a, b", snaps)
	}
	if len(snaps[0].Tools) != 1 || snaps[0].Tools[0].Name != "y" {
		t.Errorf("a tools = %+v, want [y]", snaps[0].Tools)
	}
	if snaps[1].Tools[0].Name != "z" || snaps[1].Tools[1].Name != "a" {
		t.Errorf("b tools out of advertised order: %+v", snaps[1].Tools)
	}

	if err := store.Delete("b"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	snaps, _ = store.Load()
	if len(snaps) != 1 {
		t.Errorf("Load() after Delete = %d snapshots, want 1", len(snaps))
	}
}
