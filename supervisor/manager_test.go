package supervisor_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amiko-app/plugin-runtime/bundle"
	"github.com/amiko-app/plugin-runtime/catalog"
	"github.com/amiko-app/plugin-runtime/internal/testutil"
	"github.com/amiko-app/plugin-runtime/state"
	"github.com/amiko-app/plugin-runtime/supervisor"
	"github.com/amiko-app/plugin-runtime/wire"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// env wires a manager to a fake catalog and in-process pipe hosts, the
// full protocol stack minus the child process.
type env struct {
	catalog   *testutil.Catalog
	launcher  *testutil.PipeLauncher
	mgr       *supervisor.Manager
	statePath string
}

func newEnv(t *testing.T, opts ...supervisor.Option) *env {
	t.Helper()
	dir := t.TempDir()
	cat := testutil.NewCatalog(t)
	launcher := testutil.NewPipeLauncher()
	statePath := filepath.Join(dir, "plugins.json")

	opts = append([]supervisor.Option{supervisor.WithStopGrace(500 * time.Millisecond)}, opts...)
	mgr := supervisor.NewManager(
		state.NewStore(statePath),
		bundle.NewStore(filepath.Join(dir, "bundles")),
		cat.Client(),
		launcher,
		opts...,
	)
	t.Cleanup(mgr.Close)
	return &env{catalog: cat, launcher: launcher, mgr: mgr, statePath: statePath}
}

func (e *env) installEnabled(t *testing.T, sel supervisor.Selection) {
	t.Helper()
	ctx := context.Background()
	e.mgr.Init(ctx)
	_, err := e.mgr.SetEnabled(ctx, true)
	require.NoError(t, err)
	_, err = e.mgr.Install(ctx, sel)
	require.NoError(t, err)
}

func TestInstallEnableEndToEnd(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	env.catalog.Add("p1", "1.0.0", "Demo", testutil.DemoScript)

	env.mgr.Init(ctx)
	st, err := env.mgr.SetEnabled(ctx, true)
	require.NoError(t, err)
	assert.True(t, st.Enabled)
	assert.False(t, st.Running, "nothing installed yet")

	st, err = env.mgr.Install(ctx, supervisor.Selection{})
	require.NoError(t, err)
	require.NotNil(t, st.Installed)
	assert.Equal(t, "p1", st.Installed.ID)
	assert.Equal(t, "1.0.0", st.Installed.Version)
	assert.True(t, st.Running)

	require.Eventually(t, func() bool {
		return len(env.mgr.MenuItems()) == 1
	}, waitFor, tick, "plugin should register its menu item")
	assert.Equal(t, wire.MenuItem{PluginID: "p1", ID: "go", Label: "Go"}, env.mgr.MenuItems()[0])

	events, unsubscribe := env.mgr.Subscribe()
	defer unsubscribe()

	res, err := env.mgr.ClickMenuItem(ctx, "p1", "go")
	require.NoError(t, err)
	assert.True(t, res.OK)

	select {
	case ev := <-events:
		assert.Equal(t, supervisor.OutputSay, ev.Type)
		assert.Equal(t, "p1", ev.PluginID)
		assert.Equal(t, "done", ev.Text)
	case <-time.After(waitFor):
		t.Fatal("no output event broadcast")
	}
}

func TestSetEnabledSameValueIsNoOp(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	env.catalog.Add("p1", "1.0.0", "Demo", testutil.DemoScript)
	env.installEnabled(t, supervisor.Selection{})
	require.Equal(t, 1, env.launcher.Launches())

	// Removing the state file exposes any rewrite; a true no-op leaves it
	// missing and the host untouched.
	require.NoError(t, os.Remove(env.statePath))
	st, err := env.mgr.SetEnabled(ctx, true)
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.Equal(t, 1, env.launcher.Launches(), "no restart on same-value toggle")
	assert.NoFileExists(t, env.statePath, "no write on same-value toggle")
}

func TestGateMatrix(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	env.catalog.Add("p1", "1.0.0", "Demo", testutil.DemoScript)

	env.mgr.Init(ctx)
	_, err := env.mgr.Install(ctx, supervisor.Selection{})
	require.NoError(t, err)
	assert.False(t, env.mgr.Status().Running, "local gate still off")
	assert.Equal(t, 0, env.launcher.Launches())

	_, err = env.mgr.SetEnabled(ctx, true)
	require.NoError(t, err)
	require.True(t, env.mgr.Status().Running)
	require.Eventually(t, func() bool {
		return len(env.mgr.MenuItems()) == 1
	}, waitFor, tick)

	st := env.mgr.SetRemoteEnabled(ctx, false)
	assert.False(t, st.Running, "remote gate off tears the host down")
	assert.Empty(t, st.MenuItems, "menu clears with the host")

	launches := env.launcher.Launches()
	st = env.mgr.SetRemoteEnabled(ctx, false)
	assert.Equal(t, launches, env.launcher.Launches(), "unchanged remote gate is a no-op")

	st = env.mgr.SetRemoteEnabled(ctx, true)
	assert.True(t, st.Running, "all gates green starts the host again")

	st, err = env.mgr.SetEnabled(ctx, false)
	require.NoError(t, err)
	assert.False(t, st.Running)
	assert.Empty(t, env.mgr.MenuItems())
}

func TestInitRestoresPersistedPlugin(t *testing.T) {
	dir := t.TempDir()
	code := testutil.DemoScript
	entry := catalog.Entry{
		ID:          "p1",
		Version:     "1.0.0",
		Name:        "Demo",
		SHA256:      testutil.SHA256Hex(code),
		Permissions: json.RawMessage(`{}`),
	}

	bundles := bundle.NewStore(filepath.Join(dir, "bundles"))
	_, err := bundles.Install(entry, &catalog.Bundle{
		ManifestJSON: `{"name":"Demo","version":"1.0.0"}`,
		Code:         code,
		SHA256:       entry.SHA256,
	})
	require.NoError(t, err)

	store := state.NewStore(filepath.Join(dir, "plugins.json"))
	require.NoError(t, store.Save(state.RuntimeState{
		Enabled: true,
		Installed: &state.InstalledRef{
			ID: entry.ID, Version: entry.Version, Name: entry.Name,
			SHA256: entry.SHA256, Permissions: entry.Permissions,
		},
	}))

	launcher := testutil.NewPipeLauncher()
	mgr := supervisor.NewManager(store, bundles, testutil.NewCatalog(t).Client(), launcher,
		supervisor.WithStopGrace(500*time.Millisecond))
	t.Cleanup(mgr.Close)

	mgr.Init(context.Background())
	assert.True(t, mgr.Status().Running, "persisted state brings the host up without a catalog round trip")
	require.Eventually(t, func() bool {
		return len(mgr.MenuItems()) == 1
	}, waitFor, tick)
}

func TestInitWithoutPermissionsRefusesHostStart(t *testing.T) {
	dir := t.TempDir()
	store := state.NewStore(filepath.Join(dir, "plugins.json"))
	require.NoError(t, store.Save(state.RuntimeState{
		Enabled:   true,
		Installed: &state.InstalledRef{ID: "p1", Version: "1.0.0"},
	}))

	launcher := testutil.NewPipeLauncher()
	mgr := supervisor.NewManager(store, bundle.NewStore(filepath.Join(dir, "bundles")),
		testutil.NewCatalog(t).Client(), launcher)
	t.Cleanup(mgr.Close)

	mgr.Init(context.Background())
	st := mgr.Status()
	assert.False(t, st.Running)
	assert.Contains(t, st.LastError, supervisor.CodePermissionsInvalid)
	assert.Equal(t, 0, launcher.Launches(), "no host may start without a permission declaration")
}

func TestLoadFailureRecordsLastError(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	env.catalog.Add("p1", "1.0.0", "Broken", testutil.ThrowOnLoadScript)
	env.installEnabled(t, supervisor.Selection{})

	require.Eventually(t, func() bool {
		st := env.mgr.Status()
		return !st.Running && st.LastError != ""
	}, waitFor, tick, "fatal load should land in LastError and drop the host")
	assert.Contains(t, env.mgr.Status().LastError, "boom on load")

	// No automatic restart; an explicit toggle retries and clears the
	// error first.
	assert.Equal(t, 1, env.launcher.Launches())
	_, err := env.mgr.SetEnabled(ctx, false)
	require.NoError(t, err)
	_, err = env.mgr.SetEnabled(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 2, env.launcher.Launches())
}

func TestSpawnFailureSurfacesAndKeepsInstall(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	env.catalog.Add("p1", "1.0.0", "Demo", testutil.DemoScript)
	env.launcher.FailWith(errors.New("exec format error"))

	env.mgr.Init(ctx)
	_, err := env.mgr.SetEnabled(ctx, true)
	require.NoError(t, err)

	_, err = env.mgr.Install(ctx, supervisor.Selection{})
	require.Error(t, err)
	assert.Equal(t, supervisor.CodeSpawnFailed, supervisor.CodeOf(err))

	st := env.mgr.Status()
	assert.NotNil(t, st.Installed, "the install itself succeeded")
	assert.False(t, st.Running)
	assert.Contains(t, st.LastError, supervisor.CodeSpawnFailed)

	// Recovery once the binary is back.
	env.launcher.FailWith(nil)
	_, err = env.mgr.SetEnabled(ctx, false)
	require.NoError(t, err)
	st, err = env.mgr.SetEnabled(ctx, true)
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.Empty(t, st.LastError, "re-enable clears the recorded error")
}

func TestCloseIsIdempotentAndTerminal(t *testing.T) {
	mgr, _ := newSilentEnv(t)
	mgr.Close()
	mgr.Close()

	_, err := mgr.ClickMenuItem(context.Background(), "p1", "x")
	assert.Equal(t, supervisor.CodePluginNotRunning, supervisor.CodeOf(err))

	ch, unsubscribe := mgr.Subscribe()
	defer unsubscribe()
	_, open := <-ch
	assert.False(t, open, "subscriptions on a closed manager are born closed")
}

func TestSubscribeUnsubscribe(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	env.catalog.Add("p1", "1.0.0", "Demo", testutil.DemoScript)
	env.installEnabled(t, supervisor.Selection{})
	require.Eventually(t, func() bool {
		return len(env.mgr.MenuItems()) == 1
	}, waitFor, tick)

	keep, unsubKeep := env.mgr.Subscribe()
	defer unsubKeep()
	drop, unsubDrop := env.mgr.Subscribe()
	unsubDrop()
	_, open := <-drop
	assert.False(t, open, "unsubscribing closes the channel")

	_, err := env.mgr.ClickMenuItem(ctx, "p1", "go")
	require.NoError(t, err)

	select {
	case ev := <-keep:
		assert.Equal(t, "done", ev.Text)
	case <-time.After(waitFor):
		t.Fatal("remaining subscriber should still receive output")
	}
}

// silentHost acknowledges load and shutdown but swallows menu clicks,
// standing in for a host that stopped answering.
type silentHost struct {
	events chan wire.Event
	done   chan struct{}

	mu   sync.Mutex
	sent []wire.Command

	exitOnce sync.Once
	err      error
}

func newSilentHost() *silentHost {
	return &silentHost{
		events: make(chan wire.Event, 8),
		done:   make(chan struct{}),
	}
}

func (h *silentHost) Send(cmd wire.Command) error {
	h.mu.Lock()
	h.sent = append(h.sent, cmd)
	h.mu.Unlock()

	switch cmd.Type {
	case wire.CommandLoad:
		h.events <- wire.ReadyEvent()
	case wire.CommandShutdown:
		h.exit(nil)
	}
	return nil
}

func (h *silentHost) Events() <-chan wire.Event { return h.events }
func (h *silentHost) Done() <-chan struct{}     { return h.done }
func (h *silentHost) Err() error                { return h.err }
func (h *silentHost) PID() int                  { return 0 }
func (h *silentHost) Kill()                     { h.exit(errors.New("killed")) }

// crash simulates the process dying out from under the supervisor.
func (h *silentHost) crash(err error) { h.exit(err) }

func (h *silentHost) exit(err error) {
	h.exitOnce.Do(func() {
		h.err = err
		close(h.events)
		close(h.done)
	})
}

func (h *silentHost) clicks() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, cmd := range h.sent {
		if cmd.Type == wire.CommandMenuClick {
			n++
		}
	}
	return n
}

type silentLauncher struct {
	mu    sync.Mutex
	hosts []*silentHost
}

func (l *silentLauncher) Launch(ctx context.Context) (supervisor.Host, error) {
	h := newSilentHost()
	l.mu.Lock()
	l.hosts = append(l.hosts, h)
	l.mu.Unlock()
	return h, nil
}

func (l *silentLauncher) host(i int) *silentHost {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hosts[i]
}

// newSilentEnv builds a running manager whose host never answers clicks.
func newSilentEnv(t *testing.T, opts ...supervisor.Option) (*supervisor.Manager, *silentLauncher) {
	t.Helper()
	dir := t.TempDir()
	cat := testutil.NewCatalog(t)
	cat.Add("p1", "1.0.0", "Demo", testutil.SilentScript)
	launcher := &silentLauncher{}

	opts = append([]supervisor.Option{supervisor.WithStopGrace(300 * time.Millisecond)}, opts...)
	mgr := supervisor.NewManager(
		state.NewStore(filepath.Join(dir, "plugins.json")),
		bundle.NewStore(filepath.Join(dir, "bundles")),
		cat.Client(),
		launcher,
		opts...,
	)
	t.Cleanup(mgr.Close)

	ctx := context.Background()
	mgr.Init(ctx)
	_, err := mgr.SetEnabled(ctx, true)
	require.NoError(t, err)
	_, err = mgr.Install(ctx, supervisor.Selection{})
	require.NoError(t, err)
	require.True(t, mgr.Status().Running)
	return mgr, launcher
}

func TestClickTimeoutLeavesNoResidue(t *testing.T) {
	mgr, _ := newSilentEnv(t,
		supervisor.WithClickTimeout(80*time.Millisecond),
		supervisor.WithMaxPending(1))
	ctx := context.Background()

	start := time.Now()
	_, err := mgr.ClickMenuItem(ctx, "p1", "go")
	require.Error(t, err)
	assert.Equal(t, supervisor.CodeTimeout, supervisor.CodeOf(err))
	assert.Less(t, time.Since(start), time.Second)

	// With a pending cap of one, any leaked entry would surface as
	// TOO_MANY_PENDING here instead of a fresh timeout.
	_, err = mgr.ClickMenuItem(ctx, "p1", "go")
	assert.Equal(t, supervisor.CodeTimeout, supervisor.CodeOf(err))
}

func TestClickCapRejectsOversubscription(t *testing.T) {
	mgr, launcher := newSilentEnv(t,
		supervisor.WithClickTimeout(time.Second),
		supervisor.WithMaxPending(2))
	ctx := context.Background()

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := mgr.ClickMenuItem(ctx, "p1", "go")
			errs <- err
		}()
	}
	require.Eventually(t, func() bool {
		return launcher.host(0).clicks() == 2
	}, waitFor, tick, "both clicks should be in flight")

	_, err := mgr.ClickMenuItem(ctx, "p1", "go")
	assert.Equal(t, supervisor.CodeTooManyPending, supervisor.CodeOf(err))

	for i := 0; i < 2; i++ {
		assert.Equal(t, supervisor.CodeTimeout, supervisor.CodeOf(<-errs))
	}
}

func TestHostExitRejectsAllPending(t *testing.T) {
	mgr, launcher := newSilentEnv(t,
		supervisor.WithClickTimeout(5*time.Second),
		supervisor.WithMaxPending(8))
	ctx := context.Background()

	const inFlight = 5
	errs := make(chan error, inFlight)
	for i := 0; i < inFlight; i++ {
		go func() {
			_, err := mgr.ClickMenuItem(ctx, "p1", "go")
			errs <- err
		}()
	}
	require.Eventually(t, func() bool {
		return launcher.host(0).clicks() == inFlight
	}, waitFor, tick)

	launcher.host(0).crash(errors.New("segfault"))

	for i := 0; i < inFlight; i++ {
		assert.Equal(t, supervisor.CodeHostExited, supervisor.CodeOf(<-errs))
	}
	require.Eventually(t, func() bool {
		return !mgr.Status().Running
	}, waitFor, tick)
}

func TestClickGates(t *testing.T) {
	mgr, _ := newSilentEnv(t)
	ctx := context.Background()

	_, err := mgr.ClickMenuItem(ctx, "p9", "go")
	assert.Equal(t, supervisor.CodePluginMismatch, supervisor.CodeOf(err))

	_, err = mgr.SetEnabled(ctx, false)
	require.NoError(t, err)
	_, err = mgr.ClickMenuItem(ctx, "p1", "go")
	assert.Equal(t, supervisor.CodePluginNotRunning, supervisor.CodeOf(err))
}

func TestClickHonorsContextCancellation(t *testing.T) {
	mgr, _ := newSilentEnv(t, supervisor.WithClickTimeout(5*time.Second))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := mgr.ClickMenuItem(ctx, "p1", "go")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInterpreterDeadlineSettlesClickBeforeSupervisorTimeout(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	env.catalog.Add("p1", "1.0.0", "Spin", testutil.SpinHandlerScript)
	env.installEnabled(t, supervisor.Selection{})
	require.Eventually(t, func() bool {
		return len(env.mgr.MenuItems()) == 1
	}, waitFor, tick)

	start := time.Now()
	_, err := env.mgr.ClickMenuItem(ctx, "p1", "spin")
	require.Error(t, err)
	assert.Equal(t, string(wire.ClickFailed), supervisor.CodeOf(err),
		"the host's own deadline should answer, not the supervisor timeout")
	assert.Less(t, time.Since(start), supervisor.DefaultClickTimeout)
}
