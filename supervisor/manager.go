// Package supervisor is the plugin manager: it owns the persisted runtime
// state, decides when a plugin host may run, spawns and stops the host
// process, dispatches menu clicks into it, and fans plugin output out to
// the embedding application.
//
// Execution is gated three ways: the user's local enable switch, a remote
// kill switch, and the presence of an installed plugin. A host runs only
// while all three hold. A crashed host is never restarted automatically;
// recovery is an explicit SetEnabled or Install.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/amiko-app/plugin-runtime/bundle"
	"github.com/amiko-app/plugin-runtime/state"
	"github.com/amiko-app/plugin-runtime/wire"
)

// Manager supervises at most one plugin host at a time. All methods are
// safe for concurrent use.
type Manager struct {
	log      *slog.Logger
	store    *state.Store
	bundles  *bundle.Store
	cat      CatalogClient
	launcher Launcher
	cfg      config

	// opMu serializes the mutating operations: Init, SetEnabled,
	// SetRemoteEnabled, Install, and Close. Install in particular is one
	// critical section from gate check to state write; two installs can
	// never interleave.
	opMu sync.Mutex

	// mu guards the fields below. It is shared with the host pump
	// goroutine and is never held across I/O, process waits, or blocking
	// sends.
	mu       sync.Mutex
	st       state.RuntimeState
	remoteOK bool
	lastErr  string
	host     *hostHandle
	menu     []wire.MenuItem
	pending  map[string]*pendingClick
	subs     map[uint64]chan OutputEvent
	nextSub  uint64
	closed   bool
}

// NewManager wires a Manager from its collaborators. Call Init to load
// persisted state and bring up the host.
func NewManager(store *state.Store, bundles *bundle.Store, catalog CatalogClient, launcher Launcher, opts ...Option) *Manager {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Manager{
		log:      cfg.logger.With("component", "supervisor"),
		store:    store,
		bundles:  bundles,
		cat:      catalog,
		launcher: launcher,
		cfg:      cfg,
		remoteOK: cfg.remoteEnabled,
		pending:  make(map[string]*pendingClick),
		subs:     make(map[uint64]chan OutputEvent),
	}
}

// Init loads persisted state and brings the host in line with it. State
// that cannot be read falls back to defaults; initialization never wedges
// application startup.
func (m *Manager) Init(ctx context.Context) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	st, err := m.store.Load()
	if err != nil {
		m.log.Warn("loading plugin state failed, starting from defaults", "error", err)
	}
	m.mu.Lock()
	m.st = st
	m.mu.Unlock()
	m.log.Info("plugin state loaded", "enabled", st.Enabled, "installed", st.Installed != nil)

	m.apply(ctx)
}

// SetEnabled flips the local enable switch, persists it, and reapplies the
// effective state. Setting the current value is a no-op: no write, no host
// restart. Enabling clears the last recorded error.
func (m *Manager) SetEnabled(ctx context.Context, enabled bool) (Status, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.st.Enabled == enabled {
		st := m.statusLocked()
		m.mu.Unlock()
		return st, nil
	}
	next := m.st
	next.Enabled = enabled
	m.mu.Unlock()

	if err := m.store.Save(next); err != nil {
		return m.Status(), fmt.Errorf("persist plugin state: %w", err)
	}

	m.mu.Lock()
	m.st = next
	if enabled {
		m.lastErr = ""
	}
	m.mu.Unlock()
	m.log.Info("plugin execution switch changed", "enabled", enabled)

	m.apply(ctx)
	return m.Status(), nil
}

// SetRemoteEnabled feeds the remote kill switch. The value is not
// persisted; the embedding application re-feeds it from its feature flags
// after each restart. Unchanged values are a no-op.
func (m *Manager) SetRemoteEnabled(ctx context.Context, enabled bool) Status {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.remoteOK == enabled {
		st := m.statusLocked()
		m.mu.Unlock()
		return st
	}
	m.remoteOK = enabled
	m.mu.Unlock()
	m.log.Info("remote plugin gate changed", "allowed", enabled)

	m.apply(ctx)
	return m.Status()
}

// apply reconciles the host with the effective runtime state: a host runs
// iff the local switch, the remote gate, and an installed plugin all hold.
// Callers hold opMu.
func (m *Manager) apply(ctx context.Context) {
	m.mu.Lock()
	allowed := m.executionAllowedLocked()
	running := m.host != nil
	m.mu.Unlock()

	switch {
	case allowed && !running:
		if err := m.startHost(ctx); err != nil {
			m.log.Error("starting plugin host failed", "error", err)
		}
	case !allowed && running:
		m.stopHost(newError(CodeHostStopped, "plugin execution disabled"))
	}
}

func (m *Manager) executionAllowedLocked() bool {
	return !m.closed && m.st.Enabled && m.remoteOK && m.st.Installed != nil
}

// startHost launches a host for the installed plugin and hands it the load
// command. Failures land in LastError; the caller decides how loudly to
// report them. Callers hold opMu.
func (m *Manager) startHost(ctx context.Context) error {
	m.mu.Lock()
	ref := m.st.Installed
	m.mu.Unlock()
	if ref == nil {
		return newError(CodePluginNotRunning, "no plugin installed")
	}
	if !wire.ValidPermissions(ref.Permissions) {
		err := newError(CodePermissionsInvalid, "plugin %s declares no permissions", ref.ID)
		m.setLastError(err)
		return err
	}

	host, err := m.launcher.Launch(ctx)
	if err != nil {
		serr := wrapError(CodeSpawnFailed, err, "spawn plugin host")
		m.setLastError(serr)
		return serr
	}

	h := &hostHandle{host: host, pluginID: ref.ID, reaped: make(chan struct{})}
	m.mu.Lock()
	m.host = h
	m.menu = nil
	m.mu.Unlock()
	go m.pump(h)

	load := wire.Command{
		Type:        wire.CommandLoad,
		PluginID:    ref.ID,
		Version:     ref.Version,
		EntryPath:   m.bundles.EntryPath(ref.ID, ref.Version),
		Permissions: ref.Permissions,
	}
	if m.cfg.limits != (wire.Limits{}) {
		limits := m.cfg.limits
		load.Limits = &limits
	}
	if err := host.Send(load); err != nil {
		serr := wrapError(CodeSendFailed, err, "deliver load command")
		m.setLastError(serr)
		m.stopHost(serr)
		return serr
	}
	m.log.Info("plugin host started", "plugin", ref.ID, "version", ref.Version, "pid", host.PID())
	return nil
}

// stopHost detaches and terminates the live host, if any, settling its
// in-flight clicks with reason. New clicks fail PLUGIN_NOT_RUNNING the
// moment the handle is detached. Callers hold opMu.
func (m *Manager) stopHost(reason *Error) {
	m.mu.Lock()
	h := m.host
	m.host = nil
	m.menu = nil
	pend := m.detachPendingLocked()
	m.mu.Unlock()

	rejectPending(pend, reason)
	if h == nil {
		return
	}

	// Ask politely, then force. The pump closes reaped once the host is
	// fully gone.
	if err := h.host.Send(wire.Command{Type: wire.CommandShutdown}); err != nil {
		m.log.Debug("shutdown delivery failed, killing host", "plugin", h.pluginID, "error", err)
		h.host.Kill()
	}
	select {
	case <-h.reaped:
	case <-time.After(m.cfg.stopGrace):
		m.log.Warn("plugin host ignored shutdown, killing it", "plugin", h.pluginID)
		h.host.Kill()
		<-h.reaped
	}
	m.log.Info("plugin host stopped", "plugin", h.pluginID, "reason", reason.Message)
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = err.Error()
	m.mu.Unlock()
}

// Status reports a snapshot of the subsystem. Host memory is sampled from
// the live process and is best-effort; a failed sample leaves the field
// zero.
func (m *Manager) Status() Status {
	m.mu.Lock()
	st := m.statusLocked()
	m.mu.Unlock()

	if st.HostPID > 0 {
		if rss, err := hostRSS(st.HostPID); err == nil {
			st.HostMemoryBytes = rss
		}
	}
	return st
}

func (m *Manager) statusLocked() Status {
	st := Status{
		Enabled:   m.st.Enabled,
		Running:   m.host != nil,
		LastError: m.lastErr,
		MenuItems: make([]wire.MenuItem, len(m.menu)),
	}
	copy(st.MenuItems, m.menu)
	if m.st.Installed != nil {
		ref := *m.st.Installed
		st.Installed = &ref
	}
	if m.host != nil {
		st.HostPID = m.host.host.PID()
	}
	return st
}

// MenuItems returns the menu items currently registered by the running
// plugin. Empty whenever no host runs.
func (m *Manager) MenuItems() []wire.MenuItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]wire.MenuItem, len(m.menu))
	copy(items, m.menu)
	return items
}

// Subscribe registers a plugin output listener. The channel is buffered;
// subscribers that fall behind lose events rather than stalling the host
// pump. The returned func unsubscribes and closes the channel.
func (m *Manager) Subscribe() (<-chan OutputEvent, func()) {
	ch := make(chan OutputEvent, subscriberBuffer)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub)
		}
	}
}

// Close shuts the subsystem down for application exit: stops any host,
// rejects in-flight clicks, and closes all subscriber channels. The
// manager is unusable afterwards.
func (m *Manager) Close() {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.stopHost(newError(CodeHostStopped, "plugin subsystem closing"))

	m.mu.Lock()
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
	m.mu.Unlock()
	m.log.Info("plugin manager closed")
}

func hostRSS(pid int) (uint64, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, err
	}
	info, err := proc.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return info.RSS, nil
}
