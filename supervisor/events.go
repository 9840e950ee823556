package supervisor

import (
	"time"

	"github.com/amiko-app/plugin-runtime/wire"
)

// hostHandle tracks one live host. Exactly one exists at a time; it is
// created by startHost and detached by stopHost or by the pump's exit
// handling, whichever runs first.
type hostHandle struct {
	host     Host
	pluginID string

	// reaped is closed by the pump after exit handling has run, so a
	// deliberate stop can wait until the host is fully gone.
	reaped chan struct{}
}

// pump is the single reader of a host's event stream. It runs until the
// stream ends, then classifies the host's fate.
func (m *Manager) pump(h *hostHandle) {
	defer close(h.reaped)

	for ev := range h.host.Events() {
		m.handleEvent(h, ev)
	}

	// The event stream is gone. A terminating host exits right behind it;
	// one that keeps running without its stream is unusable and gets
	// killed.
	var cause *Error
	select {
	case <-h.host.Done():
		cause = wrapError(CodeHostExited, h.host.Err(), "plugin host exited")
	case <-time.After(m.cfg.stopGrace):
		h.host.Kill()
		<-h.host.Done()
		cause = newError(CodeHostError, "plugin host lost its event stream")
	}
	m.hostExited(h, cause)
}

// hostExited finalizes a terminated host. If the handle was already
// detached by a deliberate stop this is a no-op; otherwise the exit is
// unexpected, in-flight clicks are rejected, and no restart happens —
// recovery is an explicit SetEnabled or Install.
func (m *Manager) hostExited(h *hostHandle, cause *Error) {
	m.mu.Lock()
	if m.host != h {
		m.mu.Unlock()
		return
	}
	m.host = nil
	m.menu = nil
	pend := m.detachPendingLocked()
	if cause.Code == CodeHostError {
		m.lastErr = cause.Error()
	}
	m.mu.Unlock()

	rejectPending(pend, cause)
	m.log.Warn("plugin host exited unexpectedly",
		"plugin", h.pluginID, "error", cause, "rejected_clicks", len(pend))
}

func (m *Manager) handleEvent(h *hostHandle, ev wire.Event) {
	switch ev.Type {
	case wire.EventReady:
		m.log.Info("plugin host ready", "plugin", h.pluginID)
	case wire.EventError:
		// The host exits on its own after a fatal error; the pump sees the
		// exit out. Only the report lands here.
		m.mu.Lock()
		m.lastErr = ev.Message
		m.mu.Unlock()
		m.log.Warn("plugin host reported an error", "plugin", h.pluginID, "message", ev.Message)
	case wire.EventMenuAdd:
		m.addMenuItem(h, ev.Item)
	case wire.EventSay:
		m.broadcast(h, OutputSay, ev.Text)
	case wire.EventSuggestion:
		m.broadcast(h, OutputSuggestion, ev.Text)
	case wire.EventMenuClickResult:
		m.settleClickResult(ev)
	default:
		m.log.Debug("ignoring unknown host event", "type", string(ev.Type))
	}
}

// addMenuItem re-enforces the clipping rules and the item cap. The host
// already applied both, but it is not trusted to have. Re-registering an
// existing id replaces it in place.
func (m *Manager) addMenuItem(h *hostHandle, raw *wire.MenuItem) {
	if raw == nil {
		return
	}
	item, ok := wire.ClipMenuItem(*raw)
	if !ok {
		return
	}
	if item.PluginID != h.pluginID {
		m.log.Warn("dropping menu item for wrong plugin", "expected", h.pluginID, "got", item.PluginID)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.host != h {
		return
	}
	for i := range m.menu {
		if m.menu[i].ID == item.ID {
			m.menu[i] = item
			return
		}
	}
	if len(m.menu) >= wire.MaxMenuItems {
		m.log.Warn("menu item cap reached, dropping item", "plugin", h.pluginID, "id", item.ID)
		return
	}
	m.menu = append(m.menu, item)
}

// broadcast re-clips plugin output and fans it out to subscribers.
// Delivery is lossy per subscriber; sends are non-blocking, so holding mu
// across them is bounded and keeps sends ordered against unsubscribe.
func (m *Manager) broadcast(h *hostHandle, typ OutputType, text string) {
	text = wire.ClipSpeech(text)
	if text == "" {
		return
	}
	out := OutputEvent{Type: typ, PluginID: h.pluginID, Text: text}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.host != h {
		return
	}
	for _, ch := range m.subs {
		select {
		case ch <- out:
		default:
			m.log.Debug("dropping output event for slow subscriber", "type", string(typ))
		}
	}
}
