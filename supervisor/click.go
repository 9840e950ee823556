package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/amiko-app/plugin-runtime/wire"
)

// pendingClick is one in-flight menu click. It lives in Manager.pending
// from dispatch until exactly one settlement: host result, supervisor
// timeout, send failure, host death, or caller cancellation.
type pendingClick struct {
	requestID string
	timer     *time.Timer
	done      chan clickOutcome // buffered; carries the single settlement
}

type clickOutcome struct {
	ok  bool
	err error
}

// ClickMenuItem dispatches a menu click into the running host and blocks
// until the host answers, the supervisor deadline passes, or ctx is
// canceled. Results match by request id, so out-of-order settlement is
// fine. Every path removes the pending entry and stops its timer; nothing
// outlives the call.
func (m *Manager) ClickMenuItem(ctx context.Context, pluginID, menuID string) (ClickResult, error) {
	m.mu.Lock()
	if !m.executionAllowedLocked() || m.host == nil {
		m.mu.Unlock()
		return ClickResult{}, newError(CodePluginNotRunning, "no plugin host is running")
	}
	if m.st.Installed.ID != pluginID {
		installed := m.st.Installed.ID
		m.mu.Unlock()
		return ClickResult{}, newError(CodePluginMismatch, "installed plugin is %s, not %s", installed, pluginID)
	}
	if len(m.pending) >= m.cfg.maxPending {
		m.mu.Unlock()
		return ClickResult{}, newError(CodeTooManyPending, "%d menu clicks already in flight", m.cfg.maxPending)
	}
	h := m.host
	p := &pendingClick{
		requestID: uuid.NewString(),
		done:      make(chan clickOutcome, 1),
	}
	p.timer = time.AfterFunc(m.cfg.clickTimeout, func() {
		m.settlePending(p.requestID, clickOutcome{
			err: newError(CodeTimeout, "no menu click result within %s", m.cfg.clickTimeout),
		})
	})
	m.pending[p.requestID] = p
	m.mu.Unlock()

	err := h.host.Send(wire.Command{
		Type:      wire.CommandMenuClick,
		PluginID:  pluginID,
		MenuID:    menuID,
		RequestID: p.requestID,
	})
	if err != nil {
		m.settlePending(p.requestID, clickOutcome{err: wrapError(CodeSendFailed, err, "deliver menu click")})
	}

	select {
	case out := <-p.done:
		return clickResult(out)
	case <-ctx.Done():
		if m.settlePending(p.requestID, clickOutcome{err: ctx.Err()}) {
			return ClickResult{}, fmt.Errorf("menu click canceled: %w", ctx.Err())
		}
		// Lost the race: something settled first; honor that outcome.
		return clickResult(<-p.done)
	}
}

func clickResult(out clickOutcome) (ClickResult, error) {
	if out.err != nil {
		return ClickResult{}, out.err
	}
	return ClickResult{OK: out.ok}, nil
}

// settlePending removes the entry, stops its timer, and delivers the
// outcome. The first settlement wins; later attempts report false and
// change nothing.
func (m *Manager) settlePending(requestID string, out clickOutcome) bool {
	m.mu.Lock()
	p, ok := m.pending[requestID]
	if ok {
		delete(m.pending, requestID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	p.timer.Stop()
	p.done <- out
	return true
}

// settleClickResult maps a host result event onto its pending entry.
// Unknown or already-settled request ids are dropped silently; a slow host
// answering after the timeout is normal, not an error.
func (m *Manager) settleClickResult(ev wire.Event) {
	out := clickOutcome{ok: ev.OK}
	if !ev.OK {
		cerr := ev.Error
		if cerr == nil {
			cerr = &wire.ClickError{Code: wire.ClickFailed, Message: "menu click failed"}
		}
		out.err = &Error{Code: string(cerr.Code), Message: cerr.Message, Err: cerr}
	}
	if !m.settlePending(ev.RequestID, out) {
		m.log.Debug("dropping unmatched menu click result", "request_id", ev.RequestID)
	}
}

// detachPendingLocked empties the pending table. Callers hold mu, then
// reject the returned entries after releasing it.
func (m *Manager) detachPendingLocked() []*pendingClick {
	if len(m.pending) == 0 {
		return nil
	}
	out := make([]*pendingClick, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, p)
	}
	m.pending = make(map[string]*pendingClick)
	return out
}

func rejectPending(pend []*pendingClick, reason *Error) {
	for _, p := range pend {
		p.timer.Stop()
		p.done <- clickOutcome{err: reason}
	}
}
