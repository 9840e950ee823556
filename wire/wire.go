// Package wire defines the JSON message contract between the plugin
// supervisor and the sandboxed plugin host process.
//
// Messages travel as newline-delimited JSON over the host's standard
// streams: commands on stdin, events on stdout. These structures form the
// contract between two separately-shipped processes and must remain
// stable; renaming or retyping a field is a breaking protocol change.
package wire

import (
	"encoding/json"
	"fmt"
)

// CommandType identifies a supervisor-to-host instruction.
type CommandType string

const (
	// CommandLoad delivers the plugin to the host. A host accepts exactly
	// one load per lifetime; later load commands are ignored.
	CommandLoad CommandType = "load"

	// CommandMenuClick dispatches a menu activation into the plugin.
	CommandMenuClick CommandType = "menu:click"

	// CommandShutdown asks the host to dispose the interpreter and exit.
	CommandShutdown CommandType = "shutdown"
)

// Command is a single supervisor-to-host message.
type Command struct {
	Type CommandType `json:"type"`

	// Load fields.
	PluginID    string          `json:"pluginId,omitempty"`
	Version     string          `json:"version,omitempty"`
	EntryPath   string          `json:"entryPath,omitempty"`
	Permissions json.RawMessage `json:"permissions,omitempty"`
	Limits      *Limits         `json:"limits,omitempty"`

	// Menu click fields. PluginID is shared with load and must match the
	// loaded plugin.
	MenuID    string `json:"id,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// EventType identifies a host-to-supervisor message.
type EventType string

const (
	// EventReady reports a successful load; the plugin's top-level code has
	// finished evaluating.
	EventReady EventType = "ready"

	// EventError reports a fatal host-side failure (unreadable entry file,
	// missing permission declaration, interpreter setup or top-level
	// evaluation failure). The host exits after emitting it.
	EventError EventType = "error"

	// EventMenuAdd announces a menu item registered by the plugin.
	EventMenuAdd EventType = "menu:add"

	// EventSay carries speech text produced by the plugin.
	EventSay EventType = "say"

	// EventSuggestion carries a suggestion chip produced by the plugin.
	EventSuggestion EventType = "suggestion"

	// EventMenuClickResult settles a menu:click command. Every accepted
	// click command yields exactly one result.
	EventMenuClickResult EventType = "menu:click:result"
)

// MenuItem is one plugin-registered menu entry. At most MaxMenuItems are
// live per plugin; the set is cleared whenever the host restarts.
type MenuItem struct {
	PluginID string `json:"pluginId"`
	ID       string `json:"id"`
	Label    string `json:"label"`
}

// Event is a single host-to-supervisor message.
type Event struct {
	Type EventType `json:"type"`

	Message  string    `json:"message,omitempty"`  // error
	PluginID string    `json:"pluginId,omitempty"` // say, suggestion
	Text     string    `json:"text,omitempty"`     // say, suggestion
	Item     *MenuItem `json:"item,omitempty"`     // menu:add

	// Menu click result fields.
	RequestID string      `json:"requestId,omitempty"`
	OK        bool        `json:"ok,omitempty"`
	Error     *ClickError `json:"error,omitempty"`
}

// ClickFailureCode classifies why a dispatched menu click could not run.
type ClickFailureCode string

const (
	// ClickNotLoaded: the host has no loaded plugin.
	ClickNotLoaded ClickFailureCode = "NOT_LOADED"
	// ClickPluginMismatch: the click names a plugin other than the loaded one.
	ClickPluginMismatch ClickFailureCode = "PLUGIN_MISMATCH"
	// ClickInvalidMenuID: the menu id was never registered via addMenuItem.
	ClickInvalidMenuID ClickFailureCode = "INVALID_MENU_ID"
	// ClickNoHandler: the item exists but no onMenuClick handler is bound.
	ClickNoHandler ClickFailureCode = "NO_HANDLER"
	// ClickFailed: the handler threw or hit a resource ceiling.
	ClickFailed ClickFailureCode = "MENU_CLICK_FAILED"
)

// ClickError is the failure payload of a menu:click:result event.
type ClickError struct {
	Code    ClickFailureCode `json:"code"`
	Message string           `json:"message,omitempty"`
}

func (e *ClickError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Limits carries the interpreter resource ceilings for one plugin load.
// Zero fields leave the host's defaults in place, so the supervisor only
// has to populate what it overrides.
type Limits struct {
	LoadTimeoutMS    int64 `json:"loadTimeoutMs,omitempty"`
	ClickTimeoutMS   int64 `json:"clickTimeoutMs,omitempty"`
	MemoryLimitBytes int64 `json:"memoryLimitBytes,omitempty"`
	MaxCallDepth     int   `json:"maxCallDepth,omitempty"`
}

// ReadyEvent reports a completed load.
func ReadyEvent() Event {
	return Event{Type: EventReady}
}

// ErrorEvent reports a fatal host failure.
func ErrorEvent(message string) Event {
	return Event{Type: EventError, Message: message}
}

// SayEvent carries clipped speech text.
func SayEvent(pluginID, text string) Event {
	return Event{Type: EventSay, PluginID: pluginID, Text: text}
}

// SuggestionEvent carries clipped suggestion text.
func SuggestionEvent(pluginID, text string) Event {
	return Event{Type: EventSuggestion, PluginID: pluginID, Text: text}
}

// MenuAddEvent announces a registered menu item.
func MenuAddEvent(item MenuItem) Event {
	return Event{Type: EventMenuAdd, PluginID: item.PluginID, Item: &item}
}

// ClickResultOK settles a click as succeeded.
func ClickResultOK(requestID string) Event {
	return Event{Type: EventMenuClickResult, RequestID: requestID, OK: true}
}

// ClickResultError settles a click as failed.
func ClickResultError(requestID string, cerr *ClickError) Event {
	return Event{Type: EventMenuClickResult, RequestID: requestID, Error: cerr}
}
