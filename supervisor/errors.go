package supervisor

import (
	"errors"
	"fmt"
)

// Stable failure codes surfaced to the embedding application. UI layers
// switch on these; message text is free to change, codes are not.
const (
	// CodeNoApprovedPlugins: the catalog has no entry matching the
	// installation request.
	CodeNoApprovedPlugins = "NO_APPROVED_PLUGINS"

	// CodeHashMismatch: a downloaded bundle failed digest verification and
	// was discarded.
	CodeHashMismatch = "SHA256_MISMATCH"

	// CodePermissionsInvalid: the installed plugin has no usable permission
	// declaration, so a host will not be started for it.
	CodePermissionsInvalid = "PLUGIN_PERMISSIONS_INVALID"

	// CodePluginNotRunning: an operation needed a live plugin host and
	// there is none.
	CodePluginNotRunning = "PLUGIN_NOT_RUNNING"

	// CodePluginMismatch: the request named a plugin other than the one
	// installed.
	CodePluginMismatch = "PLUGIN_MISMATCH"

	// CodeTooManyPending: the in-flight menu click ceiling was hit.
	CodeTooManyPending = "TOO_MANY_PENDING"

	// CodeTimeout: the host accepted a menu click but never answered
	// within the supervisor's deadline.
	CodeTimeout = "TIMEOUT"

	// CodeSendFailed: a command could not be written to the host process.
	CodeSendFailed = "PLUGIN_HOST_SEND_FAILED"

	// CodeSpawnFailed: the host process could not be started at all.
	CodeSpawnFailed = "PLUGIN_HOST_SPAWN_FAILED"

	// CodeHostStopped: the supervisor tore the host down on purpose
	// (disable, reinstall, shutdown) while the request was in flight.
	CodeHostStopped = "PLUGIN_HOST_STOPPED"

	// CodeHostExited: the host process died unexpectedly.
	CodeHostExited = "PLUGIN_HOST_EXITED"

	// CodeHostError: the host process is unusable without having exited
	// cleanly, for example after its event stream broke.
	CodeHostError = "PLUGIN_HOST_ERROR"
)

// Error is a supervisor failure with a stable machine-readable code.
// Click results relayed from a plugin host reuse the host's own failure
// code (NOT_LOADED, NO_HANDLER, ...) so callers see one flat code space.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf returns the supervisor code carried by err, or "" if err has
// none in its chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func newError(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func wrapError(code string, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}
