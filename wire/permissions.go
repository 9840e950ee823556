package wire

import (
	"bytes"
	"encoding/json"
)

// ValidPermissions reports whether raw is a usable permission declaration:
// a non-empty JSON object or array. A plugin without one never runs; both
// the supervisor and the host enforce this independently, so a compromised
// peer cannot smuggle an undeclared plugin past the other side.
func ValidPermissions(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return false
	}
	return trimmed[0] == '{' || trimmed[0] == '['
}
