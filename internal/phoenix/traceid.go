package phoenix

import "strings"

// traceIDLen is the hex length of a W3C trace id.
const traceIDLen = 32

// NormalizeTraceID trims whitespace and restores a leading zero that some
// kickoff paths drop when the id is formatted as an integer.
func NormalizeTraceID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	if len(id) == traceIDLen-1 {
		id = "0" + id
	}
	return id
}
