package lang

import (
	"strconv"
	"strings"
)

// CoerceScalar normalizes an externally supplied value the way override and
// sweep inputs are interpreted: boolean words become bools, numeric strings
// become ints when they round-trip and floats otherwise. Non-strings pass
// through untouched.
func CoerceScalar(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true":
		return true
	case "false":
		return false
	}
	trimmed := strings.TrimSpace(s)
	if n, err := strconv.Atoi(trimmed); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return f
	}
	return v
}
