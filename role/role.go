// Package role defines the request roles and the fallback order in which
// they are attempted.
package role

import (
	"strings"

	"go.uber.org/zap"
)

// Role is a named intent mapped to a backend and model by configuration.
type Role string

const (
	Main     Role = "main"
	Research Role = "research"
	Fallback Role = "fallback"
)

// All lists the known roles in their default order.
func All() []Role {
	return []Role{Main, Fallback, Research}
}

// Parse normalizes s and reports whether it names a known role.
func Parse(s string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	switch r {
	case Main, Research, Fallback:
		return r, true
	}
	return r, false
}

// String returns the role name.
func (r Role) String() string {
	return string(r)
}

// Sequence returns the ordered roles to attempt for a request made with the
// given role. Each known role appears exactly once. Unknown roles log a
// warning and fall back to the main-first order.
func Sequence(requested Role, logger *zap.Logger) []Role {
	switch requested {
	case Main:
		return []Role{Main, Fallback, Research}
	case Research:
		return []Role{Research, Fallback, Main}
	case Fallback:
		return []Role{Fallback, Main, Research}
	default:
		if logger != nil {
			logger.Warn("unknown initial role, defaulting to main sequence",
				zap.String("role", string(requested)))
		}
		return []Role{Main, Fallback, Research}
	}
}
