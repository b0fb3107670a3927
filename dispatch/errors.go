package dispatch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/richinex/rolecall/llm"
	"github.com/richinex/rolecall/role"
)

// ErrNoRoles is returned when no role in the sequence could be attempted.
var ErrNoRoles = errors.New("no AI roles could be used")

// CapabilityError reports that a model cannot produce the structured output
// an object request needs. It ends the whole role sequence.
type CapabilityError struct {
	Role      role.Role
	BackendID string
	ModelID   string
	Message   string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("model %q via %s does not support the structured output (tool use) this request needs: %s. "+
		"Configure a model with tool use support for the %s role",
		e.ModelID, e.BackendID, e.Message, e.Role)
}

// capabilityMarkers identify vendor errors for missing tool use support.
var capabilityMarkers = []string{
	"does not support tool_use",
	"tool use is not supported",
	"tools are not supported",
	"function calling is not supported",
	"no endpoints found that support tool use",
}

func isCapabilityMismatch(msg string) bool {
	lower := strings.ToLower(msg)
	for _, m := range capabilityMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// CleanMessage returns a message fit for the caller: the vendor's own message
// when the error carries one, otherwise the error text.
func CleanMessage(err error) string {
	if err == nil {
		return ""
	}

	var statusErr *llm.StatusError
	if errors.As(err, &statusErr) && statusErr.Message != "" {
		return statusErr.Message
	}

	msg := err.Error()
	if i := strings.IndexByte(msg, '{'); i >= 0 {
		body := msg[i:]
		if gjson.Valid(body) {
			if m := gjson.Get(body, "error.message"); m.Exists() && m.String() != "" {
				return m.String()
			}
		}
	}
	return msg
}
