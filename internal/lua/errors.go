package lua

import (
	"errors"
	"fmt"
	"strings"
)

// Error types
const (
	ErrTypeSyntax  = "syntax"
	ErrTypeRuntime = "runtime"
	ErrTypeAPI     = "api"
)

// LuaError represents detailed Lua execution errors
type LuaError struct {
	Type       string // "syntax", "runtime", "api"
	Message    string
	Line       int
	Source     string
	Underlying error
}

func (e *LuaError) Error() string {
	parts := []string{}
	if e.Source != "" {
		parts = append(parts, fmt.Sprintf("in %s", e.Source))
	}
	if e.Line > 0 {
		parts = append(parts, fmt.Sprintf("line %d", e.Line))
	}

	prefix := "Lua error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("Lua %s error (%s)", e.Type, strings.Join(parts, ", "))
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *LuaError) Unwrap() error {
	return e.Underlying
}

// Is matches another LuaError of the same Type
func (e *LuaError) Is(target error) bool {
	if target == nil {
		return false
	}
	var luaErr *LuaError
	if errors.As(target, &luaErr) {
		return e.Type == luaErr.Type
	}
	return false
}

// parseLuaMessage splits "chunk:LINE: message" into its line and message
func parseLuaMessage(errType, source, msg string) *LuaError {
	line := 0
	message := strings.TrimSpace(msg)
	if parts := strings.SplitN(msg, ":", 3); len(parts) == 3 {
		if n, err := fmt.Sscanf(strings.TrimSpace(parts[1]), "%d", &line); err == nil && n == 1 {
			message = strings.TrimSpace(parts[2])
		} else {
			line = 0
		}
	}
	// golua appends a traceback to runtime errors
	if i := strings.Index(message, "\nstack traceback:"); i >= 0 {
		message = strings.TrimSpace(message[:i])
	}
	return &LuaError{Type: errType, Message: message, Line: line, Source: source}
}
