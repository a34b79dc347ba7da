// Package ekerr defines the typed error taxonomy shared by every
// engine-lifecycle component. RequestHandler is the single funnel that
// maps a Code to an HTTP status and an OpenAI-shaped error body.
package ekerr

import (
	"errors"
	"fmt"
)

// Code classifies an error for the purpose of HTTP status mapping.
type Code string

const (
	// CodeNotFound — the configured engine binary does not exist.
	CodeNotFound Code = "NOT_FOUND"
	// CodeAlreadyRunning — EngineProcess.Start called on a running handle.
	CodeAlreadyRunning Code = "ALREADY_RUNNING"
	// CodeSpawnFailed — the OS refused to spawn the subprocess.
	CodeSpawnFailed Code = "SPAWN_FAILED"
	// CodeUnsupportedEngine — model.engine_kind has no recognized client.
	CodeUnsupportedEngine Code = "UNSUPPORTED_ENGINE"
	// CodeNoSuitableVariant — no variant's context is big enough for the request.
	CodeNoSuitableVariant Code = "NO_SUITABLE_VARIANT"
	// CodeEngineNotReady — readiness poll exceeded engine_startup_timeout.
	CodeEngineNotReady Code = "ENGINE_NOT_READY"
	// CodeManagerShutdown — ensure_engine called after shutdown().
	CodeManagerShutdown Code = "MANAGER_SHUTDOWN"
	// CodeClient — malformed body, missing/unknown model, etc. (maps to 400).
	CodeClient Code = "CLIENT_ERROR"
	// CodeUpstream — engine transport/start/readiness failure (maps to 502).
	CodeUpstream Code = "UPSTREAM_ERROR"
	// CodeInternal — anything else (maps to 500).
	CodeInternal Code = "INTERNAL_ERROR"
)

// EngineError is the typed failure every component below RequestHandler
// returns instead of a bare error. RequestHandler is the only place that
// inspects Code.
type EngineError struct {
	Code    Code
	Message string
	Err     error
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error { return e.Err }

func New(code Code, message string) *EngineError {
	return &EngineError{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *EngineError {
	return &EngineError{Code: code, Message: message, Err: cause}
}

// Is reports whether err carries the given Code, unwrapping as needed.
func Is(err error, code Code) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	return false
}

// CodeOf extracts the Code of err, defaulting to CodeInternal for untyped errors.
func CodeOf(err error) Code {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return CodeInternal
}
