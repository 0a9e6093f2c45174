// Package errs defines the structured error taxonomy of the bridge.
//
// Every failure surfaced by the library is a *BridgeError carrying a stable
// code, a sanitized message and a redacted context map. Consumers branch on
// the code, not on concrete types.
package errs

import (
	"errors"
	"fmt"
	"runtime"
	"time"
)

// Stable error codes. These are part of the public API.
const (
	CodeInvalidConfig      = "INVALID_CONFIG"
	CodeAuth               = "AUTH_ERROR"
	CodeRateLimit          = "RATE_LIMIT_ERROR"
	CodeValidation         = "VALIDATION_ERROR"
	CodeUnknownModel       = "UNKNOWN_MODEL"
	CodeProvider           = "PROVIDER_ERROR"
	CodeTransport          = "TRANSPORT_ERROR"
	CodeTimeout            = "TIMEOUT_ERROR"
	CodeStreaming          = "STREAMING_ERROR"
	CodeTool               = "TOOL_ERROR"
	CodeToolSystemDisabled = "TOOL_SYSTEM_DISABLED"
	CodeMultiTurn          = "MULTI_TURN_ERROR"
	CodeMaxIterations      = "MAX_ITERATIONS_EXCEEDED"
	CodeIterationTimeout   = "ITERATION_TIMEOUT"
)

// BridgeError is the single error value type of the taxonomy.
type BridgeError struct {
	Code    string
	Message string
	Context map[string]interface{}
	Err     error

	// RetryAfter is set for rate-limit errors when the provider supplied a
	// Retry-After hint.
	RetryAfter time.Duration

	timestamp time.Time
	stack     []string
}

func New(code, message string) *BridgeError {
	return newError(code, message, nil)
}

func Wrap(code, message string, err error) *BridgeError {
	return newError(code, message, err)
}

func newError(code, message string, err error) *BridgeError {
	return &BridgeError{
		Code:      code,
		Message:   SanitizeText(message),
		Context:   make(map[string]interface{}),
		Err:       err,
		timestamp: time.Now(),
		stack:     captureStack(3),
	}
}

// With attaches a context value. The value is sanitized on serialization,
// not on attachment.
func (e *BridgeError) With(key string, value interface{}) *BridgeError {
	e.Context[key] = value
	return e
}

func (e *BridgeError) WithRetryAfter(d time.Duration) *BridgeError {
	e.RetryAfter = d
	return e
}

func (e *BridgeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *BridgeError) Unwrap() error {
	return e.Err
}

func (e *BridgeError) Timestamp() time.Time {
	return e.timestamp
}

// Is matches two bridge errors by code, so errors.Is(err, errs.New(code, ""))
// style sentinels work without sharing pointers.
func (e *BridgeError) Is(target error) bool {
	var other *BridgeError
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// CodeOf extracts the taxonomy code from an error chain, or "" when the
// chain contains no BridgeError.
func CodeOf(err error) string {
	var be *BridgeError
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}

// IsCode reports whether the error chain carries the given code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}

// RetryAfterOf returns the retry hint from a rate-limit error, if any.
func RetryAfterOf(err error) (time.Duration, bool) {
	var be *BridgeError
	if errors.As(err, &be) && be.RetryAfter > 0 {
		return be.RetryAfter, true
	}
	return 0, false
}

func captureStack(skip int) []string {
	pcs := make([]uintptr, 16)
	n := runtime.Callers(skip, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	var out []string
	for {
		frame, more := frames.Next()
		out = append(out, fmt.Sprintf("%s (%s:%d)", frame.Function, frame.File, frame.Line))
		if !more {
			break
		}
	}
	return out
}
