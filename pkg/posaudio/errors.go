package posaudio

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Error codes as constants
const (
	ErrCodeConfigParse     = "CONFIG_PARSE_ERROR"
	ErrCodeNoChannelConfig = "NO_CHANNEL_CONFIG"
	ErrCodeRemoteFetch     = "REMOTE_FETCH_ERROR"
	ErrCodeRemoteParse     = "REMOTE_PARSE_ERROR"
	ErrCodeHostAccessor    = "HOST_ACCESSOR_ERROR"
	ErrCodeBridge          = "BRIDGE_ERROR"
	ErrCodeAuthFailed      = "AUTH_FAILED"
	ErrCodeConfigInvalid   = "CONFIG_INVALID"
	ErrCodeTickInFlight    = "TICK_IN_FLIGHT"
	ErrCodeUnknown         = "UNKNOWN_ERROR"
)

// Sentinels for errors.Is. Matching is by code, so any *Error carrying the
// same code satisfies errors.Is(err, ErrRemoteFetch).
var (
	ErrConfigParse     = &Error{Code: ErrCodeConfigParse}
	ErrNoChannelConfig = &Error{Code: ErrCodeNoChannelConfig}
	ErrRemoteFetch     = &Error{Code: ErrCodeRemoteFetch}
	ErrRemoteParse     = &Error{Code: ErrCodeRemoteParse}
	ErrHostAccessor    = &Error{Code: ErrCodeHostAccessor}
	ErrBridge          = &Error{Code: ErrCodeBridge}
	ErrAuthFailed      = &Error{Code: ErrCodeAuthFailed}
	ErrTickInFlight    = &Error{Code: ErrCodeTickInFlight}
)

// Error is the coded error used throughout the engine.
type Error struct {
	Message   string
	Code      string
	Op        string
	Timestamp time.Time
	Details   map[string]interface{}
	err       error
}

func NewError(message, code string) *Error {
	return &Error{
		Message:   message,
		Code:      code,
		Timestamp: time.Now(),
	}
}

func (e *Error) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Message)
	if e.err != nil && e.err.Error() != e.Message {
		sb.WriteString(": ")
		sb.WriteString(e.err.Error())
	}
	sb.WriteString(" (")
	sb.WriteString(e.Code)
	sb.WriteString(")")
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString(" [")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(" ")
			}
			sb.WriteString(fmt.Sprintf("%s=%v", k, e.Details[k]))
		}
		sb.WriteString("]")
	}
	return sb.String()
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.err
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithOp records the operation that failed.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// WithCause attaches the underlying error.
func (e *Error) WithCause(err error) *Error {
	e.err = err
	return e
}

// AddDetail adds a detail to the error
func (e *Error) AddDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// GetDetail gets a detail from the error
func (e *Error) GetDetail(key string) (interface{}, bool) {
	if e.Details == nil {
		return nil, false
	}
	value, exists := e.Details[key]
	return value, exists
}

// Specific error creators with common codes
func NewConfigParseError(message string) *Error {
	return NewError(message, ErrCodeConfigParse)
}

// NewNoChannelConfigError creates a missing channel config error
func NewNoChannelConfigError(message string) *Error {
	return NewError(message, ErrCodeNoChannelConfig)
}

// NewRemoteFetchError creates a position server request error
func NewRemoteFetchError(message string) *Error {
	return NewError(message, ErrCodeRemoteFetch)
}

// NewRemoteParseError creates a position server payload error
func NewRemoteParseError(message string) *Error {
	return NewError(message, ErrCodeRemoteParse)
}

// NewHostAccessorError creates a host accessor error
func NewHostAccessorError(message string) *Error {
	return NewError(message, ErrCodeHostAccessor)
}

// NewBridgeError creates a host bridge error
func NewBridgeError(message string) *Error {
	return NewError(message, ErrCodeBridge)
}

// NewAuthError creates an authentication error
func NewAuthError(message string) *Error {
	return NewError(message, ErrCodeAuthFailed)
}

// NewConfigError creates a configuration error
func NewConfigError(message string) *Error {
	return NewError(message, ErrCodeConfigInvalid)
}

// WrapError wraps err under code, keeping it reachable through errors.Unwrap.
// An err that already is an *Error is returned as is.
func WrapError(err error, code string) *Error {
	if err == nil {
		return nil
	}
	if pe, ok := err.(*Error); ok {
		return pe
	}
	e := NewError(err.Error(), code)
	e.err = err
	return e
}

// IsErrorCode checks if an error has a specific code
func IsErrorCode(err error, code string) bool {
	var pe *Error
	if !errors.As(err, &pe) || pe == nil {
		return false
	}
	return pe.Code == code
}

// IsRetryableError reports errors that the next tick may recover from.
func IsRetryableError(err *Error) bool {
	if err == nil {
		return false
	}
	switch err.Code {
	case ErrCodeRemoteFetch, ErrCodeRemoteParse, ErrCodeHostAccessor, ErrCodeBridge, ErrCodeTickInFlight:
		return true
	}
	return false
}
