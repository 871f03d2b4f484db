package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
)

type ErrorCode string

const (
	// System errors
	ErrInternal      ErrorCode = "INTERNAL_ERROR"
	ErrStorage       ErrorCode = "STORAGE_ERROR"
	ErrConfiguration ErrorCode = "CONFIG_ERROR"

	// Validation errors returned synchronously to the caller
	ErrUnknownAccount  ErrorCode = "UNKNOWN_ACCOUNT"
	ErrUnknownCall     ErrorCode = "UNKNOWN_CALL"
	ErrEmptyField      ErrorCode = "EMPTY_FIELD"
	ErrNoAccounts      ErrorCode = "NO_ACCOUNTS"
	ErrInvalidState    ErrorCode = "INVALID_STATE"
	ErrInvalidArgument ErrorCode = "INVALID_ARGUMENT"

	// Engine errors
	ErrEngineRejected    ErrorCode = "ENGINE_REJECTED"
	ErrEngineUnavailable ErrorCode = "ENGINE_UNAVAILABLE"
	ErrAuthFailed        ErrorCode = "AUTH_FAILED"
)

type AppError struct {
	Code       ErrorCode
	Message    string
	Err        error
	StatusCode int
	Context    map[string]interface{}
	Stack      string
}

func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusFor(code),
		Context:    make(map[string]interface{}),
		Stack:      getStack(),
	}
}

func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

func Wrap(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}

	// If already an AppError, enhance it
	if appErr, ok := err.(*AppError); ok {
		appErr.Message = fmt.Sprintf("%s: %s", message, appErr.Message)
		return appErr
	}

	return &AppError{
		Code:       code,
		Message:    message,
		Err:        err,
		StatusCode: statusFor(code),
		Context:    make(map[string]interface{}),
		Stack:      getStack(),
	}
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func (e *AppError) WithContext(key string, value interface{}) *AppError {
	e.Context[key] = value
	return e
}

func (e *AppError) WithStatusCode(code int) *AppError {
	e.StatusCode = code
	return e
}

// IsRetryable reports whether repeating the same command later may succeed.
func (e *AppError) IsRetryable() bool {
	switch e.Code {
	case ErrStorage, ErrEngineUnavailable:
		return true
	default:
		return false
	}
}

func statusFor(code ErrorCode) int {
	switch code {
	case ErrUnknownAccount, ErrUnknownCall:
		return http.StatusNotFound
	case ErrEmptyField, ErrInvalidArgument, ErrNoAccounts:
		return http.StatusBadRequest
	case ErrInvalidState:
		return http.StatusConflict
	case ErrAuthFailed:
		return http.StatusUnauthorized
	case ErrEngineRejected:
		return http.StatusUnprocessableEntity
	case ErrEngineUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func getStack() string {
	var pcs [32]uintptr
	n := runtime.Callers(3, pcs[:])

	var builder strings.Builder
	frames := runtime.CallersFrames(pcs[:n])

	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "runtime/") {
			builder.WriteString(fmt.Sprintf("%s:%d %s\n", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}

	return builder.String()
}

// Error checking helpers
func Is(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}

	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return false
	}

	return appErr.Code == code
}

// CodeOf returns the code of the first AppError in err's chain, or ErrInternal.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}
