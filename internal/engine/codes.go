package engine

import (
	"fmt"

	"github.com/hamzaKhattat/softphone-core/pkg/errors"
)

// Engine error codes. Positive values in the 100-699 range are SIP response codes.
const (
	CodeOK               = 0
	CodeNotConnected     = -1001
	CodeUnknownAccount   = -1002
	CodeUnknownCall      = -1003
	CodeBadArgument      = -1004
	CodeUnsupported      = -1005
	CodeActionFailed     = -1006
	CodeDuplicateAccount = -1007
	CodeTimeout          = -1008
)

// SIP codes that mean the caller went away or nobody picked up.
const (
	SIPRequestTimeout     = 408
	SIPTemporarilyUnavail = 480
	SIPBusyHere           = 486
	SIPRequestTerminated  = 487
	SIPDecline            = 603
)

var codeText = map[int]string{
	CodeOK:               "Success",
	CodeNotConnected:     "Engine is not connected",
	CodeUnknownAccount:   "Account not found",
	CodeUnknownCall:      "Call not found",
	CodeBadArgument:      "Invalid argument",
	CodeUnsupported:      "Operation not supported by engine",
	CodeActionFailed:     "Engine rejected the command",
	CodeDuplicateAccount: "Account already exists",
	CodeTimeout:          "Engine did not respond in time",

	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	407: "Proxy Authentication Required",
	SIPRequestTimeout:     "Request Timeout",
	SIPTemporarilyUnavail: "Temporarily Unavailable",
	484:                   "Address Incomplete",
	SIPBusyHere:           "Busy Here",
	SIPRequestTerminated:  "Request Terminated",
	488:                   "Not Acceptable Here",
	500:                   "Server Internal Error",
	502:                   "Bad Gateway",
	503:                   "Service Unavailable",
	504:                   "Server Time-out",
	SIPDecline:            "Decline",
}

// ErrorText maps an engine error code to a human readable message.
func ErrorText(code int) string {
	if text, ok := codeText[code]; ok {
		return text
	}
	return fmt.Sprintf("Unknown error (%d)", code)
}

// CodeError is returned by engines that reject a command synchronously.
type CodeError struct {
	Code int
}

func (e *CodeError) Error() string {
	return fmt.Sprintf("engine error %d: %s", e.Code, ErrorText(e.Code))
}

// Reject builds the synchronous error an engine returns for code.
func Reject(code int) error {
	return &CodeError{Code: code}
}

// Wrap converts an engine command failure into an AppError with the code text.
func Wrap(err error, command string) *errors.AppError {
	if err == nil {
		return nil
	}
	if ce, ok := err.(*CodeError); ok {
		appCode := errors.ErrEngineRejected
		if ce.Code == CodeNotConnected || ce.Code == CodeTimeout {
			appCode = errors.ErrEngineUnavailable
		}
		return errors.New(appCode, fmt.Sprintf("%s: %s", command, ErrorText(ce.Code))).
			WithContext("engine_code", ce.Code)
	}
	return errors.Wrap(err, errors.ErrEngineRejected, command)
}

// IsRemoteCancel reports whether code means the remote side gave up or nobody answered.
func IsRemoteCancel(code int) bool {
	switch code {
	case CodeOK, SIPRequestTerminated, SIPRequestTimeout, SIPTemporarilyUnavail:
		return true
	}
	return false
}
