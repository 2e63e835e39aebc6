package ierr

import (
	"encoding/json"
	"errors"
)

type ErrorCode string

const (
	ErrorCodeInvalidArgument    ErrorCode = "InvalidArgument"
	ErrorCodeNotFound           ErrorCode = "NotFound"
	ErrorCodeAlreadyExists      ErrorCode = "AlreadyExists"
	ErrorCodeFailedPrecondition ErrorCode = "FailedPrecondition"
	ErrorCodePermissionDenied   ErrorCode = "PermissionDenied"
	ErrorCodeUnauthenticated    ErrorCode = "Unauthenticated"
	ErrorCodeRateLimited        ErrorCode = "RateLimited"
	ErrorCodeInternal           ErrorCode = "Internal"
)

var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrTransportSendFailed  = errors.New("transport send failed")
	ErrTransportClosed      = errors.New("transport closed")
	ErrProviderTransient    = errors.New("verification provider unavailable")
	ErrMalformedMessage     = errors.New("malformed control message")
)

type Error struct {
	Code    ErrorCode       `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`

	cause error
}

func New(code ErrorCode, cause error) Error {
	return Error{
		Code:    code,
		Message: cause.Error(),
		cause:   cause,
	}
}

func (e Error) Error() string {
	return string(e.Code) + ": " + e.cause.Error()
}

func (e Error) Unwrap() error {
	return e.cause
}

// CodeOf returns the code of the first Error in err's chain, or Internal.
func CodeOf(err error) ErrorCode {
	var target Error
	if errors.As(err, &target) {
		return target.Code
	}

	return ErrorCodeInternal
}
