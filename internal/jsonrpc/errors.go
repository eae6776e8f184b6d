package jsonrpc

import (
	"encoding/json"

	"github.com/imtaco/conf-sfu/internal/errors"
)

const (
	ErrCodeParseError errors.Code = "parse error"
	ErrClosed         errors.Code = "closed"
)

// Application error codes, outside the range reserved by JSON-RPC 2.0.
const (
	CodeNotFound       = -32001
	CodeInvalidState   = -32002
	CodeEngineFailure  = -32010
	CodeProcessFailure = -32011
	CodeTimeout        = -32012
	CodeRateLimited    = -32029
)

var codedErrors = map[errors.Code]int64{
	errors.ErrNotFound:        CodeNotFound,
	errors.ErrInvalidState:    CodeInvalidState,
	errors.ErrInvalidArgument: CodeInvalidParams,
	errors.ErrEngineFailure:   CodeEngineFailure,
	errors.ErrProcessFailure:  CodeProcessFailure,
	errors.ErrTimeout:         CodeTimeout,
}

// FromCoded converts an error carrying one of the domain codes into a
// JSON-RPC error. The human readable message goes to Message and the code
// name to Data. Returns nil for errors without a known code.
func FromCoded(err error) *Error {
	code := errors.CodeOf(err)
	rpcCode, ok := codedErrors[code]
	if !ok {
		return nil
	}
	data, _ := json.Marshal(string(code))
	raw := json.RawMessage(data)
	return &Error{
		Code:    rpcCode,
		Message: errors.Message(err),
		Data:    &raw,
	}
}

// Helper functions for error handling
func ErrInvalidParams(message string) *Error {
	return &Error{
		Code:    CodeInvalidParams,
		Message: message,
	}
}

func ErrInvalidRequest(message string) *Error {
	return &Error{
		Code:    CodeInvalidRequest,
		Message: message,
	}
}

func ErrMethodNotFound(method string) *Error {
	return &Error{
		Code:    CodeMethodNotFound,
		Message: "method not found: " + method,
	}
}

func ErrInternal(message string) *Error {
	return &Error{
		Code:    CodeInternalError,
		Message: message,
	}
}

func ErrRateLimited() *Error {
	return &Error{
		Code:    CodeRateLimited,
		Message: "too many requests",
	}
}

func ErrCustom(code int64, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}
