package errors

// Domain error classes shared by the control plane. Each request failure is
// classified by one of these so the signaling layer can surface a stable
// reason to the client.
const (
	ErrNotFound        Code = "not found"
	ErrInvalidState    Code = "invalid state"
	ErrInvalidArgument Code = "invalid argument"
	ErrEngineFailure   Code = "engine failure"
	ErrProcessFailure  Code = "process failure"
	ErrTimeout         Code = "timeout"
)

// CodeOf returns the code of the outermost coded error in the chain, or an
// empty code if err carries none.
func CodeOf(err error) Code {
	if e, ok := As[*Error](err); ok && *e != nil {
		return (*e).Code
	}
	if c, ok := As[Code](err); ok {
		return *c
	}
	return ""
}

// Message returns the message of err without its code prefix.
func Message(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := As[*Error](err); ok && *e != nil && (*e).Err != nil {
		return (*e).Err.Error()
	}
	return err.Error()
}
