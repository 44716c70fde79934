package registry

import "errors"

// Errors returned by registry backends. Backends wrap them with context, so
// match with errors.Is.
var (
	// ErrInvalidArgument: malformed registration (missing node id or host, bad port).
	// Never worth retrying.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNodeNotFound: the backend has no record for the node. The caller should
	// register again rather than retry the same call.
	ErrNodeNotFound = errors.New("node not found")

	// ErrSignatureInvalid: a stored record failed integrity verification. The
	// operation is aborted without mutating anything.
	ErrSignatureInvalid = errors.New("signature invalid")

	// ErrBackendUnavailable: the backing store could not be reached.
	ErrBackendUnavailable = errors.New("registry backend unavailable")

	// ErrClosed: the registry was closed.
	ErrClosed = errors.New("registry closed")
)

// IsNodeNotFound reports whether err means the node must re-register.
func IsNodeNotFound(err error) bool {
	return errors.Is(err, ErrNodeNotFound)
}

// StatusOf maps an operation result to a short label for metrics and logs.
func StatusOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrNodeNotFound):
		return "not_found"
	case errors.Is(err, ErrSignatureInvalid):
		return "signature_invalid"
	case errors.Is(err, ErrBackendUnavailable):
		return "unavailable"
	case errors.Is(err, ErrClosed):
		return "closed"
	default:
		return "error"
	}
}
