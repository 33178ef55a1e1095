// Package serviceerr defines the errors crossing the broker's trust boundary.
// Internal causes are wrapped with fmt.Errorf("%w") chains; only the codes of
// this package (and their generic descriptions) are ever shown to callers.
package serviceerr

import "net/http"

type Code string

const (
	CodeStoreUnavailable Code = "store_unavailable"
	CodeRateLimited      Code = "rate_limited"
	CodeSessionNotFound  Code = "session_not_found"
	CodeCodeMismatch     Code = "code_mismatch"
	CodeNoSuchAlgorithm  Code = "no_such_algorithm"
	CodeKeyGeneration    Code = "key_generation"
	CodeDispatchFailed   Code = "dispatch_failed"
	CodeInvalidRequest   Code = "invalid_request"
	CodeNotFound         Code = "not_found"
	CodeUnknown          Code = "unknown"
)

type Error struct {
	Err         Code
	Description string
}

func (e *Error) Error() string {
	if e.Description == "" {
		return string(e.Err)
	}

	return string(e.Err) + ": " + e.Description
}

// Is matches any Error carrying the same code, so wrapped instances still
// compare equal to the predefined sentinels via errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)

	return ok && t.Err == e.Err
}

// HTTPStatus maps the code to the status an external HTTP layer should send.
// SessionNotFound and CodeMismatch both map to 403: the two cases must stay
// indistinguishable to callers.
func (e *Error) HTTPStatus() int {
	switch e.Err {
	case CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeSessionNotFound, CodeCodeMismatch:
		return http.StatusForbidden
	case CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeDispatchFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

var (
	ErrStoreUnavailable = &Error{Err: CodeStoreUnavailable, Description: "storage backend unavailable"}
	ErrRateLimited      = &Error{Err: CodeRateLimited, Description: "too many attempts for this address, try again later"}
	ErrSessionNotFound  = &Error{Err: CodeSessionNotFound, Description: "session has expired or does not exist"}
	ErrCodeMismatch     = &Error{Err: CodeCodeMismatch, Description: "incorrect confirmation code"}
	ErrNoSuchAlgorithm  = &Error{Err: CodeNoSuchAlgorithm, Description: "signing algorithm not configured"}
	ErrKeyGeneration    = &Error{Err: CodeKeyGeneration, Description: "could not obtain a usable signing key"}
	ErrDispatchFailed   = &Error{Err: CodeDispatchFailed, Description: "could not send the confirmation mail"}
	ErrInvalidRequest   = &Error{Err: CodeInvalidRequest}
	ErrNotFound         = &Error{Err: CodeNotFound, Description: "not found"}
	ErrUnknown          = &Error{Err: CodeUnknown, Description: "unknown error"}
)
