package session

import (
	"errors"
	"fmt"
)

// ErrorKind is the machine-readable error taxonomy surfaced to HTTP
// clients as error_kind.
type ErrorKind string

const (
	KindBadTask           ErrorKind = "bad_task"
	KindOutOfGeofence     ErrorKind = "out_of_geofence"
	KindActionInvalid     ErrorKind = "action_invalid"
	KindRotationInvalid   ErrorKind = "rotation_invalid"
	KindSessionTerminated ErrorKind = "session_terminated"
	KindCacheMissMeta     ErrorKind = "cache_miss_meta"
	KindCacheMissImage    ErrorKind = "cache_miss_image"
	KindLogWriteFailed    ErrorKind = "log_write_failed"
	KindNotFound          ErrorKind = "not_found"
	KindInternal          ErrorKind = "internal_error"
)

// Error carries an ErrorKind through the engine so the HTTP layer can map
// it to the {error_kind, detail} envelope without string matching.
type Error struct {
	Kind   ErrorKind
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func errf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// KindOf extracts the ErrorKind from err, or KindInternal for anything
// outside the taxonomy.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
