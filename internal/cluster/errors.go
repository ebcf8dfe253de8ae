package cluster

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Error is a failure that must survive an RPC hop. Handlers serialize it as a
// JSON envelope carrying its code; clients rebuild it from the envelope, so
// errors.Is against the sentinels below matches on both sides of the wire.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"error"`
	Status  int    `json:"-"`
}

func (e *Error) Error() string { return e.Message }

// Is matches by code, so a decoded wire error compares equal to its sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Sentinel errors for the cluster-wide failure taxonomy.
var (
	// Authentication family: surfaced synchronously, never retried.
	ErrUsernameTaken = &Error{Code: "username_taken", Message: "username is already taken", Status: http.StatusConflict}
	ErrWrongPassword = &Error{Code: "wrong_password", Message: "wrong password", Status: http.StatusUnauthorized}
	ErrUnknownUser   = &Error{Code: "unknown_user", Message: "user does not exist", Status: http.StatusUnauthorized}

	// ErrOwnershipConflict: the caller is not the recorded owner of an asset.
	ErrOwnershipConflict = &Error{Code: "ownership_conflict", Message: "asset is owned by someone else", Status: http.StatusConflict}

	// ErrDuplicateTransfer: a transfer for the same (asset, destination) key
	// is already in flight.
	ErrDuplicateTransfer = &Error{Code: "duplicate_transfer", Message: "transfer already in flight", Status: http.StatusConflict}

	// ErrStaleGeneration: the caller's epoch or assignment predates the
	// coordinator's current lifetime; it must re-register from scratch.
	ErrStaleGeneration = &Error{Code: "stale_generation", Message: "stale generation epoch", Status: http.StatusGone}

	// ErrNotFound covers unknown assets, rooms, nodes, and usernames outside
	// the authentication paths.
	ErrNotFound = &Error{Code: "not_found", Message: "not found", Status: http.StatusNotFound}

	// ErrInvalidName rejects asset names that cannot be used as blob file
	// names.
	ErrInvalidName = &Error{Code: "invalid_name", Message: "invalid asset name", Status: http.StatusBadRequest}

	// ErrNotReady means an edge node received traffic before completing its
	// first registration.
	ErrNotReady = &Error{Code: "not_ready", Message: "node is not registered yet", Status: http.StatusServiceUnavailable}
)

// Errorf returns a copy of base with a more specific message. The copy still
// matches base under errors.Is.
func Errorf(base *Error, format string, args ...any) *Error {
	return &Error{Code: base.Code, Message: fmt.Sprintf(format, args...), Status: base.Status}
}

// IsAuth reports whether err belongs to the authentication family.
func IsAuth(err error) bool {
	return errors.Is(err, ErrUsernameTaken) || errors.Is(err, ErrWrongPassword) || errors.Is(err, ErrUnknownUser)
}

// WriteError serializes err as the standard envelope. Unrecognized errors are
// reported as internal failures without a retained code.
func WriteError(w http.ResponseWriter, err error) {
	var ce *Error
	if !errors.As(err, &ce) {
		ce = &Error{Code: "internal", Message: err.Error(), Status: http.StatusInternalServerError}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ce.Status)
	_ = json.NewEncoder(w).Encode(ce)
}

// decodeError rebuilds a wire error from a non-2xx response body. Bodies that
// are not the standard envelope degrade to a plain status error, which
// callers treat as a connectivity failure.
func decodeError(status int, body []byte) error {
	var ce Error
	if err := json.Unmarshal(body, &ce); err == nil && ce.Code != "" {
		ce.Status = status
		return &ce
	}
	return fmt.Errorf("http status %d: %s", status, body)
}
