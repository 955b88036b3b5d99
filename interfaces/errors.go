package interfaces

import (
	"errors"
)

// Error kinds surfaced by provisioning operations. Use errors.Is() to classify.
var (
	// ErrNotFound is returned when a project, model, device or gateway is missing.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned on a duplicate project name, model name or device serial.
	ErrConflict = errors.New("conflict")

	// ErrInvalidArgument is returned for requests missing a required field.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrWrongKind is returned when a model kind does not allow the requested operation.
	ErrWrongKind = errors.New("wrong model kind")

	// ErrDevicesExist is returned when identity-affecting model fields are changed
	// while devices still reference the model.
	ErrDevicesExist = errors.New("devices of this model already exist")

	// ErrHasChildren is returned by the store when a parent record still owns
	// children. The engine cascades explicitly before deleting parents.
	ErrHasChildren = errors.New("record still has children")

	// ErrIssuanceFailed is returned when the identity issuer failed, timed out or
	// returned an incomplete bundle.
	ErrIssuanceFailed = errors.New("identity issuance failed")

	// ErrRevocationFailed is returned when the identity issuer could not revoke an identity.
	ErrRevocationFailed = errors.New("identity revocation failed")

	// ErrVersionMismatch is returned by compare-and-set store updates when the
	// record changed since it was read.
	ErrVersionMismatch = errors.New("record version mismatch")

	// ErrInternal wraps any lower-level fault that has no dedicated kind.
	ErrInternal = errors.New("internal error")
)

// Stable error codes reported to callers.
const (
	CodeOK               = "ok"
	CodeNotFound         = "not_found"
	CodeConflict         = "conflict"
	CodeInvalidArgument  = "invalid_argument"
	CodeWrongKind        = "wrong_kind"
	CodeDevicesExist     = "devices_exist"
	CodeIssuanceFailed   = "issuance_failed"
	CodeRevocationFailed = "revocation_failed"
	CodeInternal         = "internal_error"
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrNotFound, CodeNotFound},
	{ErrConflict, CodeConflict},
	{ErrVersionMismatch, CodeConflict},
	{ErrInvalidArgument, CodeInvalidArgument},
	{ErrWrongKind, CodeWrongKind},
	{ErrDevicesExist, CodeDevicesExist},
	{ErrHasChildren, CodeDevicesExist},
	{ErrIssuanceFailed, CodeIssuanceFailed},
	{ErrRevocationFailed, CodeRevocationFailed},
}

// ErrorCode maps an error to its stable code. Errors of no known kind map to
// CodeInternal.
func ErrorCode(err error) string {
	if err == nil {
		return CodeOK
	}
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return CodeInternal
}

// IsKnown reports whether err carries one of the error kinds above.
func IsKnown(err error) bool {
	return err != nil && (ErrorCode(err) != CodeInternal || errors.Is(err, ErrInternal))
}
