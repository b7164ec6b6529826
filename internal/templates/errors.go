package templates

import (
	"errors"
	"fmt"
)

// Stable error codes crossing the operation boundary. UI layers key
// localization off these values; they never change once shipped.
const (
	CodeNotFound            = "not_found"
	CodeVersionConflict     = "version_conflict"
	CodePermissionDenied    = "permission_denied"
	CodeInvalidTransition   = "invalid_transition"
	CodeStaleApprovalTarget = "stale_approval_target"
	CodeInvalidInput        = "invalid_input"
	CodeInternal            = "internal_error"
)

// InvalidInputError rejects malformed input before any entity is touched.
type InvalidInputError struct {
	Reason string
}

func (e *InvalidInputError) Error() string {
	return "invalid input: " + e.Reason
}

// Code returns the stable error code for this kind.
func (e *InvalidInputError) Code() string {
	return CodeInvalidInput
}

// NotFoundError reports an unknown entity identifier.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

// Code returns the stable error code for this kind.
func (e *NotFoundError) Code() string {
	return CodeNotFound
}

// VersionConflictError reports a stale write rejected by the version guard.
type VersionConflictError struct {
	TemplateID      string
	ExpectedVersion int64
	CurrentVersion  int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("template %q version conflict: expected %d, current %d",
		e.TemplateID, e.ExpectedVersion, e.CurrentVersion)
}

// Code returns the stable error code for this kind.
func (e *VersionConflictError) Code() string {
	return CodeVersionConflict
}

// PermissionDeniedError reports an actor lacking the permission an action requires.
type PermissionDeniedError struct {
	UserID string
	Action string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("user %q lacks permission for %s", e.UserID, e.Action)
}

// Code returns the stable error code for this kind.
func (e *PermissionDeniedError) Code() string {
	return CodePermissionDenied
}

// InvalidTransitionError reports a workflow guard failure.
type InvalidTransitionError struct {
	From   TemplateStatus
	Event  string
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s from status %s: %s", e.Event, e.From, e.Reason)
}

// Code returns the stable error code for this kind.
func (e *InvalidTransitionError) Code() string {
	return CodeInvalidTransition
}

// StaleApprovalTargetError reports an approval decision against a template
// that changed after the request was filed.
type StaleApprovalTargetError struct {
	RequestID      string
	RequestVersion int64
	CurrentVersion int64
}

func (e *StaleApprovalTargetError) Error() string {
	return fmt.Sprintf("approval request %q targets version %d but template is at version %d",
		e.RequestID, e.RequestVersion, e.CurrentVersion)
}

// Code returns the stable error code for this kind.
func (e *StaleApprovalTargetError) Code() string {
	return CodeStaleApprovalTarget
}

// CodedError is implemented by every domain error kind.
type CodedError interface {
	error
	Code() string
}

// ErrorCode extracts the stable code from any error returned by the
// coordinator. Infrastructure failures (ServiceError) and unrecognized
// errors map to the internal code; their detail stays inside the process.
func ErrorCode(err error) string {
	var svc *ServiceError
	if errors.As(err, &svc) {
		return CodeInternal
	}
	var coded CodedError
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return CodeInternal
}

// ServiceError wraps infrastructure failures with a dotted operation code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the dotted op.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
