package services

import (
	"errors"
	"fmt"
)

// Stable error codes surfaced to callers. Validation codes are rejected
// before any write and are recoverable by retrying with corrected input.
const (
	CodeNotFound                = "HIERARCHY_NOT_FOUND"
	CodeDuplicateKey            = "HIERARCHY_DUPLICATE_KEY"
	CodeDuplicateOpenMembership = "HIERARCHY_DUPLICATE_OPEN_MEMBERSHIP"
	CodeCycleDetected           = "HIERARCHY_CYCLE_DETECTED"
	CodeInvalidDateRange        = "HIERARCHY_INVALID_DATE_RANGE"
	CodeAlreadyClosed           = "HIERARCHY_ALREADY_CLOSED"
	CodeAlreadyInactive         = "HIERARCHY_ALREADY_INACTIVE"
	CodeInconsistentGraph       = "HIERARCHY_INCONSISTENT_GRAPH"
	CodeProjectionStale         = "HIERARCHY_PROJECTION_STALE"
	CodeRefreshTimedOut         = "HIERARCHY_REFRESH_TIMED_OUT"
	CodeInvalidBody             = "HIERARCHY_INVALID_BODY"
	CodeKindForbidden           = "HIERARCHY_KIND_FORBIDDEN"
)

type ServiceError struct {
	Status  int
	Code    string
	Message string
	Cause   error
}

func (e *ServiceError) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *ServiceError) Unwrap() error { return e.Cause }

func newServiceError(status int, code, message string, cause error) *ServiceError {
	return &ServiceError{Status: status, Code: code, Message: message, Cause: cause}
}

// IsCode reports whether err is (or wraps) a ServiceError with the given
// code. Callers discriminate by code, never by message.
func IsCode(err error, code string) bool {
	var svcErr *ServiceError
	if !errors.As(err, &svcErr) {
		return false
	}
	return svcErr.Code == code
}
