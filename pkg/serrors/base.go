package serrors

import "fmt"

// BaseError is a coded error shared by infrastructure packages. Domain
// services carry richer errors of their own; this is for plumbing that only
// needs a stable code.
type BaseError struct {
	Code    string
	Message string
}

func NewError(code, message string) *BaseError {
	return &BaseError{Code: code, Message: message}
}

func (e *BaseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
