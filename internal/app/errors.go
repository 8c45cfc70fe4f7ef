package app

import "fmt"

// DomainError is the error envelope the HTTP layer serializes: an HTTP
// status, a stable machine-readable code such as "LOCKED" or
// "VALIDATION_ERROR", a human readable message, and optional structured
// details (the lock holder, the list of cleaning problems).
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	if e.Details != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}
