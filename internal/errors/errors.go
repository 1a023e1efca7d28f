// Package errors provides categorized errors for the deal watch service.
// The worker executor keys its retry decisions off these categories:
// transient errors are retried with backoff, business failures are recorded
// and left for the next scheduled run, cancellations are never retried, and
// invariant violations indicate a logic defect.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryTransient represents infrastructure errors worth retrying
	CategoryTransient ErrorCategory = "transient"
	// CategoryBusiness represents expected test failures, never retried
	CategoryBusiness ErrorCategory = "business"
	// CategoryCancelled represents deadline or abort signals
	CategoryCancelled ErrorCategory = "cancelled"
	// CategoryInvariant represents orchestration logic defects
	CategoryInvariant ErrorCategory = "invariant"
)

// CategorizedError represents an error with a category and machine code
type CategorizedError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Details  map[string]interface{}
	Cause    error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// NewTransientError creates a retryable infrastructure error
func NewTransientError(code, message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category: CategoryTransient,
		Code:     code,
		Message:  message,
		Cause:    cause,
	}
}

// NewBusinessError creates a non-retryable business failure
func NewBusinessError(code, message string) *CategorizedError {
	return &CategorizedError{
		Category: CategoryBusiness,
		Code:     code,
		Message:  message,
	}
}

// NewBusinessErrorWithDetails creates a business failure carrying structured detail
func NewBusinessErrorWithDetails(code, message string, details map[string]interface{}) *CategorizedError {
	return &CategorizedError{
		Category: CategoryBusiness,
		Code:     code,
		Message:  message,
		Details:  details,
	}
}

// NewCancelledError wraps a context cancellation
func NewCancelledError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category: CategoryCancelled,
		Code:     "CANCELLED",
		Message:  message,
		Cause:    cause,
	}
}

// NewInvariantError creates an orchestration invariant violation. These are
// fatal to the job: logged at error severity and never retried.
func NewInvariantError(message string) *CategorizedError {
	return &CategorizedError{
		Category: CategoryInvariant,
		Code:     "INVARIANT_VIOLATION",
		Message:  message,
	}
}

// CategoryOf returns the category of err, defaulting to transient for
// uncategorized errors so that unknown infrastructure failures get retried.
// Context errors always classify as cancelled.
func CategoryOf(err error) ErrorCategory {
	if err == nil {
		return ""
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return CategoryCancelled
	}
	var ce *CategorizedError
	if stderrors.As(err, &ce) {
		return ce.Category
	}
	return CategoryTransient
}

// IsTransient reports whether err should be retried by the executor.
func IsTransient(err error) bool {
	return CategoryOf(err) == CategoryTransient
}

// IsCancelled reports whether err came from a deadline or abort signal.
func IsCancelled(err error) bool {
	return CategoryOf(err) == CategoryCancelled
}

// IsBusiness reports whether err is an expected test failure.
func IsBusiness(err error) bool {
	return CategoryOf(err) == CategoryBusiness
}

// IsInvariant reports whether err indicates a logic defect.
func IsInvariant(err error) bool {
	return CategoryOf(err) == CategoryInvariant
}
