package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/lead-router/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryValidation represents malformed lead or payment input (4xx)
	CategoryValidation ErrorCategory = "validation"
	// CategoryExpected represents expected routing outcomes that are not failures
	CategoryExpected ErrorCategory = "expected"
	// CategoryPayment represents money-touching failures that need an operator
	CategoryPayment ErrorCategory = "payment"
	// CategoryDelivery represents outbound notification failures
	CategoryDelivery ErrorCategory = "delivery"
	// CategorySystem represents system errors (5xx)
	CategorySystem ErrorCategory = "system"
	// CategoryDatabase represents database errors
	CategoryDatabase ErrorCategory = "database"
	// CategoryAuthorization represents authorization errors
	CategoryAuthorization ErrorCategory = "authorization"
	// CategoryNotFound represents not found errors
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryConflict represents conflict errors
	CategoryConflict ErrorCategory = "conflict"
	// CategoryRateLimit represents rate limit errors
	CategoryRateLimit ErrorCategory = "rate_limit"
)

// Error codes of the routing engine taxonomy
const (
	CodeValidation            = "VALIDATION_ERROR"
	CodeInsufficientCredit    = "INSUFFICIENT_CREDIT"
	CodeNoCoverage            = "NO_COVERAGE"
	CodeLeadNotFound          = "LEAD_NOT_FOUND"
	CodeDuplicatePayment      = "DUPLICATE_PAYMENT"
	CodeUnclassifiablePayment = "UNCLASSIFIABLE_PAYMENT"
	CodeDeliveryFailure       = "DELIVERY_FAILURE"
	CodePaymentInProgress     = "PAYMENT_IN_PROGRESS"
	CodeNotFound              = "NOT_FOUND"
	CodeConflict              = "CONFLICT"
)

// Sentinel errors usable with errors.Is against any CategorizedError of the same code
var (
	ErrValidation            = &CategorizedError{Code: CodeValidation}
	ErrInsufficientCredit    = &CategorizedError{Code: CodeInsufficientCredit}
	ErrNoCoverage            = &CategorizedError{Code: CodeNoCoverage}
	ErrLeadNotFound          = &CategorizedError{Code: CodeLeadNotFound}
	ErrDuplicatePayment      = &CategorizedError{Code: CodeDuplicatePayment}
	ErrUnclassifiablePayment = &CategorizedError{Code: CodeUnclassifiablePayment}
	ErrDeliveryFailure       = &CategorizedError{Code: CodeDeliveryFailure}
	ErrPaymentInProgress     = &CategorizedError{Code: CodePaymentInProgress}
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
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

// Is matches two categorized errors by code
func (e *CategorizedError) Is(target error) bool {
	t, ok := target.(*CategorizedError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// ToServiceError converts to a ServiceError
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// Routing engine taxonomy

// NewValidationError creates a validation error for malformed input
func NewValidationError(field string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       CodeValidation,
		Message:    fmt.Sprintf("invalid %s: %s", field, reason),
		Details: map[string]interface{}{
			"field":  field,
			"reason": reason,
		},
	}
}

// NewInsufficientCreditError is returned when a debit would overdraw a provider
func NewInsufficientCreditError(providerID string, balance, requested int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryExpected,
		StatusCode: http.StatusPaymentRequired,
		Code:       CodeInsufficientCredit,
		Message:    fmt.Sprintf("provider %s has %d credits, %d required", providerID, balance, requested),
		Details: map[string]interface{}{
			"providerId": providerID,
			"balance":    balance,
			"requested":  requested,
		},
	}
}

// NewNoCoverageError describes a lead nobody can receive
func NewNoCoverageError(leadID, zip string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryExpected,
		StatusCode: http.StatusOK,
		Code:       CodeNoCoverage,
		Message:    fmt.Sprintf("no active provider covers zip %s", zip),
		Details: map[string]interface{}{
			"leadId": leadID,
			"zip":    zip,
		},
	}
}

// NewLeadNotFoundError is raised when money was captured for a lead that does not exist
func NewLeadNotFoundError(leadID, paymentID string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryPayment,
		StatusCode: http.StatusOK,
		Code:       CodeLeadNotFound,
		Message:    fmt.Sprintf("lead %s not found for payment %s", leadID, paymentID),
		Details: map[string]interface{}{
			"leadId":    leadID,
			"paymentId": paymentID,
		},
	}
}

// NewDuplicatePaymentError marks a payment that was already applied
func NewDuplicatePaymentError(paymentID string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusOK,
		Code:       CodeDuplicatePayment,
		Message:    fmt.Sprintf("payment %s already processed", paymentID),
		Details: map[string]interface{}{
			"paymentId": paymentID,
		},
	}
}

// NewUnclassifiablePaymentError is raised when an amount matches no known product
func NewUnclassifiablePaymentError(paymentID string, amount string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryPayment,
		StatusCode: http.StatusUnprocessableEntity,
		Code:       CodeUnclassifiablePayment,
		Message:    fmt.Sprintf("payment %s amount %s matches no product", paymentID, amount),
		Details: map[string]interface{}{
			"paymentId": paymentID,
			"amount":    amount,
		},
	}
}

// NewPaymentInProgressError is returned when another worker holds the payment lock
func NewPaymentInProgressError(paymentID string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       CodePaymentInProgress,
		Message:    fmt.Sprintf("payment %s is being processed", paymentID),
		Details: map[string]interface{}{
			"paymentId": paymentID,
		},
	}
}

// NewDeliveryFailureError wraps a failed notification
func NewDeliveryFailureError(recipient string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDelivery,
		StatusCode: http.StatusBadGateway,
		Code:       CodeDeliveryFailure,
		Message:    fmt.Sprintf("delivery to %s failed", recipient),
		Cause:      cause,
		Details: map[string]interface{}{
			"recipient": recipient,
		},
	}
}

// Generic errors

// NewUnauthorizedError creates an unauthorized error
func NewUnauthorizedError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAuthorization,
		StatusCode: http.StatusUnauthorized,
		Code:       "UNAUTHORIZED",
		Message:    message,
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewConflictError creates a conflict error
func NewConflictError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       CodeConflict,
		Message:    message,
	}
}

// NewRateLimitError creates a rate limit error
func NewRateLimitError(retryAfter int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRateLimit,
		StatusCode: http.StatusTooManyRequests,
		Code:       "RATE_LIMIT_EXCEEDED",
		Message:    "rate limit exceeded",
		Details: map[string]interface{}{
			"retryAfter": retryAfter,
		},
	}
}

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Cause:      cause,
	}
}

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       "DATABASE_ERROR",
		Message:    fmt.Sprintf("database error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	var svcErr *types.ServiceError
	if stderrors.As(err, &svcErr) {
		return &CategorizedError{
			Category:   CategorySystem,
			StatusCode: http.StatusInternalServerError,
			Code:       svcErr.Code,
			Message:    svcErr.Message,
			Details:    svcErr.Details,
		}
	}

	return NewInternalError("unexpected error", err)
}

// HasCode reports whether err carries the given taxonomy code
func HasCode(err error, code string) bool {
	var catErr *CategorizedError
	if !stderrors.As(err, &catErr) {
		return false
	}
	return catErr.Code == code
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil && catErr.StatusCode != 0 {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}
