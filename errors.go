package tierbase

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions
var (
	// Data errors
	ErrNotFound      = errors.New("record not found")
	ErrInvalidData   = errors.New("invalid data format")
	ErrInvalidKey    = errors.New("invalid record key")
	ErrCorruptRecord = errors.New("corrupt record")

	// Codec errors
	ErrEncode = errors.New("value too large to encode")
	ErrDecode = errors.New("malformed encoded payload")

	// Backend errors
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrUnauthorized       = errors.New("unauthorized access")
	ErrTimeout            = errors.New("operation timed out")
	ErrQuotaExceeded      = errors.New("storage quota exceeded")
	ErrInsufficientSpace  = errors.New("insufficient space after eviction")
	ErrTooLarge           = errors.New("record larger than tier capacity")

	// Maintenance errors
	ErrMaintenanceThrottled = errors.New("maintenance run throttled")
	ErrSchedulerRunning     = errors.New("maintenance scheduler already running")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ErrorWithContext adds additional context to errors for better debugging and logging
type ErrorWithContext struct {
	Err     error
	Context map[string]interface{}
}

func (e *ErrorWithContext) Error() string {
	if len(e.Context) == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v (context: %+v)", e.Err, e.Context)
}

func (e *ErrorWithContext) Unwrap() error {
	return e.Err
}

// WithContext adds context to an error
func WithContext(err error, context map[string]interface{}) error {
	if err == nil {
		return nil
	}
	return &ErrorWithContext{
		Err:     err,
		Context: context,
	}
}

// Common error checking helpers

// IsNotFound checks if an error is a "not found" error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsQuotaExceeded reports whether a tier rejected a write for lack of space
func IsQuotaExceeded(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}

// IsTooLarge reports whether a write can never fit its tier, however much is evicted
func IsTooLarge(err error) bool {
	return errors.Is(err, ErrTooLarge)
}

// tooLarge builds the error a backend returns for a write bigger than it can ever hold
func tooLarge(key string, size int, capacity int64, where string) error {
	return WithContext(ErrTooLarge, map[string]interface{}{
		"key":      key,
		"size":     size,
		"capacity": capacity,
		"backend":  where,
	})
}

// IsUnavailable reports whether a tier is temporarily unusable
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable) || errors.Is(err, ErrTimeout)
}

// IsRetryable checks if an error is safe to retry
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrBackendUnavailable) ||
		errors.Is(err, ErrQuotaExceeded)
}

// IsPermanent checks if an error is permanent (not retryable)
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrInvalidData) ||
		errors.Is(err, ErrInvalidKey) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrInsufficientSpace) ||
		errors.Is(err, ErrTooLarge)
}
