package artifact

import (
	"errors"
	"fmt"
)

// Sentinel errors for artifact operations.
var (
	// ErrNotFound indicates the requested artifact does not exist.
	ErrNotFound = errors.New("artifact not found")

	// ErrAccessDenied indicates insufficient permissions.
	ErrAccessDenied = errors.New("access denied")

	// ErrBucketNotFound indicates the bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrInvalidCredentials indicates authentication failed.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrUnavailable indicates the storage service is unavailable.
	ErrUnavailable = errors.New("storage unavailable")

	// ErrThrottled indicates the request was rate limited by the service.
	ErrThrottled = errors.New("request throttled")

	// ErrUnsupportedLocation indicates a URI scheme with no store.
	ErrUnsupportedLocation = errors.New("unsupported artifact location")
)

// StoreError wraps store-specific errors with context.
type StoreError struct {
	// Op is the operation that failed (e.g., "Put", "Get").
	Op string

	Kind   Kind
	Bucket string
	Key    string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.Bucket != "" {
		return fmt.Sprintf("%s %s: %s/%s: %v", e.Kind, e.Op, e.Bucket, e.Key, e.Err)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Kind, e.Op, e.Key, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsNotFound returns true if the error indicates an artifact was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrBucketNotFound)
}

// IsAccessDenied returns true if the error indicates insufficient permissions
// or rejected credentials.
func IsAccessDenied(err error) bool {
	return errors.Is(err, ErrAccessDenied) || errors.Is(err, ErrInvalidCredentials)
}

// IsUnavailable returns true if the error is transient on the service side.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrThrottled)
}
