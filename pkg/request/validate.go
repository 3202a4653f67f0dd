package request

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"

	schemasassets "github.com/3leaps/dbrelay/internal/assets/schemas"
)

// Validation errors
var (
	// ErrSchemaNotFound indicates the embedded schema is missing.
	ErrSchemaNotFound = errors.New("request schema not found")

	// ErrValidationFailed indicates the request failed schema validation.
	ErrValidationFailed = errors.New("request validation failed")
)

// Cached validator instance (compiled once from embedded schema)
var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// ValidationError represents a single validation issue.
type ValidationError struct {
	// Path is the JSON pointer to the problematic field (e.g., "/dump/table").
	Path string

	Message string
}

// Error implements error interface.
func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "request validation failed with %d errors:\n", len(e))
	for i, err := range e {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error type.
func (e ValidationErrors) Unwrap() error {
	return ErrValidationFailed
}

// ValidateRaw checks raw JSON data against the embedded request schema.
func ValidateRaw(jsonData []byte) error {
	v, err := getValidator()
	if err != nil {
		return err
	}

	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	var errs ValidationErrors
	for _, d := range diags {
		// Only include errors, not warnings
		if d.Severity == schema.SeverityError {
			errs = append(errs, ValidationError{Path: d.Pointer, Message: d.Message})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		if len(schemasassets.JobRequestSchema) == 0 {
			validatorErr = fmt.Errorf("%w: embedded job-request schema is empty", ErrSchemaNotFound)
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.JobRequestSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("failed to compile request schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}
