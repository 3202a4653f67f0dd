package jobregistry

import (
	"errors"
	"fmt"
	"regexp"
)

// Sentinel errors for registry operations.
var (
	// ErrNotFound indicates the job does not exist in the registry.
	ErrNotFound = errors.New("job not found")

	// ErrInvalidState indicates the requested transition is not permitted
	// from the job's current status.
	ErrInvalidState = errors.New("invalid job state")

	// ErrInvalidID indicates a malformed job id or owner.
	ErrInvalidID = errors.New("invalid job identifier")

	// ErrRegistryClosed indicates the registry has been shut down.
	ErrRegistryClosed = errors.New("job registry is shut down")

	// ErrCorruptSnapshot indicates the persisted snapshot could not be parsed.
	ErrCorruptSnapshot = errors.New("corrupt job registry snapshot")
)

// StateError describes a rejected transition.
type StateError struct {
	// Op is the rejected operation (e.g., "cancel", "acquire").
	Op string

	Type   Type
	JobID  string
	Status Status
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s %s job %s in state %s", e.Op, e.Type, e.JobID, e.Status)
}

// Unwrap returns ErrInvalidState for errors.Is support.
func (e *StateError) Unwrap() error {
	return ErrInvalidState
}

// IsNotFound returns true if err indicates a missing job.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsInvalidState returns true if err indicates a rejected transition.
func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}

// IsCorruptSnapshot returns true if err indicates an unparseable snapshot.
func IsCorruptSnapshot(err error) bool {
	return errors.Is(err, ErrCorruptSnapshot)
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateID checks a job id or owner id. Ids end up in registry keys and
// filesystem paths, so only a conservative character set is accepted.
func ValidateID(kind, id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %s %q must match %s", ErrInvalidID, kind, id, idPattern.String())
	}
	return nil
}
