package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrUnresolvedType is returned when a model type referenced by name has not been defined yet.
	ErrUnresolvedType = errors.New("unresolved model type")

	// ErrDuplicateType is returned when a model type name is redefined with a different collection.
	ErrDuplicateType = errors.New("duplicate model type")

	// ErrInverseMismatch is returned when a relationship's inverse does not fit it, or when the same
	// pending inverse is declared twice.
	ErrInverseMismatch = errors.New("inverse relationship mismatch")

	// ErrIncompatiblePolicy is returned when a storage policy cannot be used by a relationship kind or
	// does not mirror the policy of the inverse. It also matches ErrInverseMismatch when the inverse
	// is involved.
	ErrIncompatiblePolicy = errors.New("incompatible storage policy")

	// ErrInvalidInverseUsage is returned when an inverse is named on a relationship kind without one.
	ErrInvalidInverseUsage = errors.New("relationship kind does not support an inverse")

	// ErrUnsavedInstance is returned when an instance without an id takes part in a relationship
	// operation that needs one.
	ErrUnsavedInstance = errors.New("instance has not been saved")

	// ErrRemoved is returned when an operation is attempted on a removed instance.
	ErrRemoved = errors.New("instance has been removed")

	// ErrUnknownRelationship is returned when a relationship name is not declared on a model type.
	ErrUnknownRelationship = errors.New("unknown relationship")

	// ErrWrongCardinality is returned when a single valued operation is used on a many valued
	// relationship or the other way around.
	ErrWrongCardinality = errors.New("wrong relationship cardinality")

	// ErrWrongType is returned when an instance of the wrong model type is passed to a relationship.
	ErrWrongType = errors.New("wrong model type")

	// ErrStorageBackend wraps every failure reported by the document store.
	ErrStorageBackend = errors.New("storage backend failure")
)

func storageError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorageBackend, err)
}

// PartialMutationError reports a multi-document mutation whose first step was applied and whose
// later step failed. Nothing is rolled back; the completed step stays in place.
type PartialMutationError struct {
	Relationship string
	Completed    string
	Failed       string
	Err          error
}

func (e *PartialMutationError) Error() string {
	return fmt.Sprintf("relationship %s: %s applied but %s failed: %v", e.Relationship, e.Completed, e.Failed, e.Err)
}

func (e *PartialMutationError) Unwrap() []error {
	return []error{ErrStorageBackend, e.Err}
}
