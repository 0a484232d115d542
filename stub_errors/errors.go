// Provides common stubindex error definitions.
package stub_errors

import (
	"errors"
	"fmt"
)

var (
	ErrMalformed    = errors.New("stubindex: malformed or truncated data")
	ErrStorage      = errors.New("stubindex: storage failure")
	ErrCorrupted    = errors.New("stubindex: serializer registry is corrupted")
	ErrClosed       = errors.New("stubindex: index is closed")
	ErrReinitialize = errors.New("stubindex: registry reinitialization requested")

	ErrSerializerNotFound = errors.New("stubindex: serializer not found")
	ErrDuplicateID        = errors.New("stubindex: duplicate serializer external id")
	ErrKindNotRegistered  = errors.New("stubindex: stub kind is not registered")

	ErrUnorderedKeys  = errors.New("stubindex: stable ordering requires ordered data keys")
	ErrUnknownIndex   = errors.New("stubindex: unknown index key")
	ErrDuplicateIndex = errors.New("stubindex: index key registered twice")

	ErrHashCollision = errors.New("stubindex: content hash collision")
)

// SerializerNotFoundError is returned when a serialized tree references a
// serializer id that has no live stub kind bound to it.
type SerializerNotFoundError struct {
	ID         int
	ExternalID string
	Diagnostic string
	Cause      error
}

func (e *SerializerNotFoundError) Error() string {
	msg := fmt.Sprintf("%s: id %d", ErrSerializerNotFound.Error(), e.ID)
	if e.ExternalID != "" {
		msg += fmt.Sprintf(" (%s)", e.ExternalID)
	}
	if e.Diagnostic != "" {
		msg += ", " + e.Diagnostic
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *SerializerNotFoundError) Is(target error) bool {
	return target == ErrSerializerNotFound
}

func (e *SerializerNotFoundError) Unwrap() error {
	return e.Cause
}

// Malformed wraps a low level decoding failure so that it matches ErrMalformed.
func Malformed(err error) error {
	if err == nil || errors.Is(err, ErrMalformed) {
		return err
	}
	return errors.Join(ErrMalformed, err)
}
