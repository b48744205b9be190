package chat

import (
	"errors"
	"fmt"
)

// Sentinel error kinds (stable for errors.Is and for mapping to API status codes).
var (
	ErrValidation  = errors.New("validation")
	ErrNotFound    = errors.New("not_found")
	ErrPersistence = errors.New("persistence")
)

// ValidationError rejects a request synchronously. Field is a stable logical name
// ("body", "from_user_id", ...). Nothing is written when it is returned.
type ValidationError struct {
	Op    string
	Field string
	Msg   string
}

func (e ValidationError) Error() string {
	switch {
	case e.Field == "" && e.Msg == "":
		return fmt.Sprintf("%s: %v", e.Op, ErrValidation)
	case e.Field == "":
		return fmt.Sprintf("%s: %v: %s", e.Op, ErrValidation, e.Msg)
	default:
		return fmt.Sprintf("%s: %v: %s: %s", e.Op, ErrValidation, e.Field, e.Msg)
	}
}

func (e ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError reports a missing conversation or message.
type NotFoundError struct {
	Op       string
	Resource string
}

func (e NotFoundError) Error() string {
	if e.Resource == "" {
		return fmt.Sprintf("%s: %v", e.Op, ErrNotFound)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, ErrNotFound, e.Resource)
}

func (e NotFoundError) Unwrap() error { return ErrNotFound }

// PersistenceError wraps a storage failure. It unwraps to both ErrPersistence and the cause.
type PersistenceError struct {
	Op  string
	Err error
}

func (e PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrPersistence, e.Err)
}

func (e PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return PersistenceError{Op: op, Err: err}
}

// IsValidation reports whether err represents ErrValidation.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsPersistence reports whether err represents ErrPersistence.
func IsPersistence(err error) bool { return errors.Is(err, ErrPersistence) }
