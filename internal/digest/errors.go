package digest

import "errors"

// ErrNotFound is returned by stores when a row does not exist.
var ErrNotFound = errors.New("not found")

// FatalError wraps a provider failure that must stop the batch loop early
// (authentication failure, hard quota exceeded). Anything else the delivery
// engine treats as retryable.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Fatal wraps err as a FatalError.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal reports whether err carries a FatalError anywhere in its chain.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
