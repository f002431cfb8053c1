// Package fault classifies the failures raised by the paging core.
//
// Nothing in the core retries. A configuration error is raised while
// constructing a component, a precondition error when a caller breaks an
// operation's contract, and a capacity error when a sequence needs more pages
// than it was given. Callers tell them apart with errors.Is.
package fault

import (
	"github.com/pkg/errors"
)

var (
	ErrConfig       = errors.New("unsupported configuration")
	ErrPrecondition = errors.New("precondition violated")
	ErrCapacity     = errors.New("capacity exhausted")
)

func Configf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrConfig, format, args...)
}

func Preconditionf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrPrecondition, format, args...)
}

func Capacityf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrCapacity, format, args...)
}

// Kind returns a short label for err suitable for a metric dimension.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrConfig):
		return "config"
	case errors.Is(err, ErrPrecondition):
		return "precondition"
	case errors.Is(err, ErrCapacity):
		return "capacity"
	default:
		return "other"
	}
}
