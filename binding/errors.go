package binding

import (
	"errors"
	"fmt"

	"github.com/jhump/protobind/hostobj"
)

var (
	// ErrInterpreterClosed is returned by Interpreter.Do, and by operations that
	// create wrappers, once the interpreter has been closed.
	ErrInterpreterClosed = errors.New("interpreter is closed")
	// ErrPoolClosed is returned when wrapping descriptors of a pool whose
	// store has been closed.
	ErrPoolClosed = errors.New("descriptor pool is closed")
)

// KindMismatchError reports that a host object was used as a wrapper of a
// kind it is not. It is raised with panic: callers are expected to know the
// kind of the objects they pass.
type KindMismatchError struct {
	// Want is the expected kind, or zero if any descriptor kind was accepted.
	Want Kind
	// Got is the name of the object's actual type.
	Got string
}

func (e *KindMismatchError) Error() string {
	if e.Want == 0 {
		return fmt.Sprintf("expected a descriptor wrapper, got %s", e.Got)
	}
	return fmt.Sprintf("expected a %v wrapper, got %s", e.Want, e.Got)
}

func newKindMismatch(want Kind, obj hostobj.Object) *KindMismatchError {
	got := "nil"
	if obj != nil {
		got = obj.Type().Name()
	}
	return &KindMismatchError{Want: want, Got: got}
}
