package trainer

import (
	"fmt"

	"github.com/pkg/errors"
)

// ShapeMismatchError indicates a batch that violates the data/config contract
// (wrong tile count, wrong channel count). It aborts the run: a malformed
// batch signals structural misconfiguration, not transient bad data.
type ShapeMismatchError struct {
	Reason string
}

func (e *ShapeMismatchError) Error() string {
	return "shape mismatch: " + e.Reason
}

func shapeErrorf(format string, args ...any) error {
	return errors.WithStack(&ShapeMismatchError{Reason: fmt.Sprintf(format, args...)})
}

// DeviceMismatchError indicates the model and the data pipeline were set up on
// different backends. Fatal, it is a setup bug.
type DeviceMismatchError struct {
	Reason string
}

func (e *DeviceMismatchError) Error() string {
	return "device mismatch: " + e.Reason
}

func deviceErrorf(format string, args ...any) error {
	return errors.WithStack(&DeviceMismatchError{Reason: fmt.Sprintf(format, args...)})
}
