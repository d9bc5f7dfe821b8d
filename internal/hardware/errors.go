package hardware

import (
	"errors"
	"fmt"
)

// ErrAmbiguousBootMode is returned when the firmware interface cannot
// be determined from the host and no override was configured.
var ErrAmbiguousBootMode = errors.New("firmware interface could not be determined and no override is configured")

// DetectionError reports that a mandatory hardware signal could not be
// obtained. Optional signals never produce it; they degrade to absent.
type DetectionError struct {
	Signal string
	Err    error
}

func (e *DetectionError) Error() string {
	return fmt.Sprintf("detecting %s: %v", e.Signal, e.Err)
}

func (e *DetectionError) Unwrap() error {
	return e.Err
}
