package buttonshim

import (
	"errors"
	"fmt"

	"github.com/coreman2200/buttonshim/led"
)

var (
	// ErrConfiguration wraps any failure while configuring the expander in Start.
	ErrConfiguration = errors.New("buttonshim: expander configuration failed")

	// ErrAlreadyStarted is returned by Start once the shim has left Uninitialized.
	ErrAlreadyStarted = errors.New("buttonshim: already started")

	// ErrInvalidColour is matched by errors returned from SetColour.
	ErrInvalidColour = led.ErrInvalidColour
)

// BusError is a failed register access inside a poll cycle. The cycle is
// skipped and polling carries on at the next interval.
type BusError struct {
	Op       string
	Register byte
	Err      error
}

func (e *BusError) Error() string {
	return fmt.Sprintf("buttonshim: %s register %#02x: %v", e.Op, e.Register, e.Err)
}

func (e *BusError) Unwrap() error { return e.Err }

// HandlerPanicError carries the value recovered from a panicking handler.
type HandlerPanicError struct {
	Button  Button
	Pressed bool
	Value   any
}

func (e *HandlerPanicError) Error() string {
	kind := "release"
	if e.Pressed {
		kind = "press"
	}
	return fmt.Sprintf("buttonshim: %s handler for button %s panicked: %v", kind, e.Button, e.Value)
}
