package buttonshim

import (
	"context"
	"time"

	"github.com/coreman2200/buttonshim/expander"
	"github.com/coreman2200/buttonshim/led"
)

// run is the polling goroutine. It owns the last input snapshot and is the
// only user of the bus while the Shim is running.
func (s *Shim) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	last := expander.ButtonMask // all released
	for {
		last = s.cycle(last)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// cycle writes at most one queued frame, samples the buttons and dispatches
// any edges. It returns the snapshot to compare against next time.
func (s *Shim) cycle(last byte) byte {
	if f, ok := s.queue.TryPop(); ok {
		if err := s.writeFrame(f); err != nil {
			s.report(err)
		}
		s.queue.Done()
	}

	curr, err := s.bus.ReadRegister(expander.RegInput)
	if err != nil {
		s.report(&BusError{Op: "read", Register: expander.RegInput, Err: err})
		return last
	}
	if curr != last {
		s.dispatch(last, curr)
	}
	return curr
}

func (s *Shim) writeFrame(f led.Frame) error {
	for _, chunk := range f.Chunks(s.maxChunk) {
		if err := s.bus.WriteBlock(expander.RegOutput, chunk); err != nil {
			return &BusError{Op: "write", Register: expander.RegOutput, Err: err}
		}
	}
	s.log.Trace().Int("len", len(f)).Msg("frame written")
	return nil
}

// dispatch reports at most one edge per button. Buttons are active low, so
// 1 -> 0 is a press and 0 -> 1 a release.
func (s *Shim) dispatch(last, curr byte) {
	for b := Button(0); b < NumButtons; b++ {
		was := (last >> b) & 1
		now := (curr >> b) & 1
		if was > now {
			s.invoke(b, press)
			continue
		}
		if was < now {
			s.invoke(b, release)
		}
	}
}

func (s *Shim) invoke(b Button, e edge) {
	pressed := e == press
	s.log.Debug().Stringer("button", b).Bool("pressed", pressed).Msg("edge")

	h := s.handlers.get(b, e)
	if h == nil {
		return
	}
	defer func() {
		if v := recover(); v != nil {
			s.report(&HandlerPanicError{Button: b, Pressed: pressed, Value: v})
		}
	}()
	h(b, pressed)
}
