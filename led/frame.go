package led

import (
	"errors"
	"fmt"
)

// Output register bits used as a virtual clock/data bus for the indicator.
const (
	ClockBit = 6
	DataBit  = 7
)

const (
	// Marker is the per-LED header byte: three 1 bits then full global brightness.
	Marker byte = 0b11101111

	// SnapshotsPerByte is the number of output register values needed to clock
	// out one byte, MSB first: data set with clock low, then clock raised.
	SnapshotsPerByte = 16

	// FrameLen is the length of every encoded Frame: two start bytes, marker,
	// blue, green, red and two trailing bytes, each clocked out bit by bit.
	FrameLen = 8 * SnapshotsPerByte
)

// ErrInvalidColour is matched by every InvalidColourError.
var ErrInvalidColour = errors.New("invalid colour")

// InvalidColourError identifies the channel that was out of range.
type InvalidColourError struct {
	Channel string
	Value   int
}

func (e *InvalidColourError) Error() string {
	return fmt.Sprintf("invalid colour: channel %s=%d, want 0..255", e.Channel, e.Value)
}

func (e *InvalidColourError) Is(target error) bool {
	return target == ErrInvalidColour
}

// Frame is one complete colour update expressed as successive output register
// values. A Frame must not be modified once it has been queued.
type Frame []byte

// Encode validates r, g and b, applies gamma correction and returns the Frame
// that clocks the colour into the indicator.
func Encode(r, g, b int) (Frame, error) {
	for _, c := range []struct {
		name string
		v    int
	}{{"r", r}, {"g", g}, {"b", b}} {
		if c.v < 0 || c.v > 255 {
			return nil, &InvalidColourError{Channel: c.name, Value: c.v}
		}
	}

	f := make(Frame, 0, FrameLen)
	for _, v := range []byte{
		0, 0,
		Marker,
		Correct(uint8(b)),
		Correct(uint8(g)),
		Correct(uint8(r)),
		0, 0,
	} {
		f = appendByte(f, v)
	}
	return f, nil
}

// Off returns the Frame that switches the indicator off.
func Off() Frame {
	f, _ := Encode(0, 0, 0)
	return f
}

// appendByte bit-bangs v MSB first. Each bit is two snapshots: data driven
// with the clock low, then the clock raised with data held.
func appendByte(f Frame, v byte) Frame {
	for i := 7; i >= 0; i-- {
		var s byte
		if (v>>i)&1 == 1 {
			s |= 1 << DataBit
		}
		f = append(f, s, s|1<<ClockBit)
	}
	return f
}

// Chunks splits f into consecutive pieces no longer than max, preserving order.
// A non-positive max yields the whole frame as a single chunk.
func (f Frame) Chunks(max int) [][]byte {
	if len(f) == 0 {
		return nil
	}
	if max <= 0 || max >= len(f) {
		return [][]byte{f}
	}
	out := make([][]byte, 0, (len(f)+max-1)/max)
	for i := 0; i < len(f); i += max {
		end := i + max
		if end > len(f) {
			end = len(f)
		}
		out = append(out, f[i:end])
	}
	return out
}
