// Package sim emulates the button board's I/O expander on a periph.io I2C bus.
//
// Writes to the output register drive a decoder for the indicator's two wire
// protocol, so the colour the driver clocked out can be read back.
package sim

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"

	"github.com/coreman2200/buttonshim/expander"
	"github.com/coreman2200/buttonshim/led"
)

// Colour is the last payload latched by the indicator, after gamma correction.
type Colour struct {
	R, G, B    byte
	Brightness byte
}

// Bus is an emulated I2C bus with the expander attached at expander.Address.
type Bus struct {
	mu sync.Mutex

	output   byte
	polarity byte
	config   byte
	pins     byte // external level of the button lines, 1 = released
	speed    physic.Frequency

	dec      decoder
	colour   Colour
	latched  bool
	frames   int
	txs      int
	failNext int
	onColour func(Colour)
}

// New returns a bus with the expander in its power-on state: every line an
// input and every button released.
func New() *Bus {
	return &Bus{
		config: 0xff,
		pins:   expander.ButtonMask,
		speed:  100 * physic.KiloHertz,
	}
}

func (b *Bus) String() string { return "sim-i2c" }

// Close implements i2c.BusCloser.
func (b *Bus) Close() error { return nil }

func (b *Bus) SetSpeed(f physic.Frequency) error {
	if f <= 0 {
		return fmt.Errorf("sim: invalid speed %s", f)
	}
	b.mu.Lock()
	b.speed = f
	b.mu.Unlock()
	return nil
}

// Tx implements i2c.Bus. The first written byte selects the register. Further
// written bytes all go to that register, as the expander does not increment.
func (b *Bus) Tx(addr uint16, w, r []byte) error {
	var latched []Colour
	var cb func(Colour)

	b.mu.Lock()
	b.txs++
	if b.failNext > 0 {
		b.failNext--
		b.mu.Unlock()
		return fmt.Errorf("sim: injected failure")
	}
	if addr != expander.Address {
		b.mu.Unlock()
		return fmt.Errorf("sim: no device at %#x", addr)
	}
	if len(w) == 0 {
		b.mu.Unlock()
		return fmt.Errorf("sim: missing register")
	}
	reg := w[0]
	if reg > expander.RegConfig {
		b.mu.Unlock()
		return fmt.Errorf("sim: invalid register %#02x", reg)
	}
	for _, v := range w[1:] {
		if c, ok := b.write(reg, v); ok {
			latched = append(latched, c)
		}
	}
	for i := range r {
		r[i] = b.read(reg)
	}
	cb = b.onColour
	b.mu.Unlock()

	if cb != nil {
		for _, c := range latched {
			cb(c)
		}
	}
	return nil
}

func (b *Bus) write(reg, v byte) (Colour, bool) {
	switch reg {
	case expander.RegOutput:
		prev := b.output
		b.output = v
		if prev&(1<<led.ClockBit) == 0 && v&(1<<led.ClockBit) != 0 {
			if c, ok := b.dec.clock(v&(1<<led.DataBit) != 0); ok {
				b.colour = c
				b.latched = true
				b.frames++
				return c, true
			}
		}
	case expander.RegPolarity:
		b.polarity = v
	case expander.RegConfig:
		b.config = v
	}
	return Colour{}, false
}

func (b *Bus) read(reg byte) byte {
	switch reg {
	case expander.RegInput:
		// Input lines show the external level, output lines what we drive.
		level := (b.pins & b.config) | (b.output &^ b.config)
		return level ^ b.polarity
	case expander.RegOutput:
		return b.output
	case expander.RegPolarity:
		return b.polarity
	default:
		return b.config
	}
}

// Press holds button index i (0..4) down.
func (b *Bus) Press(i int) {
	b.mu.Lock()
	b.pins &^= 1 << uint(i)
	b.mu.Unlock()
}

// Release lets button index i (0..4) go.
func (b *Bus) Release(i int) {
	b.mu.Lock()
	b.pins |= 1 << uint(i)
	b.mu.Unlock()
}

// Colour returns the last colour latched by the indicator.
func (b *Bus) Colour() (Colour, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.colour, b.latched
}

// Frames counts the colour payloads latched so far.
func (b *Bus) Frames() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frames
}

// Transactions counts every Tx call, failed ones included.
func (b *Bus) Transactions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.txs
}

// Output returns the output register.
func (b *Bus) Output() byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.output
}

// Config returns the direction register.
func (b *Bus) Config() byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.config
}

// Speed returns the last speed set on the bus.
func (b *Bus) Speed() physic.Frequency {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.speed
}

// FailNext makes the next n transactions fail.
func (b *Bus) FailNext(n int) {
	b.mu.Lock()
	b.failNext = n
	b.mu.Unlock()
}

// OnColour registers f to be called, outside the bus lock, for every colour
// the indicator latches.
func (b *Bus) OnColour(f func(Colour)) {
	b.mu.Lock()
	b.onColour = f
	b.mu.Unlock()
}

// decoder reassembles bytes from rising clock edges and picks colour payloads
// out of the byte stream: at least two zero bytes, a header with the top three
// bits set, then blue, green and red.
type decoder struct {
	cur     byte
	nbits   int
	zeros   int
	header  byte
	payload []byte
	inFrame bool
}

func (d *decoder) clock(bit bool) (Colour, bool) {
	d.cur <<= 1
	if bit {
		d.cur |= 1
	}
	d.nbits++
	if d.nbits < 8 {
		return Colour{}, false
	}
	v := d.cur
	d.cur, d.nbits = 0, 0
	return d.byte(v)
}

func (d *decoder) byte(v byte) (Colour, bool) {
	if d.inFrame {
		d.payload = append(d.payload, v)
		if len(d.payload) < 3 {
			return Colour{}, false
		}
		c := Colour{B: d.payload[0], G: d.payload[1], R: d.payload[2], Brightness: d.header & 0x1f}
		d.inFrame = false
		d.payload = d.payload[:0]
		d.zeros = 0
		return c, true
	}
	switch {
	case v == 0:
		d.zeros++
	case d.zeros >= 2 && v&0xe0 == 0xe0:
		d.inFrame = true
		d.header = v
		d.zeros = 0
	default:
		d.zeros = 0
	}
	return Colour{}, false
}

var _ i2c.BusCloser = &Bus{}
