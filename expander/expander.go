// Package expander talks to the 8-bit I/O expander on the button board.
//
// The expander sits at a fixed I2C address and exposes four byte registers.
// Bits 0-4 are the five buttons (active low). Bits 6 and 7 are outputs that
// carry the clock and data lines of the RGB indicator.
package expander

import (
	"fmt"

	"periph.io/x/conn/v3/i2c"
)

// Address is the expander's I2C address. The board does not allow changing it.
const Address uint16 = 0x3f

// Registers.
const (
	RegInput    byte = 0x00
	RegOutput   byte = 0x01
	RegPolarity byte = 0x02
	RegConfig   byte = 0x03
)

const (
	// ButtonMask selects the button lines in the input register.
	ButtonMask byte = 0b00011111

	// MaxBlock is the largest payload accepted by a single block write.
	MaxBlock = 32
)

// Bus is the register level transport the driver core needs.
type Bus interface {
	// ReadRegister reads one byte register.
	ReadRegister(reg byte) (byte, error)
	// WriteRegister writes one byte register.
	WriteRegister(reg, value byte) error
	// WriteBlock writes data to successive transfers of reg in one
	// transaction. len(data) must not exceed the transport's block limit.
	WriteBlock(reg byte, data []byte) error
}

// Dev is a Bus backed by a periph.io I2C bus.
type Dev struct {
	d *i2c.Dev
}

// New returns the expander on bus at Address.
func New(bus i2c.Bus) *Dev {
	return &Dev{d: &i2c.Dev{Bus: bus, Addr: Address}}
}

func (dev *Dev) ReadRegister(reg byte) (byte, error) {
	var r [1]byte
	if err := dev.d.Tx([]byte{reg}, r[:]); err != nil {
		return 0, fmt.Errorf("expander: read register %#02x: %w", reg, err)
	}
	return r[0], nil
}

func (dev *Dev) WriteRegister(reg, value byte) error {
	if err := dev.d.Tx([]byte{reg, value}, nil); err != nil {
		return fmt.Errorf("expander: write register %#02x: %w", reg, err)
	}
	return nil
}

func (dev *Dev) WriteBlock(reg byte, data []byte) error {
	if len(data) > MaxBlock {
		return fmt.Errorf("expander: block of %d bytes exceeds limit of %d", len(data), MaxBlock)
	}
	if len(data) == 0 {
		return nil
	}
	w := make([]byte, 0, len(data)+1)
	w = append(w, reg)
	w = append(w, data...)
	if err := dev.d.Tx(w, nil); err != nil {
		return fmt.Errorf("expander: block write register %#02x: %w", reg, err)
	}
	return nil
}

func (dev *Dev) String() string {
	return fmt.Sprintf("expander{%s@%#02x}", dev.d.Bus, dev.d.Addr)
}

// Configure prepares the expander for the board: button lines as inputs with
// no polarity inversion, indicator lines as outputs driven low.
func Configure(b Bus) error {
	if err := b.WriteRegister(RegConfig, ButtonMask); err != nil {
		return fmt.Errorf("configure directions: %w", err)
	}
	if err := b.WriteRegister(RegPolarity, 0); err != nil {
		return fmt.Errorf("configure polarity: %w", err)
	}
	if err := b.WriteRegister(RegOutput, 0); err != nil {
		return fmt.Errorf("configure outputs: %w", err)
	}
	return nil
}

var _ Bus = &Dev{}
