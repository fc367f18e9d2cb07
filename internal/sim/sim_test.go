package sim_test

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/physic"

	"github.com/coreman2200/buttonshim"
	"github.com/coreman2200/buttonshim/expander"
	"github.com/coreman2200/buttonshim/internal/sim"
	"github.com/coreman2200/buttonshim/led"
)

func newShim(t *testing.T, bus *sim.Bus) *buttonshim.Shim {
	t.Helper()
	l := zerolog.Nop()
	s := buttonshim.New(expander.New(bus), &buttonshim.Options{PollInterval: time.Millisecond, Logger: &l})
	require.NoError(t, s.Start())
	return s
}

func TestDecodesFrame(t *testing.T) {
	bus := sim.New()
	dev := expander.New(bus)
	require.NoError(t, expander.Configure(dev))
	assert.Equal(t, expander.ButtonMask, bus.Config())

	f, err := led.Encode(255, 128, 0)
	require.NoError(t, err)
	for _, c := range f.Chunks(expander.MaxBlock) {
		require.NoError(t, dev.WriteBlock(expander.RegOutput, c))
	}

	c, ok := bus.Colour()
	require.True(t, ok)
	assert.Equal(t, sim.Colour{R: 255, G: led.Correct(128), B: 0, Brightness: led.Marker & 0x1f}, c)
	assert.Equal(t, 1, bus.Frames())
}

func TestInputRegister(t *testing.T) {
	bus := sim.New()
	dev := expander.New(bus)
	require.NoError(t, expander.Configure(dev))

	v, err := dev.ReadRegister(expander.RegInput)
	require.NoError(t, err)
	assert.Equal(t, byte(0b00011111), v)

	bus.Press(3)
	v, err = dev.ReadRegister(expander.RegInput)
	require.NoError(t, err)
	assert.Equal(t, byte(0b00010111), v)

	bus.Release(3)
	require.NoError(t, dev.WriteRegister(expander.RegOutput, 1<<led.ClockBit))
	v, err = dev.ReadRegister(expander.RegInput)
	require.NoError(t, err)
	assert.Equal(t, byte(0b01011111), v, "output lines read back what is driven")
}

func TestTxErrors(t *testing.T) {
	bus := sim.New()
	assert.Error(t, bus.Tx(0x20, []byte{0}, make([]byte, 1)))
	assert.Error(t, bus.Tx(expander.Address, nil, nil))
	assert.Error(t, bus.Tx(expander.Address, []byte{0x09}, nil))
	bus.FailNext(1)
	assert.Error(t, bus.Tx(expander.Address, []byte{0}, make([]byte, 1)))
	assert.NoError(t, bus.Tx(expander.Address, []byte{0}, make([]byte, 1)))
	assert.Equal(t, 5, bus.Transactions())

	require.NoError(t, bus.SetSpeed(400*physic.KiloHertz))
	assert.Equal(t, 400*physic.KiloHertz, bus.Speed())
	assert.Error(t, bus.SetSpeed(0))
}

func TestShimEndToEnd(t *testing.T) {
	bus := sim.New()
	colours := make(chan sim.Colour, 8)
	bus.OnColour(func(c sim.Colour) { colours <- c })
	s := newShim(t, bus)

	pressed := make(chan buttonshim.Button, 1)
	released := make(chan buttonshim.Button, 1)
	s.OnPress(func(b buttonshim.Button, _ bool) { pressed <- b })
	s.OnRelease(func(b buttonshim.Button, _ bool) { released <- b })

	require.NoError(t, s.SetColour(0, 255, 0))
	select {
	case c := <-colours:
		assert.Equal(t, byte(255), c.G)
		assert.Zero(t, c.R)
		assert.Zero(t, c.B)
	case <-time.After(time.Second):
		t.Fatal("colour never latched")
	}

	bus.Press(int(buttonshim.ButtonC))
	select {
	case b := <-pressed:
		assert.Equal(t, buttonshim.ButtonC, b)
	case <-time.After(time.Second):
		t.Fatal("press not dispatched")
	}
	bus.Release(int(buttonshim.ButtonC))
	select {
	case b := <-released:
		assert.Equal(t, buttonshim.ButtonC, b)
	case <-time.After(time.Second):
		t.Fatal("release not dispatched")
	}

	s.Stop()
	c, ok := bus.Colour()
	require.True(t, ok)
	assert.Equal(t, sim.Colour{Brightness: led.Marker & 0x1f}, c, "indicator must be off after Stop")
}

func TestShimSurvivesBusFailures(t *testing.T) {
	bus := sim.New()
	errs := make(chan error, 16)
	l := zerolog.Nop()
	s := buttonshim.New(expander.New(bus), &buttonshim.Options{
		PollInterval: time.Millisecond,
		Logger:       &l,
		OnError: func(err error) {
			select {
			case errs <- err:
			default:
			}
		},
	})
	require.NoError(t, s.Start())
	defer s.Stop()

	bus.FailNext(2)
	select {
	case err := <-errs:
		assert.ErrorContains(t, err, "injected failure")
	case <-time.After(time.Second):
		t.Fatal("bus failure not reported")
	}

	pressed := make(chan struct{}, 1)
	s.OnPress(func(buttonshim.Button, bool) { pressed <- struct{}{} }, buttonshim.ButtonA)
	bus.Press(0)
	select {
	case <-pressed:
	case <-time.After(time.Second):
		t.Fatal("polling did not resume")
	}
}

func TestStartFailsWithoutDevice(t *testing.T) {
	bus := sim.New()
	bus.FailNext(1)
	l := zerolog.Nop()
	s := buttonshim.New(expander.New(bus), &buttonshim.Options{Logger: &l})
	err := s.Start()
	require.Error(t, err)
	assert.ErrorIs(t, err, buttonshim.ErrConfiguration)
}
