package buttonshim

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreman2200/buttonshim/expander"
	"github.com/coreman2200/buttonshim/led"
)

// fakeBus records every register access. Reads walk through script and then
// keep returning the last value, which can also be changed with set.
type fakeBus struct {
	mu        sync.Mutex
	script    []byte
	input     byte
	reads     int
	readErrs  int
	blockErrs int
	configErr error
	writes    []regWrite
	blocks    [][]byte
}

type regWrite struct {
	reg, value byte
}

func newFakeBus(script ...byte) *fakeBus {
	return &fakeBus{script: script, input: expander.ButtonMask}
}

func (f *fakeBus) ReadRegister(reg byte) (byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.readErrs > 0 {
		f.readErrs--
		return 0, errors.New("nack")
	}
	if len(f.script) > 0 {
		f.input = f.script[0]
		f.script = f.script[1:]
	}
	return f.input, nil
}

func (f *fakeBus) WriteRegister(reg, value byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.configErr != nil {
		return f.configErr
	}
	f.writes = append(f.writes, regWrite{reg, value})
	return nil
}

func (f *fakeBus) WriteBlock(reg byte, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if reg != expander.RegOutput {
		return errors.New("unexpected block register")
	}
	if f.blockErrs > 0 {
		f.blockErrs--
		return errors.New("nack")
	}
	f.blocks = append(f.blocks, append([]byte(nil), data...))
	return nil
}

func (f *fakeBus) set(v byte) {
	f.mu.Lock()
	f.input = v
	f.mu.Unlock()
}

func (f *fakeBus) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

func (f *fakeBus) scriptDone() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.script) == 0
}

// written returns all block data concatenated in write order.
func (f *fakeBus) written() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []byte
	for _, b := range f.blocks {
		out = append(out, b...)
	}
	return out
}

func (f *fakeBus) ops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads + len(f.writes) + len(f.blocks)
}

// event is one observed handler call.
type event struct {
	button  Button
	pressed bool
	read    int
}

type recorder struct {
	mu     sync.Mutex
	bus    *fakeBus
	events []event
}

func (r *recorder) handler(b Button, pressed bool) {
	read := r.bus.readCount()
	r.mu.Lock()
	r.events = append(r.events, event{b, pressed, read})
	r.mu.Unlock()
}

func (r *recorder) get() []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event(nil), r.events...)
}

func testOptions() *Options {
	l := zerolog.Nop()
	return &Options{PollInterval: time.Millisecond, Logger: &l}
}

func mustEncode(t *testing.T, r, g, b int) led.Frame {
	t.Helper()
	f, err := led.Encode(r, g, b)
	require.NoError(t, err)
	return f
}

func TestStartConfiguresExpander(t *testing.T) {
	fb := newFakeBus()
	s := New(fb, testOptions())
	require.NoError(t, s.Start())
	defer s.Stop()

	assert.Equal(t, Running, s.State())
	fb.mu.Lock()
	assert.Equal(t, []regWrite{
		{expander.RegConfig, 0b00011111},
		{expander.RegPolarity, 0},
		{expander.RegOutput, 0},
	}, fb.writes)
	fb.mu.Unlock()

	assert.ErrorIs(t, s.Start(), ErrAlreadyStarted)
}

func TestStartConfigurationFailure(t *testing.T) {
	fb := newFakeBus()
	fb.configErr = errors.New("no ack")
	s := New(fb, testOptions())

	err := s.Start()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Equal(t, Uninitialized, s.State())
	assert.Zero(t, fb.readCount(), "poller must not run after a failed start")
}

func TestPressThenRelease(t *testing.T) {
	fb := newFakeBus(0b00011111, 0b00011110, 0b00011111)
	s := New(fb, testOptions())
	rec := &recorder{bus: fb}
	s.OnPress(rec.handler)
	s.OnRelease(rec.handler)

	require.NoError(t, s.Start())
	require.Eventually(t, fb.scriptDone, time.Second, time.Millisecond)
	// Let a few idle cycles pass to prove nothing else fires.
	n := fb.readCount()
	require.Eventually(t, func() bool { return fb.readCount() > n+5 }, time.Second, time.Millisecond)
	s.Stop()

	events := rec.get()
	require.Len(t, events, 2)
	assert.Equal(t, ButtonA, events[0].button)
	assert.True(t, events[0].pressed)
	assert.Equal(t, ButtonA, events[1].button)
	assert.False(t, events[1].pressed)
}

func TestSimultaneousEdgesSameCycle(t *testing.T) {
	// A and C pressed in one read, then both released while D is pressed.
	fb := newFakeBus(0b00011111, 0b00011010, 0b00010111)
	s := New(fb, testOptions())
	rec := &recorder{bus: fb}
	s.OnPress(rec.handler)
	s.OnRelease(rec.handler)

	require.NoError(t, s.Start())
	require.Eventually(t, func() bool { return len(rec.get()) == 5 }, time.Second, time.Millisecond)
	s.Stop()

	events := rec.get()
	require.Len(t, events, 5)
	assert.Equal(t, event{ButtonA, true, events[0].read}, events[0])
	assert.Equal(t, event{ButtonC, true, events[0].read}, events[1])
	assert.Equal(t, event{ButtonA, false, events[2].read}, events[2])
	assert.Equal(t, event{ButtonC, false, events[2].read}, events[3])
	assert.Equal(t, event{ButtonD, true, events[2].read}, events[4])
	assert.NotEqual(t, events[0].read, events[2].read)
}

func TestHandlersPerButton(t *testing.T) {
	fb := newFakeBus(0b00011111, 0b00000000, 0b00011111)
	s := New(fb, testOptions())
	rec := &recorder{bus: fb}
	s.OnPress(rec.handler, ButtonB, ButtonE)
	s.BindRelease(ButtonC)(rec.handler)

	require.NoError(t, s.Start())
	require.Eventually(t, func() bool { return len(rec.get()) == 3 }, time.Second, time.Millisecond)
	s.Stop()

	events := rec.get()
	require.Len(t, events, 3)
	assert.Equal(t, ButtonB, events[0].button)
	assert.Equal(t, ButtonE, events[1].button)
	assert.Equal(t, ButtonC, events[2].button)
	assert.False(t, events[2].pressed)
}

func TestHandlerRegisteredWhileRunning(t *testing.T) {
	fb := newFakeBus()
	s := New(fb, testOptions())
	require.NoError(t, s.Start())
	defer s.Stop()

	n := fb.readCount()
	require.Eventually(t, func() bool { return fb.readCount() > n+3 }, time.Second, time.Millisecond)

	fired := make(chan Button, 1)
	s.BindPress(ButtonB)(func(b Button, pressed bool) { fired <- b })
	fb.set(0b00011101)

	select {
	case b := <-fired:
		assert.Equal(t, ButtonB, b)
	case <-time.After(time.Second):
		t.Fatal("handler registered while running never fired")
	}
}

func TestFramesWrittenInOrder(t *testing.T) {
	fb := newFakeBus()
	s := New(fb, testOptions())
	require.NoError(t, s.SetColour(255, 0, 0))
	require.NoError(t, s.SetColour(0, 0, 255))
	assert.Equal(t, 2, s.Pending())

	require.NoError(t, s.Start())
	s.Stop()

	f1 := mustEncode(t, 255, 0, 0)
	f2 := mustEncode(t, 0, 0, 255)
	want := append(append(append([]byte{}, f1...), f2...), led.Off()...)
	assert.Equal(t, want, fb.written())

	fb.mu.Lock()
	for _, b := range fb.blocks {
		assert.LessOrEqual(t, len(b), expander.MaxBlock)
	}
	fb.mu.Unlock()
}

func TestMaxChunkOption(t *testing.T) {
	fb := newFakeBus()
	opts := testOptions()
	opts.MaxChunk = 10
	s := New(fb, opts)
	require.NoError(t, s.Start())
	s.Stop()

	fb.mu.Lock()
	defer fb.mu.Unlock()
	require.Len(t, fb.blocks, (led.FrameLen+9)/10)
	for _, b := range fb.blocks {
		assert.LessOrEqual(t, len(b), 10)
	}
}

func TestSetColourInvalid(t *testing.T) {
	s := New(newFakeBus(), testOptions())
	err := s.SetColour(0, 256, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidColour)
	assert.Zero(t, s.Pending())
}

func TestStopFlushesAndTurnsOff(t *testing.T) {
	fb := newFakeBus()
	s := New(fb, testOptions())
	require.NoError(t, s.Start())
	require.NoError(t, s.SetColour(10, 20, 30))
	s.Stop()

	assert.Equal(t, Stopped, s.State())
	out := fb.written()
	require.GreaterOrEqual(t, len(out), 2*led.FrameLen)
	assert.Equal(t, []byte(mustEncode(t, 10, 20, 30)), out[len(out)-2*led.FrameLen:len(out)-led.FrameLen])
	assert.Equal(t, []byte(led.Off()), out[len(out)-led.FrameLen:])

	ops := fb.ops()
	s.Stop()
	require.NoError(t, s.Close())
	assert.Equal(t, ops, fb.ops(), "a second Stop must not touch the bus")

	require.NoError(t, s.SetColour(1, 1, 1))
	assert.Zero(t, s.Pending(), "colours after Stop are discarded")
}

func TestStopBeforeStart(t *testing.T) {
	fb := newFakeBus()
	s := New(fb, testOptions())
	s.Stop()
	assert.Equal(t, Stopped, s.State())
	assert.Zero(t, fb.ops())
	assert.ErrorIs(t, s.Start(), ErrAlreadyStarted)
}

func TestBusReadErrorIsRecoverable(t *testing.T) {
	fb := newFakeBus()
	fb.readErrs = 3
	var mu sync.Mutex
	var errs []error
	opts := testOptions()
	opts.OnError = func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}
	s := New(fb, opts)
	fired := make(chan struct{}, 1)
	s.OnPress(func(Button, bool) { fired <- struct{}{} }, ButtonE)
	require.NoError(t, s.Start())
	defer s.Stop()

	require.Eventually(t, func() bool { return fb.readCount() > 3 }, time.Second, time.Millisecond)
	fb.set(0b00001111)
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("polling did not recover from read errors")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, errs, 3)
	var be *BusError
	require.True(t, errors.As(errs[0], &be))
	assert.Equal(t, "read", be.Op)
	assert.Equal(t, expander.RegInput, be.Register)
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	fb := newFakeBus(0b00011111, 0b00011110, 0b00011111)
	errs := make(chan error, 4)
	opts := testOptions()
	opts.OnError = func(err error) { errs <- err }
	s := New(fb, opts)
	s.OnPress(func(Button, bool) { panic("boom") }, ButtonA)
	released := make(chan struct{}, 1)
	s.OnRelease(func(Button, bool) { released <- struct{}{} }, ButtonA)

	require.NoError(t, s.Start())
	defer s.Stop()

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("polling stopped after a handler panic")
	}
	err := <-errs
	var hp *HandlerPanicError
	require.True(t, errors.As(err, &hp))
	assert.Equal(t, ButtonA, hp.Button)
	assert.True(t, hp.Pressed)
	assert.Equal(t, "boom", hp.Value)
}

func TestStopWhenDone(t *testing.T) {
	fb := newFakeBus()
	s := New(fb, testOptions())
	require.NoError(t, s.Start())

	ctx, cancel := context.WithCancel(context.Background())
	done := s.StopWhenDone(ctx)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("StopWhenDone did not stop the shim")
	}
	assert.Equal(t, Stopped, s.State())
}

func TestButtonNames(t *testing.T) {
	for i, b := range AllButtons() {
		assert.Equal(t, Names[i], b.String())
		p, err := ParseButton(Names[i])
		require.NoError(t, err)
		assert.Equal(t, b, p)
	}
	p, err := ParseButton("c")
	require.NoError(t, err)
	assert.Equal(t, ButtonC, p)
	_, err = ParseButton("F")
	assert.Error(t, err)
	assert.Equal(t, "Button(7)", Button(7).String())
}

func TestFrameWriteErrorIsReported(t *testing.T) {
	fb := newFakeBus()
	fb.blockErrs = 1
	errs := make(chan error, 4)
	opts := testOptions()
	opts.OnError = func(err error) { errs <- err }
	s := New(fb, opts)
	require.NoError(t, s.SetColour(10, 20, 30))
	require.NoError(t, s.Start())

	select {
	case err := <-errs:
		var be *BusError
		require.True(t, errors.As(err, &be))
		assert.Equal(t, "write", be.Op)
		assert.Equal(t, expander.RegOutput, be.Register)
	case <-time.After(time.Second):
		t.Fatal("failed frame write not reported")
	}

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop hung after a failed frame write")
	}

	// The failed frame is abandoned at its first chunk, so only Off is written.
	assert.Equal(t, []byte(led.Off()), fb.written())
	assert.Zero(t, s.Pending())
}
