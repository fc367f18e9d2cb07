// Package buttonshim drives a five button board with an RGB indicator, both
// wired to a single I2C I/O expander.
//
// A Shim owns one goroutine that polls the expander's input register, turns
// bit changes into press and release callbacks, and writes queued LED frames
// to the expander's output register. All bus access happens on that goroutine.
package buttonshim

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/coreman2200/buttonshim/expander"
	"github.com/coreman2200/buttonshim/led"
)

// DefaultPollInterval is the time between two polling cycles.
const DefaultPollInterval = 2 * time.Millisecond

// State is the lifecycle stage of a Shim. It only moves forward.
type State int32

const (
	Uninitialized State = iota
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Options tunes a Shim. The zero value is usable.
type Options struct {
	// PollInterval defaults to DefaultPollInterval.
	PollInterval time.Duration
	// MaxChunk caps each block write of a frame. Defaults to expander.MaxBlock.
	MaxChunk int
	// Logger defaults to the global zerolog logger.
	Logger *zerolog.Logger
	// OnError observes recoverable failures: *BusError and *HandlerPanicError.
	// When nil they are logged at warn level.
	OnError func(error)
}

// Shim is one button board. Create it with New, then Start it.
type Shim struct {
	bus      expander.Bus
	interval time.Duration
	maxChunk int
	log      zerolog.Logger
	onError  func(error)

	queue    *led.Queue
	handlers registry

	mu     sync.Mutex   // serializes Start and Stop
	pushMu sync.RWMutex // orders SetColour against the move to Stopping
	state  atomic.Int32
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns an unstarted Shim on bus. opts may be nil.
func New(bus expander.Bus, opts *Options) *Shim {
	if opts == nil {
		opts = &Options{}
	}
	s := &Shim{
		bus:      bus,
		interval: opts.PollInterval,
		maxChunk: opts.MaxChunk,
		onError:  opts.OnError,
		queue:    led.NewQueue(),
	}
	if s.interval <= 0 {
		s.interval = DefaultPollInterval
	}
	if s.maxChunk <= 0 {
		s.maxChunk = expander.MaxBlock
	}
	if opts.Logger != nil {
		s.log = *opts.Logger
	} else {
		s.log = log.Logger
	}
	s.log = s.log.With().Str("component", "buttonshim").Logger()
	return s
}

// State reports the current lifecycle stage.
func (s *Shim) State() State {
	return State(s.state.Load())
}

// Start configures the expander and launches the polling goroutine. A
// configuration failure is returned wrapped in ErrConfiguration and leaves
// the Shim Uninitialized.
func (s *Shim) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.State(); st != Uninitialized {
		return fmt.Errorf("%w (state %s)", ErrAlreadyStarted, st)
	}
	if err := expander.Configure(s.bus); err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.state.Store(int32(Running))
	s.wg.Add(1)
	go s.run(ctx)

	s.log.Info().Dur("interval", s.interval).Int("max_chunk", s.maxChunk).Msg("started")
	return nil
}

// Stop drains every queued frame, turns the indicator off and waits for the
// polling goroutine to exit. Calling it again is a no-op. Stop must not be
// called from a Handler.
func (s *Shim) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.State() {
	case Stopped:
		return
	case Uninitialized:
		s.state.Store(int32(Stopped))
		return
	}

	s.pushMu.Lock()
	s.state.Store(int32(Stopping))
	s.pushMu.Unlock()
	s.log.Info().Int("pending", s.queue.Len()).Msg("stopping")

	s.queue.Wait()
	s.queue.Push(led.Off())
	s.queue.Wait()

	s.cancel()
	s.wg.Wait()
	s.state.Store(int32(Stopped))
	s.log.Info().Msg("stopped")
}

// Close stops the Shim. It implements io.Closer.
func (s *Shim) Close() error {
	s.Stop()
	return nil
}

// StopWhenDone stops the Shim once ctx is done. The returned channel is
// closed after Stop has completed, so a process can wait on it before exit.
func (s *Shim) StopWhenDone(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		s.Stop()
	}()
	return done
}

// SetColour queues an update of the indicator. Channels must be in 0..255;
// otherwise an error matching ErrInvalidColour is returned and nothing is
// queued. Updates are written in call order, each in full. Once the Shim is
// stopping, updates are discarded.
func (s *Shim) SetColour(r, g, b int) error {
	f, err := led.Encode(r, g, b)
	if err != nil {
		return err
	}

	s.pushMu.RLock()
	defer s.pushMu.RUnlock()
	if st := s.State(); st == Stopping || st == Stopped {
		s.log.Debug().Stringer("state", st).Msg("colour discarded")
		return nil
	}
	s.queue.Push(f)
	return nil
}

// Pending reports how many LED frames are waiting to be written.
func (s *Shim) Pending() int {
	return s.queue.Len()
}

func (s *Shim) report(err error) {
	if s.onError != nil {
		s.onError(err)
		return
	}
	s.log.Warn().Err(err).Msg("poll cycle")
}
