package buttonshim

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Button identifies one of the five buttons on the board.
type Button uint8

const (
	ButtonA Button = iota
	ButtonB
	ButtonC
	ButtonD
	ButtonE

	NumButtons = 5
)

// Names holds the printed label of each button, indexed by Button.
var Names = [NumButtons]string{"A", "B", "C", "D", "E"}

func (b Button) String() string {
	if b < NumButtons {
		return Names[b]
	}
	return fmt.Sprintf("Button(%d)", uint8(b))
}

// AllButtons returns every button in index order.
func AllButtons() []Button {
	return []Button{ButtonA, ButtonB, ButtonC, ButtonD, ButtonE}
}

// ParseButton accepts a button label such as "A" or "b".
func ParseButton(name string) (Button, error) {
	for i, n := range Names {
		if strings.EqualFold(n, name) {
			return Button(i), nil
		}
	}
	return 0, fmt.Errorf("unknown button %q", name)
}

// Handler is called from the polling goroutine with the button that changed
// and whether it is now pressed. Handlers should return quickly: polling and
// LED updates wait for them.
type Handler func(b Button, pressed bool)

type edge int

const (
	press edge = iota
	release
)

// registry holds one handler slot per button and edge. Each slot is swapped
// atomically so the poller never sees a torn update.
type registry struct {
	slots [NumButtons][2]atomic.Pointer[Handler]
}

func (r *registry) set(e edge, h Handler, buttons []Button) {
	if len(buttons) == 0 {
		buttons = AllButtons()
	}
	var p *Handler
	if h != nil {
		p = &h
	}
	for _, b := range buttons {
		if b >= NumButtons {
			continue
		}
		r.slots[b][e].Store(p)
	}
}

func (r *registry) get(b Button, e edge) Handler {
	if p := r.slots[b][e].Load(); p != nil {
		return *p
	}
	return nil
}

// OnPress attaches h as the press handler of buttons, or of every button when
// none are given. A nil h removes the handlers.
func (s *Shim) OnPress(h Handler, buttons ...Button) {
	s.handlers.set(press, h, buttons)
}

// OnRelease attaches h as the release handler of buttons, or of every button
// when none are given. A nil h removes the handlers.
func (s *Shim) OnRelease(h Handler, buttons ...Button) {
	s.handlers.set(release, h, buttons)
}

// BindPress returns a function that attaches its argument as the press
// handler of buttons once called.
//
//	bind := shim.BindPress(buttonshim.ButtonA)
//	bind(func(b buttonshim.Button, pressed bool) { ... })
func (s *Shim) BindPress(buttons ...Button) func(Handler) {
	buttons = append([]Button(nil), buttons...)
	return func(h Handler) { s.OnPress(h, buttons...) }
}

// BindRelease is the release counterpart of BindPress.
func (s *Shim) BindRelease(buttons ...Button) func(Handler) {
	buttons = append([]Button(nil), buttons...)
	return func(h Handler) { s.OnRelease(h, buttons...) }
}
