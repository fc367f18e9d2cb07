package ws

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/coreman2200/buttonshim"
	"github.com/coreman2200/buttonshim/internal/config"
	diag "github.com/coreman2200/buttonshim/internal/diagnostics"
	"github.com/coreman2200/buttonshim/internal/tests"
	"github.com/coreman2200/buttonshim/led"
)

// MaxFPS caps the render loop rate accepted from config and control messages.
const MaxFPS = 1000

// Indicator is the part of *buttonshim.Shim the daemon drives.
type Indicator interface {
	SetColour(r, g, b int) error
	State() buttonshim.State
	Pending() int
}

type State struct {
	mu         sync.RWMutex
	FPS        int
	Brightness float64
	Demo       bool

	ConfigPath    string
	Config        *config.Config
	Shim          Indicator
	CurrentDriver string

	buttonColours [buttonshim.NumButtons]*[3]int
	manual        *[3]int
	held          buttonshim.Button
	holding       bool
	pressed       [buttonshim.NumButtons]bool
	presses       [buttonshim.NumButtons]uint64

	colour    [3]int
	pushed    bool
	frameID   uint64
	phase     float64
	startTime time.Time

	events *hub
	diags  *hub
	out    chan outbound

	testRunner *tests.Runner
}

type outbound struct {
	to   *hub
	data []byte
}

// hub serializes writes to a set of websocket clients.
type hub struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]bool
}

func newHub() *hub { return &hub{conns: map[*websocket.Conn]bool{}} }

func (h *hub) add(c *websocket.Conn) {
	h.mu.Lock()
	h.conns[c] = true
	h.mu.Unlock()
}

func (h *hub) remove(c *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

func (h *hub) send(c *websocket.Conn, b []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c.SetWriteDeadline(time.Now().Add(200 * time.Millisecond))
	return c.WriteMessage(websocket.TextMessage, b)
}

func (h *hub) broadcast(b []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		c.SetWriteDeadline(time.Now().Add(200 * time.Millisecond))
		if err := c.WriteMessage(websocket.TextMessage, b); err != nil {
			log.Debug().Err(err).Msg("write event")
		}
	}
}

func NewState(shim Indicator, cfg *config.Config) *State {
	s := &State{
		FPS:        clampFPS(cfg.FPS),
		Brightness: clamp(cfg.Brightness, 0, 1),
		Demo:       cfg.DemoEnabled(),
		Config:     cfg,
		Shim:       shim,
		startTime:  time.Now(),
		events:     newHub(),
		diags:      newHub(),
		out:        make(chan outbound, 64),
	}
	for name, hex := range cfg.ButtonColours {
		s.setButtonColour(name, hex)
	}
	return s
}

func (s *State) setButtonColour(name, hex string) {
	b, err := buttonshim.ParseButton(name)
	if err != nil {
		log.Warn().Err(err).Msg("button colour ignored")
		return
	}
	r, g, bl, err := config.ParseHex(hex)
	if err != nil {
		log.Warn().Err(err).Stringer("button", b).Msg("button colour ignored")
		return
	}
	s.buttonColours[b] = &[3]int{r, g, bl}
}

// RunRenderLoop picks the indicator colour every tick and forwards queued
// websocket messages until ctx is done. A colour is only queued on the shim
// when it differs from the last one.
func (s *State) RunRenderLoop(ctx context.Context) {
	s.mu.RLock()
	fps := s.FPS
	s.mu.RUnlock()
	ticker := time.NewTicker(interval(fps))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case m := <-s.out:
			m.to.broadcast(m.data)
		case <-ticker.C:
			s.tick()
			s.mu.RLock()
			if s.FPS != fps {
				fps = s.FPS
				ticker.Reset(interval(fps))
			}
			s.mu.RUnlock()
		}
	}
}

func (s *State) tick() {
	s.mu.Lock()
	var c [3]int
	switch {
	case s.testRunner != nil:
		next, ok := s.testRunner.Step()
		if !ok {
			kind := s.testRunner.Kind()
			s.testRunner = nil
			s.pushDiag(diag.Diagnostic{Severity: diag.Info, Code: "TEST.DONE", Summary: "Test complete", Detail: string(kind)})
			c = s.idleColour()
		} else {
			c = next
		}
	case s.holding && s.buttonColours[s.held] != nil:
		c = scale(*s.buttonColours[s.held], s.Brightness)
	default:
		c = s.idleColour()
	}
	if s.pushed && c == s.colour {
		s.mu.Unlock()
		return
	}
	s.colour, s.pushed = c, true
	s.frameID++
	shim := s.Shim
	s.mu.Unlock()

	if shim == nil {
		return
	}
	if err := shim.SetColour(c[0], c[1], c[2]); err != nil {
		log.Warn().Err(err).Ints("rgb", c[:]).Msg("set colour")
	}
}

// idleColour expects s.mu held.
func (s *State) idleColour() [3]int {
	switch {
	case s.manual != nil:
		return scale(*s.manual, s.Brightness)
	case s.Demo:
		r, g, b := led.HSV(s.phase, 1, s.Brightness)
		s.phase = math.Mod(s.phase+1.0/float64(max(1, s.FPS)*10), 1)
		return [3]int{r, g, b}
	default:
		return [3]int{}
	}
}

// HandleButton is installed as both press and release handler. It runs on the
// shim's polling goroutine, so it only records the edge and queues the event.
func (s *State) HandleButton(b buttonshim.Button, pressed bool) {
	s.mu.Lock()
	s.pressed[b] = pressed
	if pressed {
		s.presses[b]++
		s.held, s.holding = b, true
	} else if s.holding && s.held == b {
		s.holding = false
		for _, other := range buttonshim.AllButtons() {
			if s.pressed[other] {
				s.held, s.holding = other, true
				break
			}
		}
	}
	s.mu.Unlock()

	type event struct {
		T       int64  `json:"t"`
		Button  string `json:"button"`
		Pressed bool   `json:"pressed"`
	}
	data, _ := json.Marshal(event{T: time.Now().UnixNano(), Button: b.String(), Pressed: pressed})
	s.enqueue(s.events, data)
}

// ReportError is the shim's error hook.
func (s *State) ReportError(err error) {
	log.Warn().Err(err).Msg("shim")
	s.mu.Lock()
	s.pushDiag(diag.FromError(err))
	s.mu.Unlock()
}

func (s *State) enqueue(to *hub, data []byte) {
	select {
	case s.out <- outbound{to: to, data: data}:
	default:
		log.Debug().Msg("websocket queue full, message dropped")
	}
}

func (s *State) HandleEventsWS(w http.ResponseWriter, r *http.Request) {
	s.serveHub(s.events, w, r, s.status)
}

func (s *State) HandleDiagWS(w http.ResponseWriter, r *http.Request) {
	s.serveHub(s.diags, w, r, func() any {
		return diag.Diagnostic{Severity: diag.Info, Code: "DIAG.CONNECTED", Summary: "Diagnostics stream"}
	})
}

func (s *State) serveHub(h *hub, w http.ResponseWriter, r *http.Request, hello func() any) {
	up := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.add(conn)
	b, _ := json.Marshal(hello())
	if err := h.send(conn, b); err != nil {
		log.Debug().Err(err).Msg("write hello")
	}

	go func() {
		defer func() {
			h.remove(conn)
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *State) HandleControlWS(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		s.applyControl(msg)
		b, _ := json.Marshal(s.status())
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			return
		}
	}
}

func (s *State) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.status())
}

func (s *State) status() any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	presses := map[string]uint64{}
	pressed := map[string]bool{}
	for _, b := range buttonshim.AllButtons() {
		presses[b.String()] = s.presses[b]
		pressed[b.String()] = s.pressed[b]
	}
	resp := map[string]any{
		"driver":     s.CurrentDriver,
		"frame_id":   s.frameID,
		"uptime_s":   time.Since(s.startTime).Seconds(),
		"fps":        s.FPS,
		"brightness": s.Brightness,
		"demo":       s.Demo,
		"colour":     config.FormatHex(s.colour[0], s.colour[1], s.colour[2]),
		"presses":    presses,
		"pressed":    pressed,
	}
	if s.Shim != nil {
		resp["state"] = s.Shim.State().String()
		resp["pending"] = s.Shim.Pending()
	}
	if s.testRunner != nil {
		resp["test"] = string(s.testRunner.Kind())
	}
	return resp
}

func (s *State) applyControl(msg map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := msg["fps"].(float64); ok && v > 0 {
		s.FPS = clampFPS(int(math.Min(v, MaxFPS)))
	}
	if v, ok := msg["brightness"].(float64); ok {
		s.Brightness = clamp(v, 0, 1)
	}
	if v, ok := msg["demo"].(bool); ok {
		s.Demo = v
	}
	if v, ok := msg["colour"].(string); ok {
		if v == "" {
			s.manual = nil
		} else if r, g, b, err := config.ParseHex(v); err != nil {
			s.pushDiag(diag.Diagnostic{
				Severity: diag.Warn, Code: "CONTROL.COLOUR", Summary: "Invalid colour",
				Evidence: map[string]any{"colour": v},
			})
		} else {
			s.manual = &[3]int{r, g, b}
		}
	}
	if v, ok := msg["buttonColours"].(map[string]any); ok {
		for name, hex := range v {
			if h, ok := hex.(string); ok {
				s.setButtonColour(name, h)
			}
		}
	}
	if v, ok := msg["runTest"].(string); ok {
		if k := tests.Parse(v); k != tests.None {
			cycles := 0
			if c, ok := msg["cycles"].(float64); ok {
				cycles = int(c)
			}
			s.testRunner = tests.NewRunner(tests.Plan{Kind: k, Cycles: cycles})
			s.pushDiag(diag.Diagnostic{Severity: diag.Info, Code: "TEST.RUNNING", Summary: "Running test", Detail: v})
		} else {
			s.pushDiag(diag.Diagnostic{
				Severity: diag.Warn, Code: "TEST.UNKNOWN", Summary: "Unknown test name",
				Evidence: map[string]any{"name": v},
			})
		}
	}

	// Persist config after any change
	s.saveConfig()
}

// saveConfig expects s.mu held.
func (s *State) saveConfig() {
	if s.ConfigPath == "" || s.Config == nil {
		return
	}
	cfg := *s.Config
	cfg.FPS = s.FPS
	cfg.Brightness = s.Brightness
	demo := s.Demo
	cfg.Demo = &demo
	cfg.ButtonColours = map[string]string{}
	for i, c := range s.buttonColours {
		if c != nil {
			cfg.ButtonColours[buttonshim.Names[i]] = config.FormatHex(c[0], c[1], c[2])
		}
	}
	if err := config.Save(s.ConfigPath, &cfg); err != nil {
		log.Warn().Err(err).Str("path", s.ConfigPath).Msg("config save failed")
	}
}

// pushDiag expects s.mu held.
func (s *State) pushDiag(d diag.Diagnostic) {
	b, _ := json.Marshal(d)
	s.enqueue(s.diags, b)
}

func clampFPS(fps int) int {
	return min(max(fps, 1), MaxFPS)
}

func interval(fps int) time.Duration {
	return time.Second / time.Duration(clampFPS(fps))
}

func scale(c [3]int, k float64) [3]int {
	for i := range c {
		c[i] = int(math.Round(float64(c[i]) * k))
	}
	return c
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
