package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"github.com/coreman2200/buttonshim"
	"github.com/coreman2200/buttonshim/expander"
	"github.com/coreman2200/buttonshim/internal/config"
	"github.com/coreman2200/buttonshim/internal/sim"
	"github.com/coreman2200/buttonshim/internal/ws"
)

func main() {
	// ---- Flags (config.yaml overrides what it sets) ----
	var (
		driver     = flag.String("driver", "sim", "driver: i2c | sim")
		busName    = flag.String("bus", "", "I2C bus name or number (empty = first)")
		pollMs     = flag.Int("poll-ms", 2, "button poll interval (ms)")
		maxChunk   = flag.Int("max-chunk", expander.MaxBlock, "largest block write (bytes)")
		addr       = flag.String("addr", ":8080", "HTTP listen address")
		fps        = flag.Int("fps", 30, "colour updates per second")
		brightness = flag.Float64("brightness", 1, "global brightness 0..1")
		demo       = flag.Bool("demo", true, "cycle a rainbow when idle")
		level      = flag.String("log-level", "info", "trace | debug | info | warn | error")
		configPath = flag.String("config", "config.yaml", "path to config.yaml")
		simOnly    = flag.Bool("sim-only", false, "force simulation (no hardware access)")
	)
	flag.Parse()

	// ---- Logging ----
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen})

	// ---- Effective config: flags, then config.yaml where set ----
	cfg := config.Default()
	cfg.Driver, cfg.Bus, cfg.PollIntervalMs, cfg.MaxChunk = *driver, *busName, *pollMs, *maxChunk
	cfg.Addr, cfg.FPS, cfg.Brightness, cfg.Demo, cfg.LogLevel = *addr, *fps, *brightness, config.Bool(*demo), *level
	if c, err := config.Load(*configPath); err != nil {
		log.Warn().Err(err).Str("path", *configPath).Msg("config load failed; proceeding with flags")
	} else {
		merge(cfg, c)
	}
	if *simOnly {
		cfg.Driver = "sim"
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	} else {
		log.Warn().Str("level", cfg.LogLevel).Msg("unknown log level")
	}

	// ---- Bus ----
	bus, selected := openBus(cfg)
	defer bus.Close()

	// ---- Shim + state ----
	var state *ws.State
	shim := buttonshim.New(expander.New(bus), &buttonshim.Options{
		PollInterval: time.Duration(cfg.PollIntervalMs) * time.Millisecond,
		MaxChunk:     cfg.MaxChunk,
		OnError:      func(err error) { state.ReportError(err) },
	})
	state = ws.NewState(shim, cfg)
	state.ConfigPath = *configPath
	state.CurrentDriver = selected
	shim.OnPress(state.HandleButton)
	shim.OnRelease(state.HandleButton)

	if err := shim.Start(); err != nil {
		log.Fatal().Err(err).Str("bus", bus.String()).Msg("button board not responding")
	}

	// ---- HTTP routes ----
	mux := http.NewServeMux()
	mux.HandleFunc("/events", state.HandleEventsWS)
	mux.HandleFunc("/diag", state.HandleDiagWS)
	mux.HandleFunc("/control", state.HandleControlWS)
	mux.HandleFunc("/health", state.HandleHealth)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      withCORS(mux),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ---- Run render loop & server ----
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	stopped := shim.StopWhenDone(ctx)

	go state.RunRenderLoop(ctx)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("driver", selected).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server crashed")
		}
	}()

	// ---- Graceful shutdown ----
	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	<-stopped
}

// openBus returns the bus for cfg.Driver, falling back to the simulator when
// the hardware cannot be opened.
func openBus(cfg *config.Config) (i2c.BusCloser, string) {
	if cfg.Driver == "i2c" {
		if _, err := host.Init(); err != nil {
			log.Warn().Err(err).Msg("periph host init failed; falling back to SIM")
		} else if b, err := i2creg.Open(cfg.Bus); err != nil {
			log.Warn().Err(err).Str("bus", cfg.Bus).Msg("I2C open failed; falling back to SIM")
		} else {
			if err := b.SetSpeed(400 * physic.KiloHertz); err != nil {
				log.Debug().Err(err).Msg("bus speed unchanged")
			}
			return b, "i2c"
		}
	} else if cfg.Driver != "sim" {
		log.Warn().Str("driver", cfg.Driver).Msg("unknown driver; using SIM")
	}
	b := sim.New()
	b.OnColour(func(c sim.Colour) {
		log.Trace().Uint8("r", c.R).Uint8("g", c.G).Uint8("b", c.B).Msg("sim colour")
	})
	return b, "sim"
}

func merge(dst, src *config.Config) {
	if src.Driver != "" {
		dst.Driver = src.Driver
	}
	if src.Bus != "" {
		dst.Bus = src.Bus
	}
	if src.PollIntervalMs > 0 {
		dst.PollIntervalMs = src.PollIntervalMs
	}
	if src.MaxChunk > 0 {
		dst.MaxChunk = src.MaxChunk
	}
	if src.Addr != "" {
		dst.Addr = src.Addr
	}
	if src.FPS > 0 {
		dst.FPS = src.FPS
	}
	if src.Brightness > 0 {
		dst.Brightness = src.Brightness
	}
	if src.Demo != nil {
		dst.Demo = config.Bool(*src.Demo)
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
	for k, v := range src.ButtonColours {
		dst.ButtonColours[k] = v
	}
}

func withCORS(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(200)
			return
		}
		h.ServeHTTP(w, r)
	})
}
