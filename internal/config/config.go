package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Driver         string `yaml:"driver"` // "i2c" | "sim"
	Bus            string `yaml:"bus,omitempty"`
	PollIntervalMs int    `yaml:"poll_interval_ms,omitempty"`
	MaxChunk       int    `yaml:"max_chunk,omitempty"`

	Addr       string  `yaml:"addr,omitempty"`
	FPS        int     `yaml:"fps"`
	Brightness float64 `yaml:"brightness"`
	Demo       *bool   `yaml:"demo,omitempty"`
	LogLevel   string  `yaml:"log_level,omitempty"`

	// ButtonColours maps a button label ("A".."E") to "#rrggbb".
	ButtonColours map[string]string `yaml:"button_colours,omitempty"`
}

// Default mirrors the daemon's flag defaults.
func Default() *Config {
	return &Config{
		Driver:         "sim",
		PollIntervalMs: 2,
		MaxChunk:       32,
		Addr:           ":8080",
		FPS:            30,
		Brightness:     1,
		Demo:           Bool(true),
		LogLevel:       "info",
		ButtonColours: map[string]string{
			"A": "#ff0000",
			"B": "#00ff00",
			"C": "#0000ff",
			"D": "#ffff00",
			"E": "#ff00ff",
		},
	}
}

// DemoEnabled reports the demo setting; unset means on.
func (c *Config) DemoEnabled() bool {
	return c.Demo == nil || *c.Demo
}

func Bool(v bool) *bool { return &v }

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &c, nil
}

func Save(path string, c *Config) error {
	b, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0644)
}

// ParseHex decodes "#rrggbb" (the leading '#' is optional).
func ParseHex(s string) (r, g, b int, err error) {
	h := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(h) != 6 {
		return 0, 0, 0, fmt.Errorf("colour %q: want #rrggbb", s)
	}
	v, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("colour %q: %w", s, err)
	}
	return int(v >> 16 & 0xff), int(v >> 8 & 0xff), int(v & 0xff), nil
}

// FormatHex is the inverse of ParseHex.
func FormatHex(r, g, b int) string {
	return fmt.Sprintf("#%02x%02x%02x", r&0xff, g&0xff, b&0xff)
}
