package diagnostics

import (
	"errors"
	"fmt"

	"github.com/coreman2200/buttonshim"
)

type Severity string

const (
	Info Severity = "info"
	Warn Severity = "warning"
	Err  Severity = "error"
)

type Diagnostic struct {
	Severity       Severity       `json:"severity"`
	Code           string         `json:"code"`
	Summary        string         `json:"summary"`
	Detail         string         `json:"detail,omitempty"`
	LikelyCauses   []string       `json:"likely_causes,omitempty"`
	SuggestedFixes []string       `json:"suggested_fixes,omitempty"`
	Evidence       map[string]any `json:"evidence,omitempty"`
}

// FromError turns an error reported by the shim into a Diagnostic.
func FromError(err error) Diagnostic {
	var be *buttonshim.BusError
	var hp *buttonshim.HandlerPanicError
	switch {
	case errors.As(err, &be):
		return Diagnostic{
			Severity: Warn,
			Code:     "BUS." + be.Op,
			Summary:  "I2C transfer failed",
			Detail:   err.Error(),
			LikelyCauses: []string{
				"loose board or header",
				"bus shared with another device holding the line",
			},
			SuggestedFixes: []string{"check the board is seated", "run i2cdetect and look for 0x3f"},
			Evidence:       map[string]any{"register": fmt.Sprintf("%#02x", be.Register)},
		}
	case errors.As(err, &hp):
		return Diagnostic{
			Severity: Err,
			Code:     "HANDLER.PANIC",
			Summary:  "Button handler panicked",
			Detail:   err.Error(),
			Evidence: map[string]any{"button": hp.Button.String(), "pressed": hp.Pressed},
		}
	case errors.Is(err, buttonshim.ErrConfiguration):
		return Diagnostic{
			Severity:       Err,
			Code:           "EXPANDER.CONFIG",
			Summary:        "Expander could not be configured",
			Detail:         err.Error(),
			LikelyCauses:   []string{"board not attached", "I2C disabled"},
			SuggestedFixes: []string{"enable I2C", "try -driver sim"},
		}
	default:
		return Diagnostic{Severity: Err, Code: "UNKNOWN", Summary: "Unexpected error", Detail: err.Error()}
	}
}
