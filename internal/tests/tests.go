package tests

type Kind string

const (
	None    Kind = ""
	RGBTest Kind = "rgb_channels"
	White   Kind = "white"
	Blink   Kind = "blink"
	Sweep   Kind = "hue_sweep"
)

// Kinds lists every runnable test.
var Kinds = []Kind{RGBTest, White, Blink, Sweep}

// Parse returns the Kind named s, or None.
func Parse(s string) Kind {
	for _, k := range Kinds {
		if string(k) == s {
			return k
		}
	}
	return None
}

type Plan struct {
	Kind Kind
	// Cycles repeats the pattern; 0 means once.
	Cycles int
}

type Runner struct {
	plan Plan
	step int
}

func NewRunner(plan Plan) *Runner { return &Runner{plan: plan} }
func (r *Runner) Kind() Kind { return r.plan.Kind }

// Steps is the length of one pass of the pattern.
func (r *Runner) Steps() int {
	switch r.plan.Kind {
	case RGBTest:
		return 3
	case White:
		return 1
	case Blink:
		return 2
	case Sweep:
		return 6
	default:
		return 0
	}
}

// Step returns the next colour; ok is false when complete.
func (r *Runner) Step() (rgb [3]int, ok bool) {
	n := r.Steps()
	if n == 0 || r.step >= n*max(1, r.plan.Cycles) {
		return rgb, false
	}
	phase := r.step % n
	switch r.plan.Kind {
	case RGBTest:
		rgb[phase] = 255
	case White:
		rgb = [3]int{255, 255, 255}
	case Blink:
		if phase == 0 {
			rgb = [3]int{255, 255, 255}
		}
	case Sweep:
		// primaries and secondaries around the wheel
		rgb = [][3]int{
			{255, 0, 0}, {255, 255, 0}, {0, 255, 0},
			{0, 255, 255}, {0, 0, 255}, {255, 0, 255},
		}[phase]
	}
	r.step++
	return rgb, true
}
