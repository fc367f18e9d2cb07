package led

import "math"

// HSV converts a hue in [0,1) with saturation and value in [0,1] to 0..255
// channel values suitable for Encode.
func HSV(h, s, v float64) (r, g, b int) {
	h = math.Mod(h, 1)
	if h < 0 {
		h++
	}
	i := int(h * 6.0)
	f := h*6.0 - float64(i)
	p := v * (1.0 - s)
	q := v * (1.0 - f*s)
	t := v * (1.0 - (1.0-f)*s)

	var rf, gf, bf float64
	switch i % 6 {
	case 0:
		rf, gf, bf = v, t, p
	case 1:
		rf, gf, bf = q, v, p
	case 2:
		rf, gf, bf = p, v, t
	case 3:
		rf, gf, bf = p, q, v
	case 4:
		rf, gf, bf = t, p, v
	default:
		rf, gf, bf = v, p, q
	}
	return to255(rf), to255(gf), to255(bf)
}

func to255(x float64) int {
	if x <= 0 {
		return 0
	}
	if x >= 1 {
		return 255
	}
	return int(math.Round(x * 255))
}
