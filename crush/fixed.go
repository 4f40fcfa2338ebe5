package crush

import "fmt"

// WeightOne is the 16.16 fixed-point representation of 1.0. Weights and
// offload fractions use this scale on the wire.
const WeightOne = 0x10000

// FixedFromFloat converts a float weight to 16.16 fixed point. Truncation,
// not rounding: the wire format inherits the original's float-to-unsigned
// cast.
func FixedFromFloat(f float64) uint32 {
	if f <= 0 {
		return 0
	}
	return uint32(f * WeightOne)
}

// FixedToFloat converts a 16.16 fixed-point weight back to a float.
func FixedToFloat(w uint32) float64 {
	return float64(w) / WeightOne
}

// FixedString renders a fixed-point value the way the text format prints
// weights and offloads.
func FixedString(w uint32) string {
	return fmt.Sprintf("%.3f", FixedToFloat(w))
}
