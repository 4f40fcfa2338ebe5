package crush

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFixedFromFloat_WireValues(t *testing.T) {
	assert.Equal(t, uint32(0), FixedFromFloat(0))
	assert.Equal(t, uint32(0x4000), FixedFromFloat(0.25))
	assert.Equal(t, uint32(0x8000), FixedFromFloat(0.5))
	assert.Equal(t, uint32(0x10000), FixedFromFloat(1.0))
	assert.Equal(t, uint32(0x18000), FixedFromFloat(1.5))
	assert.Equal(t, uint32(0), FixedFromFloat(-0.5))
}

func TestFixedString_ThreeDecimals(t *testing.T) {
	assert.Equal(t, "1.000", FixedString(WeightOne))
	assert.Equal(t, "0.250", FixedString(0x4000))
	assert.Equal(t, "3.300", FixedString(FixedFromFloat(3.3)))
}

func TestFixedRoundTrip_ThreeDecimalWeights(t *testing.T) {
	// Weights written with three decimals survive text round-trips: the
	// decompiler prints %.3f and the compiler truncates back to the same
	// fixed-point value.
	for _, f := range []float64{0.001, 0.125, 0.250, 1.000, 2.500, 3.300, 17.750} {
		w := FixedFromFloat(f)
		assert.Equal(t, w, FixedFromFloat(FixedToFloat(w)), "weight %v", f)
	}
}
