package convert

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIntToInt32Clamped(t *testing.T) {
	t.Run("passes through in-range values", func(t *testing.T) {
		assert.Equal(t, int32(100), IntToInt32Clamped(100))
		assert.Equal(t, int32(-100), IntToInt32Clamped(-100))
	})

	t.Run("clamps to max on overflow", func(t *testing.T) {
		assert.Equal(t, int32(math.MaxInt32), IntToInt32Clamped(math.MaxInt32+1000))
	})

	t.Run("clamps to min on underflow", func(t *testing.T) {
		assert.Equal(t, int32(math.MinInt32), IntToInt32Clamped(math.MinInt32-1000))
	})
}

func TestIntToUintSafe(t *testing.T) {
	t.Run("converts non-negative values", func(t *testing.T) {
		assert.Equal(t, uint(0), IntToUintSafe(0))
		assert.Equal(t, uint(42), IntToUintSafe(42))
	})

	t.Run("panics on negative", func(t *testing.T) {
		assert.Panics(t, func() {
			IntToUintSafe(-1)
		})
	})
}

func TestIntToUintClamped(t *testing.T) {
	t.Run("passes through non-negative values", func(t *testing.T) {
		assert.Equal(t, uint(7), IntToUintClamped(7))
	})

	t.Run("clamps negative to zero", func(t *testing.T) {
		assert.Equal(t, uint(0), IntToUintClamped(-100))
	})
}
