// Package convert provides overflow-aware integer conversions.
package convert

import (
	"fmt"
	"math"
)

// IntToInt32Clamped converts an int to int32, clamping at the int32 bounds
// instead of wrapping. Suitable for tunables like pool sizes where saturation
// is acceptable.
func IntToInt32Clamped(v int) int32 {
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	if v < math.MinInt32 {
		return math.MinInt32
	}
	return int32(v)
}

// IntToUintSafe converts an int to uint, panicking on negative input. Use
// only where the value is guaranteed non-negative by construction.
func IntToUintSafe(v int) uint {
	if v < 0 {
		panic(fmt.Sprintf("cannot convert negative int to uint: %d", v))
	}
	return uint(v)
}

// IntToUintClamped converts an int to uint, clamping negative values to 0.
func IntToUintClamped(v int) uint {
	if v < 0 {
		return 0
	}
	return uint(v)
}
