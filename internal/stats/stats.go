// Package stats provides small accumulators for monitoring driver behaviour:
// per-frame upload times, diff sizes, vsync margins and the like.
package stats

import (
	"fmt"
	"math"
)

// Var accumulates statistics (min, max, average, standard deviation) over a
// sequence of integer samples.
type Var struct {
	count  uint32
	min    int32
	max    int32
	sum    int64
	sumsqr int64
}

// NewVar returns a reset accumulator.
func NewVar() Var {
	var v Var
	v.Reset()
	return v
}

// Reset discards all recorded samples.
func (v *Var) Reset() {
	v.count = 0
	v.min = math.MaxInt32
	v.max = math.MinInt32
	v.sum = 0
	v.sumsqr = 0
}

// Push records a new sample.
func (v *Var) Push(val int32) {
	v.count++
	v.sum += int64(val)
	v.sumsqr += int64(val) * int64(val)
	if val < v.min {
		v.min = val
	}
	if val > v.max {
		v.max = val
	}
}

// Count returns the number of samples recorded since the last Reset.
func (v *Var) Count() uint32 { return v.count }

// Min returns the smallest sample recorded, or 0 if there are none.
func (v *Var) Min() int32 {
	if v.count == 0 {
		return 0
	}
	return v.min
}

// Max returns the largest sample recorded, or 0 if there are none.
func (v *Var) Max() int32 {
	if v.count == 0 {
		return 0
	}
	return v.max
}

// Avg returns the average of all samples, or 0 if there are none.
func (v *Var) Avg() float64 {
	if v.count == 0 {
		return 0
	}
	return float64(v.sum) / float64(v.count)
}

// Std returns the standard deviation around the average.
func (v *Var) Std() float64 {
	if v.count == 0 {
		return 0
	}
	a := float64(v.sum)
	b := float64(v.sumsqr)
	n := float64(v.count)
	return math.Sqrt((b - (a*a)/n) / n)
}

// Format renders the accumulator as "avg=X{unit} [min=Y{unit}, max=Z{unit}] std=W{unit}".
func (v *Var) Format(unit string, withPrecision bool) string {
	if withPrecision {
		return fmt.Sprintf("avg=%.2f%s [min=%d%s, max=%d%s] std=%.2f%s",
			v.Avg(), unit, v.Min(), unit, v.Max(), unit, v.Std(), unit)
	}
	return fmt.Sprintf("avg=%.0f%s [min=%d%s, max=%d%s] std=%.0f%s",
		v.Avg(), unit, v.Min(), unit, v.Max(), unit, v.Std(), unit)
}

// String implements fmt.Stringer.
func (v *Var) String() string { return v.Format("", false) }
