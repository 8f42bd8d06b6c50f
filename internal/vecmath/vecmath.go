// Package vecmath holds the small float32 vector kernel shared by
// personalization, ephemeral scoring, and centroid computation. All
// accumulation runs in float64 to keep results stable across input order.
package vecmath

import "math"

// Epsilon is the norm below which a vector is treated as zero.
const Epsilon = 1e-9

// Dot returns the inner product of a and b. Callers guarantee equal length.
func Dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

// Norm returns the L2 norm of v.
func Norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

// Normalized returns a unit-norm copy of v. ok is false when the norm is
// below Epsilon; the input is never mutated.
func Normalized(v []float32) (out []float32, ok bool) {
	n := Norm(v)
	if n < Epsilon {
		return nil, false
	}
	out = make([]float32, len(v))
	inv := 1.0 / n
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out, true
}

// Blend returns q + alpha*c as a new slice. Callers guarantee equal length.
func Blend(q, c []float32, alpha float64) []float32 {
	out := make([]float32, len(q))
	for i := range q {
		out[i] = float32(float64(q[i]) + alpha*float64(c[i]))
	}
	return out
}

// UnitMean turns a running float64 sum of n vectors into the unit-normalized
// mean. ok is false when n is zero or the mean norm falls below Epsilon.
func UnitMean(sum []float64, n int) (out []float32, ok bool) {
	if n <= 0 || len(sum) == 0 {
		return nil, false
	}
	mean := make([]float32, len(sum))
	inv := 1.0 / float64(n)
	var sq float64
	for i, s := range sum {
		m := s * inv
		mean[i] = float32(m)
		sq += m * m
	}
	if math.Sqrt(sq) < Epsilon {
		return nil, false
	}
	return Normalized(mean)
}
