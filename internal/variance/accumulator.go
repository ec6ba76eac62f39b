// Package variance implements the online mean/variance engine used for per-pair dispersion.
//
// All arithmetic is float64. Samples are folded with Welford's update, so the variance is
// never derived from a difference of large sums of squares.
package variance

import "math"

// Accumulator holds the running count, mean and sum of squared deviations (M2).
// The zero value is an empty accumulator.
type Accumulator struct {
	count int
	mean  float64
	m2    float64
}

// Add folds x into the accumulator.
func (a *Accumulator) Add(x float64) {
	a.count++
	delta := x - a.mean
	a.mean += delta / float64(a.count)
	a.m2 += delta * (x - a.mean)
}

// Remove takes x back out of the accumulator. It is the algebraic inverse of Add and is
// valid for any value previously added, not only the most recent one.
func (a *Accumulator) Remove(x float64) {
	if a.count <= 1 {
		a.Reset()
		return
	}

	n := float64(a.count)
	prevMean := (n*a.mean - x) / (n - 1)
	a.m2 -= (x - a.mean) * (x - prevMean)
	a.mean = prevMean
	a.count--

	if a.m2 < 0 {
		a.m2 = 0
	}
}

// Reset empties the accumulator.
func (a *Accumulator) Reset() {
	*a = Accumulator{}
}

// Count returns the number of folded samples.
func (a *Accumulator) Count() int {
	return a.count
}

// Mean returns the running mean (0 when empty).
func (a *Accumulator) Mean() float64 {
	return a.mean
}

// Variance returns the population variance and false when fewer than 2 samples are present.
func (a *Accumulator) Variance() (float64, bool) {
	if a.count < 2 {
		return 0, false
	}
	return math.Max(a.m2/float64(a.count), 0), true
}

// StdDev returns the population standard deviation and false for insufficient data.
func (a *Accumulator) StdDev() (float64, bool) {
	v, ok := a.Variance()
	if !ok {
		return 0, false
	}
	return math.Sqrt(v), true
}

// FromValues builds an accumulator with a two-pass computation over values.
func FromValues(values []float64) Accumulator {
	if len(values) == 0 {
		return Accumulator{}
	}

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var m2, comp float64
	for _, v := range values {
		d := v - mean
		m2 += d * d
		comp += d
	}
	// Corrected two-pass: removes the rounding error left in the mean.
	m2 -= comp * comp / float64(len(values))

	return Accumulator{
		count: len(values),
		mean:  mean,
		m2:    math.Max(m2, 0),
	}
}
