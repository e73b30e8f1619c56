package safety

// Aggregate reduces the seven dimension flags to their population variance.
// Agreement across dimensions scores low and disagreement scores high; the
// value is a dispersion measure, not a probability.
func Aggregate(flags [7]float64) float64 {
	var mean float64
	for _, f := range flags {
		mean += f
	}
	mean /= float64(len(flags))

	var sq float64
	for _, f := range flags {
		d := f - mean
		sq += d * d
	}
	return sq / float64(len(flags))
}
