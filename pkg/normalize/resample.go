package normalize

import (
	"fmt"
	"math"

	"lungprep/internal/models"
	"lungprep/pkg/geometry"
)

// SupportedOrders lists the spline interpolation orders ResampleToSpacing accepts.
var SupportedOrders = []int{0, 1, 3}

func orderSupported(order int) bool {
	for _, o := range SupportedOrders {
		if o == order {
			return true
		}
	}
	return false
}

// ResampleToSpacing regrids volume from current to target spacing using spline
// interpolation of the given order (0 nearest, 1 linear, 3 cubic).
//
// The output extent along each axis is round(in * current/target). Output
// sample o maps to input coordinate o*(in-1)/(out-1), so the first and last
// samples of every axis coincide with the input's.
func ResampleToSpacing(volume *models.Volume, current, target models.Spacing, order int) (*models.Volume, error) {
	if err := volume.Validate(); err != nil {
		return nil, err
	}
	if !orderSupported(order) {
		return nil, fmt.Errorf("unsupported interpolation order %d (supported: %v)", order, SupportedOrders)
	}
	zoom, err := geometry.ZoomFactors(current, target)
	if err != nil {
		return nil, err
	}

	inShape := volume.Shape()
	outShape := geometry.OutputShape(inShape, zoom)

	data := volume.Data
	shape := [3]int(inShape)
	changed := false
	for axis := 0; axis < 3; axis++ {
		if shape[axis] == outShape[axis] {
			continue
		}
		data = resampleAxis(data, shape, axis, outShape[axis], order)
		shape[axis] = outShape[axis]
		changed = true
	}

	if !changed {
		return volume.Clone(), nil
	}
	return &models.Volume{Data: data, Depth: shape[0], Height: shape[1], Width: shape[2]}, nil
}

// tap is one input sample contributing to an output sample.
type tap struct {
	index  int
	weight float64
}

// axisPlan computes, for each output position, the input taps along one axis.
func axisPlan(n, outLen, order int) [][]tap {
	plan := make([][]tap, outLen)
	for o := 0; o < outLen; o++ {
		x := 0.0
		if outLen > 1 {
			x = float64(o) * float64(n-1) / float64(outLen-1)
		}
		switch order {
		case 0:
			i := int(math.Floor(x + 0.5))
			plan[o] = []tap{{index: min(i, n-1), weight: 1}}
		case 1:
			i := int(math.Floor(x))
			t := x - float64(i)
			if i >= n-1 {
				plan[o] = []tap{{index: n - 1, weight: 1}}
				continue
			}
			plan[o] = []tap{{index: i, weight: 1 - t}, {index: i + 1, weight: t}}
		case 3:
			i := int(math.Floor(x))
			t := x - float64(i)
			w := cubicBSplineWeights(t)
			taps := make([]tap, 4)
			for k := 0; k < 4; k++ {
				taps[k] = tap{index: mirrorIndex(i-1+k, n), weight: w[k]}
			}
			plan[o] = taps
		}
	}
	return plan
}

// resampleAxis resamples every line along axis to outLen samples.
func resampleAxis(data []float32, shape [3]int, axis, outLen, order int) []float32 {
	in := layoutFor(shape, axis)
	outShape := shape
	outShape[axis] = outLen
	out := layoutFor(outShape, axis)
	result := make([]float32, outShape[0]*outShape[1]*outShape[2])

	plan := axisPlan(in.n, outLen, order)

	parallelRange(in.lines(), func(start, end int) {
		line := make([]float64, in.n)
		for k := start; k < end; k++ {
			ib := in.base(k)
			for j := 0; j < in.n; j++ {
				line[j] = float64(data[ib+j*in.inner])
			}
			if order == 3 {
				bsplinePrefilter(line)
			}
			ob := out.base(k)
			for o, taps := range plan {
				acc := 0.0
				for _, tp := range taps {
					acc += tp.weight * line[tp.index]
				}
				result[ob+o*out.inner] = float32(acc)
			}
		}
	})
	return result
}

// cubicBSplineWeights returns the weights of samples i-1..i+2 at fractional offset t.
func cubicBSplineWeights(t float64) [4]float64 {
	t2 := t * t
	t3 := t2 * t
	return [4]float64{
		(1 - t) * (1 - t) * (1 - t) / 6,
		(4 - 6*t2 + 3*t3) / 6,
		(1 + 3*t + 3*t2 - 3*t3) / 6,
		t3 / 6,
	}
}

// mirrorIndex reflects i into [0, n) about the end samples (c b | a b c d | c b).
func mirrorIndex(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * (n - 1)
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - i
	}
	return i
}

// bsplinePrefilter converts samples to cubic B-spline coefficients in place,
// with mirror-symmetric boundaries.
func bsplinePrefilter(s []float64) {
	n := len(s)
	if n < 2 {
		return
	}
	z := math.Sqrt(3) - 2
	lambda := (1 - z) * (1 - 1/z)
	for i := range s {
		s[i] *= lambda
	}

	// causal initialisation
	horizon := int(math.Ceil(math.Log(1e-12) / math.Log(math.Abs(z))))
	if horizon < n {
		zn := z
		sum := s[0]
		for k := 1; k < horizon; k++ {
			sum += zn * s[k]
			zn *= z
		}
		s[0] = sum
	} else {
		zn := z
		iz := 1 / z
		z2n := math.Pow(z, float64(n-1))
		sum := s[0] + z2n*s[n-1]
		z2n *= z2n * iz
		for k := 1; k <= n-2; k++ {
			sum += (zn + z2n) * s[k]
			zn *= z
			z2n *= iz
		}
		s[0] = sum / (1 - zn*zn)
	}
	for k := 1; k < n; k++ {
		s[k] += z * s[k-1]
	}

	// anti-causal initialisation
	s[n-1] = (z / (z*z - 1)) * (s[n-1] + z*s[n-2])
	for k := n - 2; k >= 0; k-- {
		s[k] = z * (s[k+1] - s[k])
	}
}
