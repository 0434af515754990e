package normalize

import "math"

// gaussianTruncate is the kernel half-width in standard deviations.
const gaussianTruncate = 4.0

// gaussianKernel returns normalized weights for offsets -radius..radius.
func gaussianKernel(sigma float64) []float64 {
	radius := int(gaussianTruncate*sigma + 0.5)
	k := make([]float64, 2*radius+1)
	sum := 0.0
	for i := -radius; i <= radius; i++ {
		w := math.Exp(-0.5 * float64(i*i) / (sigma * sigma))
		k[i+radius] = w
		sum += w
	}
	for i := range k {
		k[i] /= sum
	}
	return k
}

// reflectIndex maps i into [0, n) with half-sample symmetric reflection
// (d c b a | a b c d | d c b a).
func reflectIndex(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * n
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - 1 - i
	}
	return i
}

// gaussianFilter smooths data of the given shape with an isotropic Gaussian
// of sigma voxels, one separable pass per axis.
func gaussianFilter(data []float32, shape [3]int, sigma float64) []float32 {
	kernel := gaussianKernel(sigma)
	radius := len(kernel) / 2

	src := make([]float32, len(data))
	copy(src, data)
	dst := make([]float32, len(data))

	for axis := 0; axis < 3; axis++ {
		l := layoutFor(shape, axis)
		if l.n == 0 {
			continue
		}
		parallelRange(l.lines(), func(start, end int) {
			line := make([]float64, l.n)
			for k := start; k < end; k++ {
				b := l.base(k)
				for j := 0; j < l.n; j++ {
					line[j] = float64(src[b+j*l.inner])
				}
				for j := 0; j < l.n; j++ {
					acc := 0.0
					for t := -radius; t <= radius; t++ {
						acc += kernel[t+radius] * line[reflectIndex(j+t, l.n)]
					}
					dst[b+j*l.inner] = float32(acc)
				}
			}
		})
		src, dst = dst, src
	}
	return src
}
