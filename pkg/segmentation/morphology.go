package segmentation

import (
	"runtime"
	"sync"

	"lungprep/internal/models"
)

// binaryClosing dilates then erodes mask iterations times each with the
// 3D face-connected cross. Voxels outside the volume count as background,
// so erosion also trims foreground touching the volume border.
func binaryClosing(mask []bool, shape models.Shape, iterations int) []bool {
	out := mask
	for i := 0; i < iterations; i++ {
		out = morphStep(out, shape, true)
	}
	for i := 0; i < iterations; i++ {
		out = morphStep(out, shape, false)
	}
	return out
}

// morphStep performs one dilation (dilate=true) or erosion with the
// 6-neighbour structuring element.
func morphStep(in []bool, shape models.Shape, dilate bool) []bool {
	depth, height, width := shape[0], shape[1], shape[2]
	plane := height * width
	out := make([]bool, len(in))

	for z := 0; z < depth; z++ {
		for y := 0; y < height; y++ {
			row := z*plane + y*width
			for x := 0; x < width; x++ {
				i := row + x
				nb := [6]bool{
					x > 0 && in[i-1],
					x < width-1 && in[i+1],
					y > 0 && in[i-width],
					y < height-1 && in[i+width],
					z > 0 && in[i-plane],
					z < depth-1 && in[i+plane],
				}
				if dilate {
					v := in[i]
					for _, b := range nb {
						v = v || b
					}
					out[i] = v
				} else {
					v := in[i]
					for _, b := range nb {
						v = v && b
					}
					out[i] = v
				}
			}
		}
	}
	return out
}

// fillHolesSliceWise fills background regions of each depth slice that are
// not 4-connected to that slice's border. Slices are independent and are
// processed in parallel.
func fillHolesSliceWise(mask []bool, shape models.Shape) []bool {
	depth, height, width := shape[0], shape[1], shape[2]
	plane := height * width
	out := make([]bool, len(mask))

	numCores := runtime.NumCPU()
	slicesPerCore := (depth + numCores - 1) / numCores

	var wg sync.WaitGroup
	for c := 0; c < numCores; c++ {
		start := c * slicesPerCore
		end := min(start+slicesPerCore, depth)
		if start >= end {
			break
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for z := start; z < end; z++ {
				lo, hi := z*plane, (z+1)*plane
				fillHoles2D(mask[lo:hi], out[lo:hi], height, width)
			}
		}(start, end)
	}
	wg.Wait()

	return out
}

// fillHoles2D writes the hole-filled version of src into dst.
func fillHoles2D(src, dst []bool, height, width int) {
	outside := make([]bool, len(src))
	queue := make([]int, 0, 2*(height+width))

	seed := func(i int) {
		if !src[i] && !outside[i] {
			outside[i] = true
			queue = append(queue, i)
		}
	}
	for x := 0; x < width; x++ {
		seed(x)
		seed((height-1)*width + x)
	}
	for y := 0; y < height; y++ {
		seed(y * width)
		seed(y*width + width - 1)
	}

	for len(queue) > 0 {
		i := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		y, x := i/width, i%width
		if x > 0 {
			seed(i - 1)
		}
		if x < width-1 {
			seed(i + 1)
		}
		if y > 0 {
			seed(i - width)
		}
		if y < height-1 {
			seed(i + width)
		}
	}

	for i := range src {
		dst[i] = !outside[i]
	}
}
