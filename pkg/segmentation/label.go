package segmentation

import "lungprep/internal/models"

// labelComponents assigns a label to every 6-connected component of fg.
// Labels start at 1 and are numbered in raster order of each component's
// first voxel; background is 0. It returns the labels and the component
// count.
func labelComponents(fg []bool, shape models.Shape) ([]int32, int) {
	depth, height, width := shape[0], shape[1], shape[2]
	plane := height * width
	labels := make([]int32, len(fg))
	queue := make([]int, 0, 1024)
	var next int32

	for start, on := range fg {
		if !on || labels[start] != 0 {
			continue
		}
		next++
		labels[start] = next
		queue = append(queue[:0], start)

		for len(queue) > 0 {
			i := queue[len(queue)-1]
			queue = queue[:len(queue)-1]

			z := i / plane
			y := (i % plane) / width
			x := i % width

			visit := func(j int) {
				if fg[j] && labels[j] == 0 {
					labels[j] = next
					queue = append(queue, j)
				}
			}
			if x > 0 {
				visit(i - 1)
			}
			if x < width-1 {
				visit(i + 1)
			}
			if y > 0 {
				visit(i - width)
			}
			if y < height-1 {
				visit(i + width)
			}
			if z > 0 {
				visit(i - plane)
			}
			if z < depth-1 {
				visit(i + plane)
			}
		}
	}
	return labels, int(next)
}

// componentSizes returns voxel counts indexed by label; index 0 is always 0.
func componentSizes(labels []int32, n int) []int {
	sizes := make([]int, n+1)
	for _, l := range labels {
		if l != 0 {
			sizes[l]++
		}
	}
	return sizes
}
