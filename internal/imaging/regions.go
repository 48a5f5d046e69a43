package imaging

import "image"

// Regions returns the bounding boxes of the external white regions of mask
// whose filled area is at least minArea. Foreground is 8-connected; holes
// count toward the enclosing region and anything nested inside a hole is
// absorbed by it. Boxes are ordered by the raster position of each region's
// first pixel.
func Regions(mask *image.Gray, minArea int) []image.Rectangle {
	w, h := mask.Bounds().Dx(), mask.Bounds().Dy()
	if w == 0 || h == 0 {
		return nil
	}
	origin := mask.Bounds().Min

	fg := func(x, y int) bool {
		return mask.Pix[mask.PixOffset(origin.X+x, origin.Y+y)] != 0
	}

	// Background reachable from the border is outside every region. It is
	// 4-connected, the dual of the 8-connected foreground.
	outside := make([]bool, w*h)
	stack := make([]int, 0, w+h)
	push := func(x, y int) {
		i := y*w + x
		if outside[i] || fg(x, y) {
			return
		}
		outside[i] = true
		stack = append(stack, i)
	}
	for x := 0; x < w; x++ {
		push(x, 0)
		push(x, h-1)
	}
	for y := 0; y < h; y++ {
		push(0, y)
		push(w-1, y)
	}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		x, y := i%w, i/w
		if x > 0 {
			push(x-1, y)
		}
		if x < w-1 {
			push(x+1, y)
		}
		if y > 0 {
			push(x, y-1)
		}
		if y < h-1 {
			push(x, y+1)
		}
	}

	// Label the filled regions with 8-connectivity in raster order
	seen := make([]bool, w*h)
	var out []image.Rectangle
	for start := 0; start < w*h; start++ {
		if outside[start] || seen[start] {
			continue
		}

		seen[start] = true
		stack = append(stack[:0], start)
		area := 0
		box := image.Rect(start%w, start/w, start%w+1, start/w+1)

		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := i%w, i/w
			area++
			box = box.Union(image.Rect(x, y, x+1, y+1))

			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nx, ny := x+dx, y+dy
					if nx < 0 || ny < 0 || nx >= w || ny >= h {
						continue
					}
					j := ny*w + nx
					if outside[j] || seen[j] {
						continue
					}
					seen[j] = true
					stack = append(stack, j)
				}
			}
		}

		if area < minArea {
			continue
		}
		out = append(out, box)
	}
	return out
}
