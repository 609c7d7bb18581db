package cube

import (
	"fmt"
	"math"
)

// FilterDust blurs every index plane with a Gaussian whose sigma is
// kernelRadiusUm converted to pixels. Stationary dust on the optics shows up
// as sharp features in the reference; the blur suppresses them. Edges are
// handled by mirroring (d c b a | a b c d | d c b a).
func (c *Cube) FilterDust(kernelRadiusUm float64) error {
	if c.Metadata.PixelSizeUm <= 0 {
		return fmt.Errorf("cube %s: dust filter needs the pixel size", c.Metadata.IDTag)
	}
	if kernelRadiusUm <= 0 {
		return fmt.Errorf("cube %s: invalid dust kernel radius %g", c.Metadata.IDTag, kernelRadiusUm)
	}
	kernel := gaussianKernel(kernelRadiusUm / c.Metadata.PixelSizeUm)
	n := c.Depth()
	plane := make([]float64, c.Pixels())
	tmp := make([]float64, c.Pixels())
	for k := 0; k < n; k++ {
		for p := range plane {
			plane[p] = c.Data[p*n+k]
		}
		blurRows(tmp, plane, c.Height, c.Width, kernel)
		blurCols(plane, tmp, c.Height, c.Width, kernel)
		for p := range plane {
			c.Data[p*n+k] = plane[p]
		}
	}
	return nil
}

// gaussianKernel returns a normalized kernel truncated at four sigma.
func gaussianKernel(sigma float64) []float64 {
	radius := int(4*sigma + 0.5)
	kernel := make([]float64, 2*radius+1)
	sum := 0.0
	for i := -radius; i <= radius; i++ {
		v := math.Exp(-0.5 * float64(i*i) / (sigma * sigma))
		kernel[i+radius] = v
		sum += v
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel
}

// reflect maps an out-of-range index back into [0, n).
func reflect(i, n int) int {
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

func blurRows(dst, src []float64, height, width int, kernel []float64) {
	radius := len(kernel) / 2
	for y := 0; y < height; y++ {
		row := src[y*width : (y+1)*width]
		for x := 0; x < width; x++ {
			acc := 0.0
			for j, w := range kernel {
				acc += w * row[reflect(x+j-radius, width)]
			}
			dst[y*width+x] = acc
		}
	}
}

func blurCols(dst, src []float64, height, width int, kernel []float64) {
	radius := len(kernel) / 2
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			acc := 0.0
			for j, w := range kernel {
				acc += w * src[reflect(y+j-radius, height)*width+x]
			}
			dst[y*width+x] = acc
		}
	}
}
