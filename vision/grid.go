package vision

import (
	"image"
	"sort"
)

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

// DivideImage splits img into a gw x gh grid, row-major.
func DivideImage(img image.Image, gw, gh int) []image.Image {
	b := img.Bounds()
	tw, th := b.Dx()/gw, b.Dy()/gh
	cells := make([]image.Image, 0, gw*gh)

	si, ok := img.(subImager)
	for j := 0; j < gh; j++ {
		for i := 0; i < gw; i++ {
			r := image.Rect(b.Min.X+i*tw, b.Min.Y+j*th, b.Min.X+(i+1)*tw, b.Min.Y+(j+1)*th)
			if ok {
				cells = append(cells, si.SubImage(r))
				continue
			}
			dst := image.NewRGBA(image.Rect(0, 0, tw, th))
			for y := 0; y < th; y++ {
				for x := 0; x < tw; x++ {
					dst.Set(x, y, img.At(r.Min.X+x, r.Min.Y+y))
				}
			}
			cells = append(cells, dst)
		}
	}
	return cells
}

// BoxMargin shrinks detection boxes before mapping them to cells so a box
// that only grazes a neighbouring cell does not select it.
const BoxMargin = 5.0

// Box is left, top, right, bottom.
type Box [4]float64

// TilesetCells maps a detection box given at the detector's network
// resolution (netW x netH) onto the cells of an imgW x imgH image split
// into gw x gh cells. Cell (i, j) is selected unless its span lies entirely
// outside the shrunk box. Indices are row-major and sorted.
func TilesetCells(box Box, netW, netH, imgW, imgH float64, gw, gh int) []int {
	cw, ch := imgW/float64(gw), imgH/float64(gh)

	l := box[0] / netW * imgW
	t := box[1] / netH * imgH
	r := box[2] / netW * imgW
	b := box[3] / netH * imgH

	l, r = (l+BoxMargin)/cw, (r-BoxMargin)/cw
	t, b = (t+BoxMargin)/ch, (b-BoxMargin)/ch

	var cells []int
	for j := 0; j < gh; j++ {
		for i := 0; i < gw; i++ {
			fi, fj := float64(i), float64(j)
			if !(fi+1 <= l || fi > r || fj+1 <= t || fj > b) {
				cells = append(cells, j*gw+i)
			}
		}
	}
	sort.Ints(cells)
	return cells
}

// UnionCells merges per-box cell sets.
func UnionCells(sets ...[]int) []int {
	seen := map[int]bool{}
	var out []int
	for _, s := range sets {
		for _, c := range s {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	sort.Ints(out)
	return out
}
