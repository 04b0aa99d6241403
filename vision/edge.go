package vision

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// Gray is a single channel float image.
type Gray struct {
	W, H int
	Pix  []float64
}

func NewGray(w, h int) *Gray {
	return &Gray{W: w, H: h, Pix: make([]float64, w*h)}
}

func (g *Gray) At(x, y int) float64 { return g.Pix[y*g.W+x] }

func (g *Gray) Set(x, y int, v float64) { g.Pix[y*g.W+x] = v }

// reflect101 mirrors an out of range index without repeating the edge.
func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		}
		if i >= n {
			i = 2*n - 2 - i
		}
	}
	return i
}

func (g *Gray) clampAt(x, y int) float64 {
	return g.Pix[reflect101(y, g.H)*g.W+reflect101(x, g.W)]
}

func DecodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// DecodeSize reads only the header.
func DecodeSize(data []byte) (int, int, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}

// Grayscale uses the BT.601 luma weights.
func Grayscale(img image.Image) *Gray {
	b := img.Bounds()
	g := NewGray(b.Dx(), b.Dy())
	for y := 0; y < g.H; y++ {
		for x := 0; x < g.W; x++ {
			r, gr, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			g.Set(x, y, 0.299*float64(r>>8)+0.587*float64(gr>>8)+0.114*float64(bl>>8))
		}
	}
	return g
}

// GaussianBlur3 applies the separable 3x3 kernel [1 2 1]/4.
func GaussianBlur3(src *Gray) *Gray {
	tmp := NewGray(src.W, src.H)
	for y := 0; y < src.H; y++ {
		for x := 0; x < src.W; x++ {
			tmp.Set(x, y, (src.clampAt(x-1, y)+2*src.At(x, y)+src.clampAt(x+1, y))/4)
		}
	}
	out := NewGray(src.W, src.H)
	for y := 0; y < src.H; y++ {
		for x := 0; x < src.W; x++ {
			out.Set(x, y, (tmp.clampAt(x, y-1)+2*tmp.At(x, y)+tmp.clampAt(x, y+1))/4)
		}
	}
	return out
}

// Sobel returns the x and y 3x3 derivatives.
func Sobel(src *Gray) (gx, gy *Gray) {
	gx, gy = NewGray(src.W, src.H), NewGray(src.W, src.H)
	for y := 0; y < src.H; y++ {
		for x := 0; x < src.W; x++ {
			p := func(dx, dy int) float64 { return src.clampAt(x+dx, y+dy) }
			gx.Set(x, y, (p(1, -1)+2*p(1, 0)+p(1, 1))-(p(-1, -1)+2*p(-1, 0)+p(-1, 1)))
			gy.Set(x, y, (p(-1, 1)+2*p(0, 1)+p(1, 1))-(p(-1, -1)+2*p(0, -1)+p(1, -1)))
		}
	}
	return gx, gy
}

// EdgeImage is blur, grayscale, Sobel and 0.5|gx| + 0.5|gy| with each
// absolute gradient saturated to 8 bits.
func EdgeImage(img image.Image) *Gray {
	gray := GaussianBlur3(Grayscale(img))
	gx, gy := Sobel(gray)
	out := NewGray(gray.W, gray.H)
	for i := range out.Pix {
		ax := math.Min(math.Abs(gx.Pix[i]), 255)
		ay := math.Min(math.Abs(gy.Pix[i]), 255)
		out.Pix[i] = math.Round(0.5*ax + 0.5*ay)
	}
	return out
}

// Resize scales img to w x h with Catmull-Rom resampling.
func Resize(img image.Image, w, h int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)
	return dst
}
