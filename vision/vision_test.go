package vision

import (
	"image"
	"image/color"
	"math"
	"math/rand"
	"reflect"
	"testing"

	"github.com/fogleman/gg"
)

const shapeSize = 50.0

// drawPiece draws the jigsaw shape with its top-left corner at (x, y).
func drawPiece(dc *gg.Context, x, y float64, shade int) {
	dc.SetRGB255(shade, shade, shade)
	dc.DrawRoundedRectangle(x, y, shapeSize, shapeSize, 6)
	dc.DrawCircle(x+shapeSize, y+shapeSize/2, 8)
	dc.Fill()
}

func puzzle(t *testing.T, pieceX, gapOffset float64) (piece, background image.Image) {
	t.Helper()
	rng := rand.New(rand.NewSource(42))

	bg := gg.NewContext(360, 160)
	bg.SetRGB255(128, 128, 128)
	bg.Clear()
	// low contrast texture kept out of the band the shapes live in
	for i := 0; i < 25; i++ {
		shade := 110 + rng.Intn(36)
		bg.SetRGB255(shade, shade, shade)
		y := float64(rng.Intn(25))
		if rng.Intn(2) == 0 {
			y += 125
		}
		bg.DrawRectangle(float64(rng.Intn(340)), y, 6+float64(rng.Intn(14)), 4+float64(rng.Intn(6)))
		bg.Fill()
	}
	drawPiece(bg, pieceX+5, 50, 230)
	drawPiece(bg, pieceX+gapOffset+5, 50, 26)

	pc := gg.NewContext(70, 70)
	pc.SetRGB255(128, 128, 128)
	pc.Clear()
	drawPiece(pc, 5, 5, 230)

	return pc.Image(), bg.Image()
}

func TestSlideDistanceRecoversOffset(t *testing.T) {
	for _, d := range []float64{90, 137, 201} {
		piece, background := puzzle(t, 20, d)
		got, err := SlideDistance(piece, background)
		if err != nil {
			t.Fatalf("offset %.0f: %v", d, err)
		}
		if math.Abs(got-d) > 2 {
			t.Fatalf("offset %.0f: measured %.1f", d, got)
		}
	}
}

func TestMatchTemplateExact(t *testing.T) {
	src := NewGray(40, 30)
	rng := rand.New(rand.NewSource(5))
	for i := range src.Pix {
		src.Pix[i] = float64(rng.Intn(256))
	}
	tmpl := NewGray(8, 6)
	for y := 0; y < 6; y++ {
		for x := 0; x < 8; x++ {
			tmpl.Set(x, y, src.At(17+x, 9+y))
		}
	}

	res, err := MatchTemplate(src, tmpl)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if res.W != 33 || res.H != 25 {
		t.Fatalf("result size %dx%d", res.W, res.H)
	}
	peaks := TopPeaks(res, 1, 0, 0)
	if peaks[0].X != 17 || peaks[0].Y != 9 {
		t.Fatalf("peak at %v", peaks[0].Point)
	}
	if math.Abs(peaks[0].Score-1) > 1e-6 {
		t.Fatalf("peak score %v", peaks[0].Score)
	}

	if _, err := MatchTemplate(tmpl, src); err != ErrTemplateTooLarge {
		t.Fatalf("expected ErrTemplateTooLarge, got %v", err)
	}
}

func TestEdgeImageFlatIsZero(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 12, 9))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	for _, v := range EdgeImage(img).Pix {
		if v != 0 {
			t.Fatalf("flat image produced edge value %v", v)
		}
	}
}

func TestTilesetCells(t *testing.T) {
	t.Run("exact cell", func(t *testing.T) {
		for j := 0; j < 4; j++ {
			for i := 0; i < 4; i++ {
				box := Box{float64(i) * 100, float64(j) * 100, float64(i+1) * 100, float64(j+1) * 100}
				got := TilesetCells(box, 400, 400, 400, 400, 4, 4)
				if want := []int{j*4 + i}; !reflect.DeepEqual(got, want) {
					t.Fatalf("cell (%d,%d): got %v want %v", i, j, got, want)
				}
			}
		}
	})

	t.Run("network scaling", func(t *testing.T) {
		// 416 network input, 450 pixel tileset, box covering the centre four cells
		box := Box{104, 104, 312, 312}
		got := TilesetCells(box, 416, 416, 450, 450, 4, 4)
		if want := []int{5, 6, 9, 10}; !reflect.DeepEqual(got, want) {
			t.Fatalf("got %v want %v", got, want)
		}
	})

	t.Run("margin drops grazed cells", func(t *testing.T) {
		box := Box{97, 0, 200, 100}
		got := TilesetCells(box, 400, 400, 400, 400, 4, 4)
		if want := []int{1}; !reflect.DeepEqual(got, want) {
			t.Fatalf("got %v want %v", got, want)
		}
	})

	t.Run("idempotent", func(t *testing.T) {
		box := Box{33, 61, 287, 190}
		a := TilesetCells(box, 416, 416, 450, 450, 4, 4)
		b := TilesetCells(box, 416, 416, 450, 450, 4, 4)
		if !reflect.DeepEqual(a, b) {
			t.Fatalf("%v != %v", a, b)
		}
		if u := UnionCells(a, b); !reflect.DeepEqual(u, a) {
			t.Fatalf("union %v != %v", u, a)
		}
	})
}

func TestDivideImage(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 300, 300))
	for y := 0; y < 300; y++ {
		for x := 0; x < 300; x++ {
			img.Set(x, y, color.RGBA{uint8(x / 100), uint8(y / 100), 0, 255})
		}
	}
	cells := DivideImage(img, 3, 3)
	if len(cells) != 9 {
		t.Fatalf("got %d cells", len(cells))
	}
	for idx, c := range cells {
		b := c.Bounds()
		if b.Dx() != 100 || b.Dy() != 100 {
			t.Fatalf("cell %d is %dx%d", idx, b.Dx(), b.Dy())
		}
		r, g, _, _ := c.At(b.Min.X+50, b.Min.Y+50).RGBA()
		if int(r>>8) != idx%3 || int(g>>8) != idx/3 {
			t.Fatalf("cell %d holds column %d row %d", idx, r>>8, g>>8)
		}
	}
}
