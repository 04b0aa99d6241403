package vision

import (
	"errors"
	"image"
	"math"
	"sort"
)

var ErrTemplateTooLarge = errors.New("template larger than source")

// MatchTemplate computes the normalized correlation coefficient of tmpl
// at every placement inside src. The result is (W-w+1) x (H-h+1).
func MatchTemplate(src, tmpl *Gray) (*Gray, error) {
	if tmpl.W > src.W || tmpl.H > src.H || tmpl.W == 0 || tmpl.H == 0 {
		return nil, ErrTemplateTooLarge
	}

	n := float64(tmpl.W * tmpl.H)
	tMean := 0.0
	for _, v := range tmpl.Pix {
		tMean += v
	}
	tMean /= n
	tz := make([]float64, len(tmpl.Pix))
	tNorm := 0.0
	for i, v := range tmpl.Pix {
		tz[i] = v - tMean
		tNorm += tz[i] * tz[i]
	}

	sum, sq := integrals(src)
	rw, rh := src.W-tmpl.W+1, src.H-tmpl.H+1
	out := NewGray(rw, rh)

	for y := 0; y < rh; y++ {
		for x := 0; x < rw; x++ {
			s := rectSum(sum, src.W+1, x, y, tmpl.W, tmpl.H)
			s2 := rectSum(sq, src.W+1, x, y, tmpl.W, tmpl.H)
			wVar := math.Max(s2-s*s/n, 0)

			// sum(tz) is zero, so the window mean drops out of the numerator
			cross := 0.0
			for ty := 0; ty < tmpl.H; ty++ {
				row := (y+ty)*src.W + x
				trow := ty * tmpl.W
				for tx := 0; tx < tmpl.W; tx++ {
					cross += tz[trow+tx] * src.Pix[row+tx]
				}
			}

			denom := math.Sqrt(tNorm * wVar)
			if denom < 1e-9 {
				out.Set(x, y, 0)
				continue
			}
			out.Set(x, y, cross/denom)
		}
	}
	return out, nil
}

func integrals(g *Gray) (sum, sq []float64) {
	stride := g.W + 1
	sum = make([]float64, stride*(g.H+1))
	sq = make([]float64, stride*(g.H+1))
	for y := 0; y < g.H; y++ {
		rs, rq := 0.0, 0.0
		for x := 0; x < g.W; x++ {
			v := g.At(x, y)
			rs += v
			rq += v * v
			sum[(y+1)*stride+x+1] = sum[y*stride+x+1] + rs
			sq[(y+1)*stride+x+1] = sq[y*stride+x+1] + rq
		}
	}
	return sum, sq
}

func rectSum(ii []float64, stride, x, y, w, h int) float64 {
	return ii[(y+h)*stride+x+w] - ii[y*stride+x+w] - ii[(y+h)*stride+x] + ii[y*stride+x]
}

type Peak struct {
	image.Point
	Score float64
}

// TopPeaks returns up to k maxima of res, best first. Each accepted peak
// suppresses a (2*rx+1) x (2*ry+1) neighbourhood around itself.
func TopPeaks(res *Gray, k, rx, ry int) []Peak {
	type cand struct {
		idx   int
		score float64
	}
	cands := make([]cand, len(res.Pix))
	for i, v := range res.Pix {
		cands[i] = cand{i, v}
	}
	sort.SliceStable(cands, func(a, b int) bool { return cands[a].score > cands[b].score })

	var peaks []Peak
	for _, c := range cands {
		if len(peaks) == k {
			break
		}
		p := image.Pt(c.idx%res.W, c.idx/res.W)
		suppressed := false
		for _, q := range peaks {
			if abs(p.X-q.X) <= rx && abs(p.Y-q.Y) <= ry {
				suppressed = true
				break
			}
		}
		if !suppressed {
			peaks = append(peaks, Peak{Point: p, Score: c.score})
		}
	}
	return peaks
}

// SlideDistance measures how far the puzzle piece must travel to reach its
// gap. Both the piece and the gap match the piece's edge template, so the
// two strongest peaks give their x positions.
func SlideDistance(piece, background image.Image) (float64, error) {
	tmpl := EdgeImage(piece)
	bg := EdgeImage(background)

	res, err := MatchTemplate(bg, tmpl)
	if err != nil {
		return 0, err
	}

	peaks := TopPeaks(res, 2, tmpl.W/2, tmpl.H)
	if len(peaks) < 2 {
		return 0, errors.New("no second correlation peak")
	}
	return math.Abs(float64(peaks[1].X - peaks[0].X)), nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
