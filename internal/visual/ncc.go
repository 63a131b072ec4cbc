package visual

import (
	"image"
	"image/color"
	"math"
)

// gray is a float luminance plane.
type gray struct {
	w, h int
	pix  []float64
}

func toGray(img image.Image) gray {
	b := img.Bounds()
	g := gray{w: b.Dx(), h: b.Dy(), pix: make([]float64, b.Dx()*b.Dy())}
	for y := 0; y < g.h; y++ {
		for x := 0; x < g.w; x++ {
			c := color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray)
			g.pix[y*g.w+x] = float64(c.Y)
		}
	}
	return g
}

func (g gray) at(x, y int) float64 { return g.pix[y*g.w+x] }

// integral holds summed-area tables of values and squared values, padded
// by one row and column.
type integral struct {
	w       int
	sum, sq []float64
}

func newIntegral(g gray) integral {
	w := g.w + 1
	in := integral{w: w, sum: make([]float64, w*(g.h+1)), sq: make([]float64, w*(g.h+1))}
	for y := 1; y <= g.h; y++ {
		var row, rowSq float64
		for x := 1; x <= g.w; x++ {
			v := g.at(x-1, y-1)
			row += v
			rowSq += v * v
			in.sum[y*w+x] = in.sum[(y-1)*w+x] + row
			in.sq[y*w+x] = in.sq[(y-1)*w+x] + rowSq
		}
	}
	return in
}

func (in integral) rect(t []float64, x, y, w, h int) float64 {
	return t[(y+h)*in.w+x+w] - t[y*in.w+x+w] - t[(y+h)*in.w+x] + t[y*in.w+x]
}

// Match is the best template position inside a searched image.
type Match struct {
	// X, Y is the template center relative to the searched image.
	X, Y  int
	Score float64
}

// preparedTemplate is a zero-mean template with its norm.
type preparedTemplate struct {
	w, h int
	zm   []float64
	norm float64
}

func prepare(g gray) preparedTemplate {
	n := float64(len(g.pix))
	var mean float64
	for _, v := range g.pix {
		mean += v
	}
	mean /= n
	t := preparedTemplate{w: g.w, h: g.h, zm: make([]float64, len(g.pix))}
	var ss float64
	for i, v := range g.pix {
		d := v - mean
		t.zm[i] = d
		ss += d * d
	}
	t.norm = math.Sqrt(ss)
	return t
}

// score is the zero-mean normalized cross-correlation at (x, y). Flat
// regions score 0.
func score(src gray, in integral, t preparedTemplate, x, y int) float64 {
	if t.norm == 0 {
		return 0
	}
	n := float64(t.w * t.h)
	s := in.rect(in.sum, x, y, t.w, t.h)
	sq := in.rect(in.sq, x, y, t.w, t.h)
	variance := sq - s*s/n
	if variance <= 1e-9 {
		return 0
	}
	var num float64
	for ty := 0; ty < t.h; ty++ {
		row := (y+ty)*src.w + x
		trow := ty * t.w
		for tx := 0; tx < t.w; tx++ {
			num += src.pix[row+tx] * t.zm[trow+tx]
		}
	}
	return num / (math.Sqrt(variance) * t.norm)
}

// FindTemplate searches src for tpl with a coarse pass every step pixels
// followed by a full-resolution refinement around the best candidate.
func FindTemplate(src, tpl image.Image, step int) (Match, bool) {
	if step < 1 {
		step = 1
	}
	s, tg := toGray(src), toGray(tpl)
	if tg.w == 0 || tg.h == 0 || tg.w > s.w || tg.h > s.h {
		return Match{}, false
	}
	return search(s, newIntegral(s), prepare(tg), step)
}

func search(s gray, in integral, t preparedTemplate, step int) (Match, bool) {
	maxX, maxY := s.w-t.w, s.h-t.h
	best, bx, by := math.Inf(-1), 0, 0
	for y := 0; y <= maxY; y += step {
		for x := 0; x <= maxX; x += step {
			if v := score(s, in, t, x, y); v > best {
				best, bx, by = v, x, y
			}
		}
	}
	if step > 1 {
		cx, cy := bx, by
		for y := max(0, cy-step+1); y <= min(maxY, cy+step-1); y++ {
			for x := max(0, cx-step+1); x <= min(maxX, cx+step-1); x++ {
				if v := score(s, in, t, x, y); v > best {
					best, bx, by = v, x, y
				}
			}
		}
	}
	if math.IsInf(best, -1) {
		return Match{}, false
	}
	return Match{X: bx + t.w/2, Y: by + t.h/2, Score: best}, true
}
