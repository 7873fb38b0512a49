package robust

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// ScoreChart renders the distribution of per-correspondence scores of a
// result as a bar chart, bars left of the cluster threshold drawn in the
// inlier color.
type ScoreChart struct {
	Width        int
	Height       int
	Bins         int
	Margin       int
	InlierColor  color.RGBA
	OutlierColor color.RGBA
}

// NewScoreChart creates a chart with default layout
func NewScoreChart() *ScoreChart {
	return &ScoreChart{
		Width:        640,
		Height:       320,
		Bins:         40,
		Margin:       36,
		InlierColor:  parseHexColor("#2E9E44"),
		OutlierColor: parseHexColor("#D62828"),
	}
}

// Render draws the chart for r
func (sc *ScoreChart) Render(r *EstimateResult) (*image.RGBA, error) {
	if len(r.Scores) < 2 {
		return nil, fmt.Errorf("result %q has no score distribution", r.DatasetID)
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, s := range r.Scores {
		lo = math.Min(lo, s)
		hi = math.Max(hi, s)
	}
	if hi == lo {
		hi = lo + 1
	}

	bins := sc.Bins
	if bins <= 0 {
		bins = 40
	}
	counts := make([]int, bins)
	width := (hi - lo) / float64(bins)
	for _, s := range r.Scores {
		idx := int((s - lo) / width)
		if idx >= bins {
			idx = bins - 1
		}
		counts[idx]++
	}
	peak := 0
	for _, c := range counts {
		if c > peak {
			peak = c
		}
	}

	img := image.NewRGBA(image.Rect(0, 0, sc.Width, sc.Height))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{255, 255, 255, 255}), image.Point{}, draw.Src)

	plotW := sc.Width - 2*sc.Margin
	plotH := sc.Height - 2*sc.Margin
	if plotW <= 0 || plotH <= 0 {
		return nil, fmt.Errorf("chart %dx%d too small for margin %d", sc.Width, sc.Height, sc.Margin)
	}
	baseline := sc.Height - sc.Margin
	barW := float64(plotW) / float64(bins)

	for i, c := range counts {
		if c == 0 {
			continue
		}
		center := lo + (float64(i)+0.5)*width
		fill := sc.OutlierColor
		if center <= r.Threshold {
			fill = sc.InlierColor
		}
		x0 := sc.Margin + int(float64(i)*barW)
		x1 := sc.Margin + int(float64(i+1)*barW) - 1
		h := int(float64(plotH) * float64(c) / float64(peak))
		fillRect(img, image.Rect(x0, baseline-h, x1, baseline), fill)
	}

	axis := color.RGBA{60, 60, 60, 255}
	fillRect(img, image.Rect(sc.Margin, baseline, sc.Width-sc.Margin, baseline+1), axis)

	if r.Threshold >= lo && r.Threshold <= hi {
		tx := sc.Margin + int(float64(plotW)*(r.Threshold-lo)/(hi-lo))
		for y := sc.Margin; y < baseline; y += 6 {
			fillRect(img, image.Rect(tx, y, tx+1, y+3), axis)
		}
	}

	black := color.RGBA{0, 0, 0, 255}
	drawText(img, sc.Margin, sc.Margin-18, fmt.Sprintf("%s  %s/%s  inliers %d/%d",
		r.DatasetID, r.Statistic, r.Score, r.InlierCount, r.Total), black)
	drawText(img, sc.Margin, sc.Height-sc.Margin+16, fmt.Sprintf("%.4g", lo), black)
	drawText(img, sc.Width-sc.Margin-56, sc.Height-sc.Margin+16, fmt.Sprintf("%.4g", hi), black)
	drawText(img, sc.Margin, sc.Margin-4, fmt.Sprintf("threshold %.4g  peak %d", r.Threshold, peak), axis)

	return img, nil
}

// WritePNG renders the chart for r as PNG
func (sc *ScoreChart) WritePNG(w io.Writer, r *EstimateResult) error {
	img, err := sc.Render(r)
	if err != nil {
		return err
	}
	return png.Encode(w, img)
}

func fillRect(img *image.RGBA, rect image.Rectangle, c color.RGBA) {
	draw.Draw(img, rect, image.NewUniform(c), image.Point{}, draw.Src)
}

// drawText draws text at (x, y) using a basic bitmap font
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
