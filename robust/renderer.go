package robust

import (
	"fmt"
	"image/color"
	"image/png"
	"io"
	"math"

	"github.com/paulmach/orb"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// MatchRenderer draws a match set side by side: the first image on the left,
// the second on the right, each correspondence as a line between them
// colored by its inlier label.
type MatchRenderer struct {
	Set            *MatchSet
	Inliers        []bool     // Optional labels; nil draws every match unlabeled
	Homography     Parameters // Optional: outline of the first image mapped into the second
	Padding        float64
	Gap            float64 // Space between the two images
	PointRadius    float64
	Resolution     canvas.Resolution // Resolution for PNG output
	InlierColor    color.RGBA
	OutlierColor   color.RGBA
	UnlabeledColor color.RGBA
}

// NewMatchRenderer creates a renderer with default styling
func NewMatchRenderer(set *MatchSet, inliers []bool) *MatchRenderer {
	return &MatchRenderer{
		Set:            set,
		Inliers:        inliers,
		Padding:        20,
		Gap:            40,
		PointRadius:    2.5,
		Resolution:     canvas.DPI(96),
		InlierColor:    parseHexColor("#2E9E44"),
		OutlierColor:   parseHexColor("#D62828"),
		UnlabeledColor: parseHexColor("#4A6FA5"),
	}
}

// NewMatchRendererForResult renders a stored result, outlining the estimated
// homography when the result carries one
func NewMatchRendererForResult(set *MatchSet, r *EstimateResult) *MatchRenderer {
	mr := NewMatchRenderer(set, r.Inliers)
	if r.Model == ModelHomography && len(r.Parameters) == 9 {
		mr.Homography = Parameters(r.Parameters)
	}
	return mr
}

// canvasRenderer is implemented by both the svg and rasterizer renderers
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// frame returns the extent of one image panel. Width/Height of the set win;
// otherwise the bounds of all points are used.
func (r *MatchRenderer) frame() orb.Bound {
	if r.Set.Width > 0 && r.Set.Height > 0 {
		return orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{r.Set.Width, r.Set.Height}}
	}
	b := r.Set.Bounds()
	if b.IsEmpty() {
		return orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{1, 1}}
	}
	if b.Right()-b.Left() == 0 || b.Top()-b.Bottom() == 0 {
		b = b.Pad(1)
	}
	return b
}

func (r *MatchRenderer) size() (width, height float64, panel orb.Bound) {
	panel = r.frame()
	width = 2*(panel.Right()-panel.Left()) + r.Gap + 2*r.Padding
	height = (panel.Top() - panel.Bottom()) + 2*r.Padding
	return width, height, panel
}

// RenderToSVG writes the match view as SVG
func (r *MatchRenderer) RenderToSVG(w io.Writer) error {
	if r.Set == nil {
		return fmt.Errorf("no match set to render")
	}
	width, height, panel := r.size()
	svgRenderer := svg.New(w, width, height, nil)
	if err := r.renderToCanvas(svgRenderer, panel, width, height); err != nil {
		return err
	}
	return svgRenderer.Close()
}

// RenderToPNG writes the match view as PNG
func (r *MatchRenderer) RenderToPNG(w io.Writer) error {
	if r.Set == nil {
		return fmt.Errorf("no match set to render")
	}
	width, height, panel := r.size()
	rast := rasterizer.New(width, height, r.Resolution, canvas.DefaultColorSpace)
	if err := r.renderToCanvas(rast, panel, width, height); err != nil {
		return err
	}
	return png.Encode(w, rast)
}

func (r *MatchRenderer) renderToCanvas(renderer canvasRenderer, panel orb.Bound, width, height float64) error {
	pairs := r.Set.PointPairs()
	if len(pairs) == 0 {
		return fmt.Errorf("match set %q has no correspondences", r.Set.ID)
	}

	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(width, height), bgStyle, canvas.Identity)

	// Image coordinates grow downwards, canvas coordinates upwards
	pw := panel.Right() - panel.Left()
	ph := panel.Top() - panel.Bottom()
	toCanvas := func(p Point, second bool) (float64, float64) {
		x := p.X - panel.Left() + r.Padding
		if second {
			x += pw + r.Gap
		}
		return x, height - r.Padding - (p.Y - panel.Bottom())
	}

	panelStyle := canvas.DefaultStyle
	panelStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	panelStyle.Stroke = canvas.Paint{Color: canvas.Gray}
	panelStyle.StrokeWidth = 1.0
	for _, second := range []bool{false, true} {
		x0, y0 := toCanvas(Point{X: panel.Left(), Y: panel.Top()}, second)
		rect := canvas.Rectangle(pw, ph).Translate(x0, y0)
		renderer.RenderPath(rect, panelStyle, canvas.Identity)
	}

	if len(r.Homography) == 9 {
		r.renderHomographyOutline(renderer, panel, toCanvas)
	}

	for i, pair := range pairs {
		c := r.colorFor(i)

		lineStyle := canvas.DefaultStyle
		lineStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		lineStyle.Stroke = canvas.Paint{Color: c}
		lineStyle.StrokeWidth = 0.6
		if r.labeled() && !r.Inliers[i] {
			lineStyle.Dashes = []float64{3, 2}
		}

		ax, ay := toCanvas(pair.First, false)
		bx, by := toCanvas(pair.Second, true)
		line := &canvas.Path{}
		line.MoveTo(ax, ay)
		line.LineTo(bx, by)
		renderer.RenderPath(line, lineStyle, canvas.Identity)

		dotStyle := canvas.DefaultStyle
		dotStyle.Fill = canvas.Paint{Color: c}
		dotStyle.Stroke = canvas.Paint{Color: canvas.Transparent}
		renderer.RenderPath(canvas.Circle(r.PointRadius).Translate(ax, ay), dotStyle, canvas.Identity)
		renderer.RenderPath(canvas.Circle(r.PointRadius).Translate(bx, by), dotStyle, canvas.Identity)
	}
	return nil
}

// renderHomographyOutline draws the first panel's border mapped through the
// estimated homography onto the second panel
func (r *MatchRenderer) renderHomographyOutline(renderer canvasRenderer, panel orb.Bound, toCanvas func(Point, bool) (float64, float64)) {
	corners := []Point{
		{X: panel.Left(), Y: panel.Bottom()},
		{X: panel.Right(), Y: panel.Bottom()},
		{X: panel.Right(), Y: panel.Top()},
		{X: panel.Left(), Y: panel.Top()},
	}
	outline := &canvas.Path{}
	for i, c := range corners {
		p, ok := ProjectPoint(r.Homography, c)
		if !ok || math.IsNaN(p.X) || math.IsNaN(p.Y) {
			return
		}
		x, y := toCanvas(p, true)
		if i == 0 {
			outline.MoveTo(x, y)
		} else {
			outline.LineTo(x, y)
		}
	}
	outline.Close()

	style := canvas.DefaultStyle
	style.Fill = canvas.Paint{Color: canvas.Transparent}
	style.Stroke = canvas.Paint{Color: r.InlierColor}
	style.StrokeWidth = 1.5
	style.Dashes = []float64{6, 3}
	renderer.RenderPath(outline, style, canvas.Identity)
}

func (r *MatchRenderer) labeled() bool {
	return len(r.Inliers) == r.Set.Len()
}

func (r *MatchRenderer) colorFor(i int) color.RGBA {
	if !r.labeled() {
		return r.UnlabeledColor
	}
	if r.Inliers[i] {
		return r.InlierColor
	}
	return r.OutlierColor
}

// parseHexColor parses "#RRGGBB", falling back to red
func parseHexColor(hex string) color.RGBA {
	fallback := color.RGBA{255, 0, 0, 255}
	if len(hex) > 0 && hex[0] == '#' {
		hex = hex[1:]
	}
	if len(hex) != 6 {
		return fallback
	}
	var r, g, b uint8
	if _, err := fmt.Sscanf(hex, "%02x%02x%02x", &r, &g, &b); err != nil {
		return fallback
	}
	return color.RGBA{r, g, b, 255}
}
