package mpptdbg

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	chart "github.com/wcharczuk/go-chart/v2"
)

const (
	DefaultChartWidth  = 800
	DefaultChartHeight = 400
)

// A PlotSink that renders every frame to a PNG with go-chart. The latest image
// per variable is kept in memory (served by the HTTP server) and, if outDir is
// set, also written to <outDir>/<label>.png.
type ChartRenderer struct {
	width  int
	height int
	outDir string

	mutex  sync.RWMutex
	latest map[string][]byte

	logger logrus.FieldLogger
}

func NewChartRenderer(width, height int, outDir string) *ChartRenderer {
	if width <= 0 {
		width = DefaultChartWidth
	}

	if height <= 0 {
		height = DefaultChartHeight
	}

	return &ChartRenderer{
		width:  width,
		height: height,
		outDir: outDir,
		latest: make(map[string][]byte),
		logger: logrus.WithField("tag", "ChartRenderer"),
	}
}

func (r *ChartRenderer) Draw(ctx context.Context, frame Frame) error {
	pngData, renderErr := r.Render(frame)
	if pngData == nil {
		return renderErr
	}

	r.mutex.Lock()
	r.latest[frame.Spec.Label] = pngData
	r.mutex.Unlock()

	if r.outDir != "" {
		outPath := filepath.Join(r.outDir, chartFileName(frame.Spec.Label))
		if err := os.WriteFile(outPath, pngData, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", outPath, err)
		}
	}

	return renderErr
}

// The last image stays available after the plot stops.
func (r *ChartRenderer) Close(label string) {}

func (r *ChartRenderer) Latest(label string) ([]byte, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	pngData, ok := r.latest[label]
	return pngData, ok
}

// Renders a frame as PNG. An empty frame renders a blank image. If go-chart
// fails, a blank image is returned together with the error so the viewer
// still visibly updates.
func (r *ChartRenderer) Render(frame Frame) ([]byte, error) {
	if len(frame.Samples) == 0 {
		return r.blank()
	}

	graph := chart.Chart{
		Title:  frame.Spec.Title,
		Width:  r.width,
		Height: r.height,
		Background: chart.Style{
			Padding: chart.Box{Top: 40, Left: 16, Right: 16, Bottom: 16},
		},
		XAxis: chart.XAxis{
			Name:           "Time",
			ValueFormatter: chart.TimeValueFormatterWithFormat(displayTimeFormat),
		},
		YAxis: chart.YAxis{
			Name:  frame.Spec.YLabel,
			Range: yRange(frame.Samples),
		},
		Series: []chart.Series{timeSeries(frame)},
	}

	var buf bytes.Buffer
	if err := graph.Render(chart.PNG, &buf); err != nil {
		r.logger.WithError(err).WithField("label", frame.Spec.Label).Warn("chart render failed, drawing blank")
		pngData, blankErr := r.blank()
		if blankErr != nil {
			return nil, blankErr
		}
		return pngData, fmt.Errorf("render %s: %w", frame.Spec.Label, err)
	}

	return buf.Bytes(), nil
}

func (r *ChartRenderer) blank() ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, r.width, r.height))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("png encode: %w", err)
	}

	return buf.Bytes(), nil
}

// go-chart needs a non-empty X range, so a single sample, or samples that all
// share a timestamp, get a second point one second later.
func timeSeries(frame Frame) chart.TimeSeries {
	xs := make([]time.Time, 0, len(frame.Samples)+1)
	ys := make([]float64, 0, len(frame.Samples)+1)

	for _, sample := range frame.Samples {
		xs = append(xs, sample.Timestamp)
		ys = append(ys, float64(sample.Value))
	}

	if !xs[len(xs)-1].After(xs[0]) {
		xs = append(xs, xs[len(xs)-1].Add(time.Second))
		ys = append(ys, ys[len(ys)-1])
	}

	return chart.TimeSeries{
		Name:    frame.Spec.Label,
		XValues: xs,
		YValues: ys,
		Style: chart.Style{
			StrokeWidth: 2,
			DotWidth:    3,
		},
	}
}

// Same problem on the Y axis when every value is equal.
func yRange(samples []Sample) *chart.ContinuousRange {
	lo, hi := samples[0].Value, samples[0].Value
	for _, sample := range samples[1:] {
		lo = Min(lo, sample.Value)
		hi = Max(hi, sample.Value)
	}

	pad := Max(float64(hi-lo)/10, 1)
	return &chart.ContinuousRange{Min: float64(lo) - pad, Max: float64(hi) + pad}
}

func chartFileName(label string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(label)), " ", "_") + ".png"
}
