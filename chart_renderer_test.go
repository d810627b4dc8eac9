package mpptdbg

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testFrame(values ...int64) Frame {
	frame := Frame{
		SeriesID: 0,
		Spec:     VariableSpec{Label: "Voltage In", Unit: "mV", Title: "Input Voltage", YLabel: "Voltage (mV)"},
	}

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, value := range values {
		frame.Samples = append(frame.Samples, Sample{
			Timestamp: base.Add(time.Duration(i) * 3 * time.Second),
			Value:     value,
		})
	}

	return frame
}

func decodePNGSize(t *testing.T, data []byte) (int, int) {
	t.Helper()

	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("output is not a PNG: %v", err)
	}

	bounds := img.Bounds()
	return bounds.Dx(), bounds.Dy()
}

func TestChartRendererRender(t *testing.T) {
	renderer := NewChartRenderer(320, 200, "")

	tests := []struct {
		name  string
		frame Frame
	}{
		{name: "Empty", frame: testFrame()},
		{name: "SinglePoint", frame: testFrame(17000)},
		{name: "Flat", frame: testFrame(5, 5, 5)},
		{name: "Series", frame: testFrame(100, 250, 80, 300, 120)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := renderer.Render(tt.frame)
			if err != nil {
				t.Fatalf("Render() error = %v", err)
			}

			if w, h := decodePNGSize(t, data); w != 320 || h != 200 {
				t.Fatalf("image is %dx%d, want 320x200", w, h)
			}
		})
	}
}

func TestChartRendererEmptyFrameIsWhite(t *testing.T) {
	renderer := NewChartRenderer(40, 30, "")

	data, err := renderer.Render(testFrame())
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("output is not a PNG: %v", err)
	}

	for _, p := range []image.Point{{0, 0}, {39, 0}, {0, 29}, {39, 29}, {20, 15}} {
		r, g, b, a := img.At(p.X, p.Y).RGBA()
		if r != 0xffff || g != 0xffff || b != 0xffff || a != 0xffff {
			t.Fatalf("pixel %v = %v, want opaque white", p, img.At(p.X, p.Y))
		}
	}
}

func TestChartRendererDraw(t *testing.T) {
	dir := t.TempDir()
	renderer := NewChartRenderer(0, 0, dir)

	if _, ok := renderer.Latest("Voltage In"); ok {
		t.Fatal("Latest() before any draw returned an image")
	}

	if err := renderer.Draw(context.Background(), testFrame(1, 2, 3)); err != nil {
		t.Fatalf("Draw() error = %v", err)
	}

	latest, ok := renderer.Latest("Voltage In")
	if !ok {
		t.Fatal("Latest() after draw returned nothing")
	}

	if w, h := decodePNGSize(t, latest); w != DefaultChartWidth || h != DefaultChartHeight {
		t.Fatalf("image is %dx%d, want defaults", w, h)
	}

	written, err := os.ReadFile(filepath.Join(dir, "voltage_in.png"))
	if err != nil {
		t.Fatalf("chart file not written: %v", err)
	}

	if !bytes.Equal(written, latest) {
		t.Fatal("chart file differs from the latest image")
	}

	renderer.Close("Voltage In")
	if _, ok := renderer.Latest("Voltage In"); !ok {
		t.Fatal("Close() dropped the latest image")
	}
}

func TestChartHelpers(t *testing.T) {
	series := timeSeries(testFrame(9))
	if len(series.XValues) != 2 || !series.XValues[1].After(series.XValues[0]) {
		t.Fatalf("single sample not padded: %v", series.XValues)
	}

	if series.YValues[1] != 9 {
		t.Fatalf("padding point value = %v, want 9", series.YValues[1])
	}

	r := yRange(testFrame(10, 10).Samples)
	if !(r.Min < 10 && r.Max > 10) {
		t.Fatalf("flat range not padded: %v..%v", r.Min, r.Max)
	}

	if got := chartFileName(" Duty Cycle "); got != "duty_cycle.png" {
		t.Fatalf("chartFileName() = %q", got)
	}
}
