package mpptdbg

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultPlotWindow   = 10
	DefaultPlotInterval = 200 * time.Millisecond
)

// One redraw of one variable: the most recent samples plus what is needed to
// label the axes.
type Frame struct {
	SeriesID int
	Spec     VariableSpec
	Samples  []Sample
}

// Draws frames somewhere a human can see them. Draw is called from the plot
// goroutine of each variable, possibly concurrently for different labels.
// Close is called once when a plot loop ends.
type PlotSink interface {
	Draw(ctx context.Context, frame Frame) error
	Close(label string)
}

// Fans each frame out to every sink. All sinks are drawn even if one fails;
// the errors are joined.
type MultiSink []PlotSink

func (m MultiSink) Draw(ctx context.Context, frame Frame) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Draw(ctx, frame); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) Close(label string) {
	for _, sink := range m {
		sink.Close(label)
	}
}

type plotUnit struct {
	ctx context.Context
}

// Redraws the latest samples of a variable at a fixed rate for as long as its
// plot flag is set. Same cooperative cancellation and one unit per label
// guarantee as the Poller.
type Plotter struct {
	store    *TrackerStore
	sink     PlotSink
	window   int
	interval time.Duration

	mutex sync.Mutex
	units map[string]*plotUnit
	wg    sync.WaitGroup

	logger logrus.FieldLogger
}

// window <= 0 and interval <= 0 select the defaults.
func NewPlotter(store *TrackerStore, sink PlotSink, window int, interval time.Duration) *Plotter {
	if window <= 0 {
		window = DefaultPlotWindow
	}

	if interval <= 0 {
		interval = DefaultPlotInterval
	}

	return &Plotter{
		store:    store,
		sink:     sink,
		window:   window,
		interval: interval,
		units:    make(map[string]*plotUnit),
		logger:   logrus.WithField("tag", "Plotter"),
	}
}

// Starts plotting if idle, stops if plotting. Returns whether the variable is
// plotting afterwards.
func (p *Plotter) Toggle(ctx context.Context, label string) (bool, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	// A unit whose context is done is about to exit, so it no longer counts
	// as plotting.
	if unit, running := p.units[label]; running && unit.ctx.Err() == nil && p.store.PlotActive(label) {
		return false, p.store.SetPlotActive(label, false)
	}

	return true, p.startLocked(ctx, label)
}

func (p *Plotter) Start(ctx context.Context, label string) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.startLocked(ctx, label)
}

func (p *Plotter) Stop(label string) error {
	return p.store.SetPlotActive(label, false)
}

func (p *Plotter) Running(label string) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	_, running := p.units[label]
	return running
}

func (p *Plotter) Wait() {
	p.wg.Wait()
}

func (p *Plotter) startLocked(ctx context.Context, label string) error {
	if err := p.store.SetPlotActive(label, true); err != nil {
		return err
	}

	if unit, running := p.units[label]; running && unit.ctx.Err() == nil {
		return nil
	}

	spec, err := p.store.Spec(label)
	if err != nil {
		return err
	}

	unit := &plotUnit{ctx: ctx}
	p.units[label] = unit

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx, spec, unit)
	}()

	p.logger.WithField("label", label).Info("started plotting")
	return nil
}

func (p *Plotter) run(ctx context.Context, spec VariableSpec, unit *plotUnit) {
	logger := p.logger.WithField("label", spec.Label)
	seriesID := p.store.Index(spec.Label)
	numFrames := 0

	defer func() {
		logger.WithField("numFrames", numFrames).Info("plot loop ended")
	}()

	for p.continuePlotting(ctx, spec.Label, unit) {
		samples, err := p.store.SnapshotRecent(spec.Label, p.window)
		if err != nil {
			// Only possible for an unknown label, which startLocked rejects.
			logger.WithError(err).Error("snapshot failed")
			p.exit(spec.Label, unit)
			return
		}

		err = p.sink.Draw(ctx, Frame{SeriesID: seriesID, Spec: spec, Samples: samples})
		if err != nil {
			logger.WithError(err).Warn("failed to draw frame")
		}
		numFrames++

		timer := time.NewTimer(p.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Checks the plot flag and, if it is cleared, closes the sink and deregisters
// the unit under the same lock Start uses. Closing under the lock keeps a
// quick restart from seeing its first frames followed by a stale close. A
// replaced unit stops silently since the label now belongs to its successor.
func (p *Plotter) continuePlotting(ctx context.Context, label string, unit *plotUnit) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.units[label] != unit {
		return false
	}

	if ctx.Err() != nil {
		p.store.SetPlotActive(label, false)
	}

	if p.store.PlotActive(label) {
		return true
	}

	p.exitLocked(label)
	return false
}

func (p *Plotter) exit(label string, unit *plotUnit) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.units[label] == unit {
		p.exitLocked(label)
	}
}

func (p *Plotter) exitLocked(label string) {
	p.sink.Close(label)
	delete(p.units, label)
}
