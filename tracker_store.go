package mpptdbg

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/exp/slices"
)

type VariableSpec struct {
	Label  string `yaml:"label" json:"label"`
	Unit   string `yaml:"unit" json:"unit"`
	Title  string `yaml:"title" json:"title"`
	YLabel string `yaml:"y_label" json:"yLabel"`
}

// One telemetry reading. Timestamp and value are kept in a single struct so a
// reader can never observe one without the other.
type Sample struct {
	Timestamp time.Time
	Value     int64
}

// Storage for a tracker's time series. The default is an unbounded slice. When
// a cap is configured the oldest samples are evicted through a ring.
type sampleBuffer interface {
	push(Sample)
	last(n int) []Sample
	len() int
}

type unboundedSamples struct {
	samples []Sample
}

func (b *unboundedSamples) push(s Sample) { b.samples = append(b.samples, s) }
func (b *unboundedSamples) last(n int) []Sample { return Last(b.samples, n) }
func (b *unboundedSamples) len() int { return len(b.samples) }

type boundedSamples struct {
	ring *ThreadUnsafeRing[Sample]
}

func (b *boundedSamples) push(s Sample) { b.ring.Push(s) }
func (b *boundedSamples) last(n int) []Sample { return Last(b.ring.ReadAllOrdered(), n) }
func (b *boundedSamples) len() int { return b.ring.Len() }

// Per variable state. The flags are read by the poll and plot goroutines on
// every iteration, so they are atomics; the series has its own lock.
type Tracker struct {
	spec VariableSpec

	monitorActive atomic.Bool
	plotActive    atomic.Bool

	mutex  sync.RWMutex
	series sampleBuffer
}

func (t *Tracker) Spec() VariableSpec {
	return t.spec
}

// Owns every Tracker. Trackers are created once in NewTrackerStore and live
// for the lifetime of the store; the map itself is never written afterwards,
// so lookups need no lock.
type TrackerStore struct {
	trackers map[string]*Tracker
	order    []string
}

// Creates one tracker per spec. maxSamples <= 0 keeps every sample, which is
// the default: series grow for as long as the process runs.
func NewTrackerStore(specs []VariableSpec, maxSamples int) (*TrackerStore, error) {
	s := &TrackerStore{
		trackers: make(map[string]*Tracker, len(specs)),
		order:    make([]string, 0, len(specs)),
	}

	for _, spec := range specs {
		if spec.Label == "" {
			return nil, fmt.Errorf("variable with title %q has an empty label", spec.Title)
		}

		if _, exists := s.trackers[spec.Label]; exists {
			return nil, fmt.Errorf("variable %q: %w", spec.Label, ErrDuplicateKey)
		}

		var series sampleBuffer = &unboundedSamples{}
		if maxSamples > 0 {
			series = &boundedSamples{ring: NewRing[Sample](maxSamples)}
		}

		s.trackers[spec.Label] = &Tracker{spec: spec, series: series}
		s.order = append(s.order, spec.Label)
	}

	return s, nil
}

func (s *TrackerStore) tracker(label string) (*Tracker, error) {
	t, ok := s.trackers[label]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownVariable, label)
	}

	return t, nil
}

func (s *TrackerStore) Has(label string) bool {
	_, ok := s.trackers[label]
	return ok
}

// Labels in configuration order.
func (s *TrackerStore) Labels() []string {
	return slices.Clone(s.order)
}

// Position of the label in configuration order. Used as the series id on the
// plot stream.
func (s *TrackerStore) Index(label string) int {
	return slices.Index(s.order, label)
}

func (s *TrackerStore) Spec(label string) (VariableSpec, error) {
	t, err := s.tracker(label)
	if err != nil {
		return VariableSpec{}, err
	}

	return t.spec, nil
}

func (s *TrackerStore) Specs() []VariableSpec {
	specs := make([]VariableSpec, 0, len(s.order))
	for _, label := range s.order {
		specs = append(specs, s.trackers[label].spec)
	}
	return specs
}

func (s *TrackerStore) RecordSample(label string, timestamp time.Time, value int64) error {
	t, err := s.tracker(label)
	if err != nil {
		return err
	}

	t.mutex.Lock()
	t.series.push(Sample{Timestamp: timestamp, Value: value})
	t.mutex.Unlock()

	return nil
}

// Returns a copy of the last n samples in insertion order, fewer if the series
// is shorter.
func (s *TrackerStore) SnapshotRecent(label string, n int) ([]Sample, error) {
	t, err := s.tracker(label)
	if err != nil {
		return nil, err
	}

	t.mutex.RLock()
	defer t.mutex.RUnlock()

	return t.series.last(n), nil
}

func (s *TrackerStore) Len(label string) (int, error) {
	t, err := s.tracker(label)
	if err != nil {
		return 0, err
	}

	t.mutex.RLock()
	defer t.mutex.RUnlock()

	return t.series.len(), nil
}

func (s *TrackerStore) SetMonitorActive(label string, active bool) error {
	t, err := s.tracker(label)
	if err != nil {
		return err
	}

	t.monitorActive.Store(active)
	return nil
}

func (s *TrackerStore) MonitorActive(label string) bool {
	t, err := s.tracker(label)
	if err != nil {
		return false
	}

	return t.monitorActive.Load()
}

func (s *TrackerStore) SetPlotActive(label string, active bool) error {
	t, err := s.tracker(label)
	if err != nil {
		return err
	}

	t.plotActive.Store(active)
	return nil
}

func (s *TrackerStore) PlotActive(label string) bool {
	t, err := s.tracker(label)
	if err != nil {
		return false
	}

	return t.plotActive.Load()
}

// Writes the whole series of one tracker as CSV with a header row. Timestamps
// are RFC 3339 with milliseconds.
func (s *TrackerStore) WriteCSV(w io.Writer, label string) error {
	t, err := s.tracker(label)
	if err != nil {
		return err
	}

	t.mutex.RLock()
	samples := t.series.last(t.series.len())
	t.mutex.RUnlock()

	csvWriter := csv.NewWriter(w)
	if err := csvWriter.Write([]string{"timestamp", "value"}); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, sample := range samples {
		row := []string{
			sample.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
			strconv.FormatInt(sample.Value, 10),
		}
		if err := csvWriter.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	csvWriter.Flush()
	return csvWriter.Error()
}
