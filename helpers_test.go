package mpptdbg

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

// fakeTransport answers each wire string with a scripted response and records
// every call. It flags a send that arrives while a previous request is still
// waiting for its response, which would mean two transactions interleaved on
// the link.
type fakeTransport struct {
	mutex sync.Mutex

	responses       map[string]string
	defaultResponse string
	sendErr         error
	receiveErr      error
	delay           time.Duration

	sent        []string
	receives    int
	inFlight    bool
	lastSent    string
	interleaved bool
}

func newFakeTransport(responses map[string]string) *fakeTransport {
	return &fakeTransport{
		responses:       responses,
		defaultResponse: "OK",
	}
}

func (f *fakeTransport) SendLine(text string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.inFlight {
		f.interleaved = true
	}

	f.sent = append(f.sent, text)
	if f.sendErr != nil {
		return f.sendErr
	}

	f.inFlight = true
	f.lastSent = text
	return nil
}

func (f *fakeTransport) ReceiveLine() (string, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.receives++
	f.inFlight = false

	if f.receiveErr != nil {
		return "", f.receiveErr
	}

	if response, ok := f.responses[f.lastSent]; ok {
		return response, nil
	}

	return f.defaultResponse, nil
}

func (f *fakeTransport) calls() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return len(f.sent) + f.receives
}

func (f *fakeTransport) sentLines() []string {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return append([]string(nil), f.sent...)
}

func (f *fakeTransport) sawInterleaving() bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return f.interleaved
}

var testTime = time.Date(2024, 3, 1, 12, 34, 56, 0, time.Local)

func fixedClock() time.Time {
	return testTime
}

// Builds a console over the default tables. transport may be nil.
func newTestConsole(t *testing.T, transport Transport) (*Console, *TrackerStore, *LineDisplay) {
	t.Helper()

	tables, err := DefaultConfig().Build()
	if err != nil {
		t.Fatalf("failed to build default tables: %v", err)
	}

	display := NewLineDisplay(nil)
	console := NewConsole(ConsoleOptions{
		Transport:             transport,
		Commands:              tables.Commands,
		Outputs:               tables.Outputs,
		Store:                 tables.Store,
		Display:               display,
		CurrentAlgorithmLabel: "Current Algorithm",
		Clock:                 fixedClock,
	})

	return console, tables.Store, display
}

func seriesLen(t *testing.T, store *TrackerStore, label string) int {
	t.Helper()

	n, err := store.Len(label)
	if err != nil {
		t.Fatalf("Len(%q) error = %v", label, err)
	}
	return n
}

type errReader struct {
	err error
}

func (r *errReader) Read(p []byte) (int, error) {
	return 0, r.err
}

var _ io.Reader = (*errReader)(nil)

var errBoom = errors.New("boom")
