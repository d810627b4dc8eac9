package mpptdbg

import (
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestSendAndReceiveBareReply(t *testing.T) {
	fake := newFakeTransport(map[string]string{"GET_VIN\n": "  123 mV"})
	console, store, display := newTestConsole(t, fake)

	exchange, err := console.SendAndReceive("Voltage In")
	if err != nil {
		t.Fatalf("SendAndReceive() error = %v", err)
	}

	if got := display.String(); got != "[12:34:56]\t123 mV\n" {
		t.Fatalf("display = %q, want %q", got, "[12:34:56]\t123 mV\n")
	}

	if got, want := fake.sentLines(), []string{"GET_VIN\n", "Dummy\n"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("sent = %q, want %q", got, want)
	}

	if !exchange.Tracked || exchange.Variable != "Voltage In" || exchange.Value != 123 {
		t.Fatalf("exchange = %+v, want Voltage In = 123 tracked", exchange)
	}

	samples, _ := store.SnapshotRecent("Voltage In", 10)
	if len(samples) != 1 || samples[0].Value != 123 || !samples[0].Timestamp.Equal(testTime) {
		t.Fatalf("Voltage In series = %+v, want one sample of 123", samples)
	}
}

func TestSendAndReceiveNamedReply(t *testing.T) {
	fake := newFakeTransport(map[string]string{
		"GET_IOUT\n": "Current Out: 420 mA",
		// A reply naming another variable is tracked under that variable.
		"GET_IIN\n": "Power In: 9000 mW\r",
	})
	console, store, display := newTestConsole(t, fake)

	if _, err := console.SendAndReceive("Current Out"); err != nil {
		t.Fatalf("SendAndReceive() error = %v", err)
	}
	if _, err := console.SendAndReceive("Current In"); err != nil {
		t.Fatalf("SendAndReceive() error = %v", err)
	}

	if n := seriesLen(t, store, "Current Out"); n != 1 {
		t.Fatalf("Current Out has %d samples, want 1", n)
	}
	if n := seriesLen(t, store, "Power In"); n != 1 {
		t.Fatalf("Power In has %d samples, want 1", n)
	}
	if n := seriesLen(t, store, "Current In"); n != 0 {
		t.Fatalf("Current In has %d samples, want 0", n)
	}

	want := "[12:34:56]\tCurrent Out: 420 mA\n[12:34:56]\tPower In: 9000 mW\n"
	if display.String() != want {
		t.Fatalf("display = %q, want %q", display.String(), want)
	}
}

func TestSendAndReceiveUnsupportedOption(t *testing.T) {
	fake := newFakeTransport(nil)
	console, _, display := newTestConsole(t, fake)

	_, err := console.SendAndReceive("Bogus Command")
	if !errors.Is(err, ErrUnsupportedOption) {
		t.Fatalf("SendAndReceive() error = %v, want ErrUnsupportedOption", err)
	}

	if !strings.Contains(display.String(), `Error: Unsupported option "Bogus Command"`) {
		t.Fatalf("display = %q, missing the unsupported option error", display.String())
	}

	if fake.calls() != 0 {
		t.Fatalf("transport saw %d calls, want 0", fake.calls())
	}
}

func TestSendAndReceiveUnsupportedOptionVerbatim(t *testing.T) {
	console, _, display := newTestConsole(t, newFakeTransport(nil))

	label := `Say "hi" \ now`
	console.SendAndReceive(label)

	want := "[12:34:56]\tError: Unsupported option \"" + label + "\"\n"
	if display.String() != want {
		t.Fatalf("display = %q, want %q", display.String(), want)
	}
}

func TestSendAndReceiveNoTransport(t *testing.T) {
	console, _, display := newTestConsole(t, nil)

	_, err := console.SendAndReceive("Voltage In")
	if !errors.Is(err, ErrNoTransport) {
		t.Fatalf("SendAndReceive() error = %v, want ErrNoTransport", err)
	}

	if !strings.Contains(display.String(), "Error: No transport attached") {
		t.Fatalf("display = %q", display.String())
	}
}

func TestSendAndReceiveKeepaliveLabel(t *testing.T) {
	fake := newFakeTransport(nil)
	console, _, display := newTestConsole(t, fake)

	if _, err := console.SendAndReceive("Dummy"); err != nil {
		t.Fatalf("SendAndReceive() error = %v", err)
	}

	if got, want := fake.sentLines(), []string{"Dummy"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("sent = %q, want %q", got, want)
	}

	if fake.receives != 1 {
		t.Fatalf("receives = %d, want 1", fake.receives)
	}

	if display.String() != "" {
		t.Fatalf("keepalive response was displayed: %q", display.String())
	}
}

func TestSendAndReceiveUntrackedReply(t *testing.T) {
	fake := newFakeTransport(map[string]string{
		"GET_ALGO\n": "Current Algorithm: PO",
		"GET_VIN\n":  "Voltage In: ?? mV",
	})
	console, store, display := newTestConsole(t, fake)

	exchange, err := console.QueryAlgorithm()
	if err != nil {
		t.Fatalf("QueryAlgorithm() error = %v", err)
	}
	if exchange.Tracked || !errors.Is(exchange.TrackErr, ErrUnrecognizedResponse) {
		t.Fatalf("exchange = %+v, want untracked and unrecognized", exchange)
	}

	exchange, err = console.SendAndReceive("Voltage In")
	if err != nil {
		t.Fatalf("SendAndReceive() error = %v", err)
	}
	if exchange.Tracked || !errors.Is(exchange.TrackErr, ErrMalformedResponse) {
		t.Fatalf("exchange = %+v, want untracked and malformed", exchange)
	}

	for _, label := range store.Labels() {
		if n := seriesLen(t, store, label); n != 0 {
			t.Fatalf("%s has %d samples, want 0", label, n)
		}
	}

	want := "[12:34:56]\tCurrent Algorithm: PO\n[12:34:56]\tVoltage In: ?? mV\n"
	if display.String() != want {
		t.Fatalf("display = %q, want %q", display.String(), want)
	}
}

func TestSendAndReceiveTransportError(t *testing.T) {
	fake := newFakeTransport(nil)
	fake.receiveErr = errBoom
	console, store, display := newTestConsole(t, fake)

	_, err := console.SendAndReceive("Voltage In")
	if !errors.Is(err, errBoom) {
		t.Fatalf("SendAndReceive() error = %v, want errBoom", err)
	}

	if !strings.HasPrefix(display.String(), "[12:34:56]\tError: ") {
		t.Fatalf("display = %q, want an error line", display.String())
	}

	// No keepalive after a failed command.
	if got := fake.sentLines(); len(got) != 1 {
		t.Fatalf("sent = %q, want only the command", got)
	}

	if n := seriesLen(t, store, "Voltage In"); n != 0 {
		t.Fatalf("Voltage In has %d samples after an error", n)
	}
}

func TestSwitchAlgorithm(t *testing.T) {
	fake := newFakeTransport(map[string]string{"SET_ALGO IC\n": "Algorithm set"})
	console, _, display := newTestConsole(t, fake)

	if _, err := console.SwitchAlgorithm("Incremental Conductance"); err != nil {
		t.Fatalf("SwitchAlgorithm() error = %v", err)
	}

	if got := fake.sentLines(); got[0] != "SET_ALGO IC\n" {
		t.Fatalf("sent = %q", got)
	}

	if display.String() != "[12:34:56]\tAlgorithm set\n" {
		t.Fatalf("display = %q", display.String())
	}

	console.ClearDisplay()
	if display.String() != "" {
		t.Fatalf("display after ClearDisplay = %q", display.String())
	}
}

// Requests from many goroutines must never overlap on the link, keepalive
// included.
func TestSendAndReceiveSerializesTransactions(t *testing.T) {
	fake := newFakeTransport(map[string]string{
		"GET_VIN\n":  "Voltage In: 1 mV",
		"GET_VOUT\n": "Voltage Out: 2 mV",
		"GET_IIN\n":  "Current In: 3 mA",
	})
	fake.delay = 200 * time.Microsecond
	console, store, _ := newTestConsole(t, fake)

	labels := []string{"Voltage In", "Voltage Out", "Current In"}

	var wg sync.WaitGroup
	for _, label := range labels {
		wg.Add(1)
		go func(label string) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				if _, err := console.SendAndReceive(label); err != nil {
					t.Errorf("SendAndReceive(%q) error = %v", label, err)
				}
			}
		}(label)
	}
	wg.Wait()

	if fake.sawInterleaving() {
		t.Fatal("two transactions were in flight at once")
	}

	sent := fake.sentLines()
	if len(sent) != 120 {
		t.Fatalf("sent %d lines, want 120", len(sent))
	}

	for i := 1; i < len(sent); i += 2 {
		if sent[i] != DefaultKeepalive {
			t.Fatalf("sent[%d] = %q, want keepalive after every command", i, sent[i])
		}
	}

	for _, label := range labels {
		if n := seriesLen(t, store, label); n != 20 {
			t.Fatalf("%s has %d samples, want 20", label, n)
		}
	}
}
