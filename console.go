package mpptdbg

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const DefaultKeepalive = DefaultKeepaliveSentinel + "\n"

type ConsoleOptions struct {
	// May be nil, in which case every request fails with ErrNoTransport.
	Transport Transport

	Commands *CommandTable
	Outputs  *OutputMapping
	Store    *TrackerStore
	Display  Display

	// The string sent after each command. Defaults to DefaultKeepalive.
	Keepalive string

	// The label sent by QueryAlgorithm.
	CurrentAlgorithmLabel string

	// Defaults to time.Now.
	Clock func() time.Time
}

// The result of one command/response transaction.
type Exchange struct {
	Label string
	Wire  string
	Line  string
	Time  time.Time

	// Set when the line was tracked. TrackErr holds the reason when it was not
	// (ErrUnrecognizedResponse or ErrMalformedResponse); it is informational
	// only, SendAndReceive does not fail because of it.
	Variable string
	Value    int64
	Tracked  bool
	TrackErr error
}

// The single entry point to the board. Whole transactions, including the
// trailing keepalive, run under one mutex: the serial link only ever has one
// request in flight no matter how many poll loops are running.
type Console struct {
	transport Transport
	commands  *CommandTable
	outputs   *OutputMapping
	store     *TrackerStore
	display   Display

	keepalive             string
	currentAlgorithmLabel string
	clock                 func() time.Time

	transportMutex sync.Mutex
	logger         logrus.FieldLogger
}

func NewConsole(opts ConsoleOptions) *Console {
	c := &Console{
		transport:             opts.Transport,
		commands:              opts.Commands,
		outputs:               opts.Outputs,
		store:                 opts.Store,
		display:               opts.Display,
		keepalive:             opts.Keepalive,
		currentAlgorithmLabel: opts.CurrentAlgorithmLabel,
		clock:                 opts.Clock,
		logger:                logrus.WithField("tag", "Console"),
	}

	if c.keepalive == "" {
		c.keepalive = DefaultKeepalive
	}

	if c.clock == nil {
		c.clock = time.Now
	}

	return c
}

func (c *Console) Store() *TrackerStore {
	return c.store
}

func (c *Console) Display() Display {
	return c.display
}

func (c *Console) Commands() *CommandTable {
	return c.commands
}

func (c *Console) reportError(message string) {
	c.display.AppendLine(FormatErrorLine(c.clock(), message))
}

// Sends the command mapped to label, waits for exactly one response line,
// displays it and tracks it, then sends a keepalive. A label containing the
// keepalive sentinel is sent verbatim and its response discarded.
func (c *Console) SendAndReceive(label string) (Exchange, error) {
	exchange := Exchange{Label: label}

	if c.transport == nil {
		c.reportError("No transport attached")
		return exchange, ErrNoTransport
	}

	wire, err := c.commands.Resolve(label)
	if err != nil {
		if c.commands.IsKeepalive(label) {
			return exchange, c.sendKeepalive(label)
		}

		c.reportError("Unsupported option \"" + label + "\"")
		return exchange, fmt.Errorf("%w %q", ErrUnsupportedOption, label)
	}

	exchange.Wire = wire

	c.transportMutex.Lock()
	defer c.transportMutex.Unlock()

	line, err := c.roundTrip(wire)
	if err != nil {
		c.reportError(err.Error())
		return exchange, fmt.Errorf("command %q: %w", label, err)
	}

	exchange.Line = line
	exchange.Time = c.clock()
	c.display.AppendLine(FormatResponseLine(exchange.Time, line))

	c.track(&exchange)

	// The keepalive's own failure is not the command's failure; the response
	// has already been displayed and tracked.
	if _, err := c.roundTrip(c.keepalive); err != nil {
		c.logger.WithError(err).Warn("keepalive failed")
	}

	return exchange, nil
}

func (c *Console) sendKeepalive(text string) error {
	c.transportMutex.Lock()
	defer c.transportMutex.Unlock()

	_, err := c.roundTrip(text)
	return err
}

func (c *Console) roundTrip(wire string) (string, error) {
	if err := c.transport.SendLine(wire); err != nil {
		return "", err
	}

	return c.transport.ReceiveLine()
}

// Best effort: a response that cannot be tracked is still a successful
// exchange.
func (c *Console) track(exchange *Exchange) {
	logger := c.logger.WithFields(logrus.Fields{
		"label": exchange.Label,
		"line":  exchange.Line,
	})

	variable, value, err := ParseResponse(exchange.Line, c.outputs)
	if errors.Is(err, ErrUnrecognizedResponse) && c.store.Has(exchange.Label) {
		// Bare replies such as "123 mV" carry no name, the request does.
		variable = exchange.Label
		value, err = ParseValue(exchange.Line)
	}

	if err != nil {
		exchange.TrackErr = err
		logger.WithError(err).Debug("response not tracked")
		return
	}

	if err := c.store.RecordSample(variable, exchange.Time, value); err != nil {
		exchange.TrackErr = err
		logger.WithError(err).Warn("output mapping names an unknown variable")
		return
	}

	exchange.Variable = variable
	exchange.Value = value
	exchange.Tracked = true
}

// Sends the selected algorithm's command. Algorithm labels live in the
// command table like any other command.
func (c *Console) SwitchAlgorithm(label string) (Exchange, error) {
	return c.SendAndReceive(label)
}

func (c *Console) QueryAlgorithm() (Exchange, error) {
	return c.SendAndReceive(c.currentAlgorithmLabel)
}

func (c *Console) ClearDisplay() {
	c.display.Clear()
}
