package mpptdbg

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

// The line oriented link to the board. Both calls block. The console never
// has more than one request in flight, so implementations do not need to be
// safe for concurrent use.
type Transport interface {
	SendLine(text string) error
	ReceiveLine() (string, error)
}

// A Transport over any reader/writer pair, typically a serial port. Lines may
// end in "\n" or "\r\n"; the terminator is stripped on receive.
type StreamTransport struct {
	output  io.Writer
	scanner *bufio.Scanner
	closer  io.Closer

	lineCount int
	logger    logrus.FieldLogger
}

func NewStreamTransport(input io.Reader, output io.Writer) *StreamTransport {
	return &StreamTransport{
		output:  output,
		scanner: bufio.NewScanner(input),
		logger:  logrus.WithField("tag", "StreamTransport"),
	}
}

// Writes text as is if it already ends in a newline, otherwise appends one.
func (t *StreamTransport) SendLine(text string) error {
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}

	t.logger.WithField("text", strings.TrimSpace(text)).Debug("send")

	_, err := io.WriteString(t.output, text)
	if err != nil {
		return fmt.Errorf("failed to write to transport: %w", err)
	}

	return nil
}

func (t *StreamTransport) ReceiveLine() (string, error) {
	stillHasData := t.scanner.Scan()
	if !stillHasData {
		if err := t.scanner.Err(); err != nil {
			t.logger.WithError(err).Error("unable to read line")
			return "", fmt.Errorf("failed to read from transport: %w", err)
		}

		return "", io.EOF
	}

	t.lineCount++
	line := strings.TrimRight(t.scanner.Text(), "\r")

	t.logger.WithFields(logrus.Fields{
		"line":    line,
		"lineNum": t.lineCount,
	}).Debug("receive")

	return line, nil
}

func (t *StreamTransport) Close() error {
	if t.closer == nil {
		return nil
	}

	return t.closer.Close()
}

// Opens a serial port at the given baud rate (8N1). Reads block until the
// board answers; there is no read timeout.
func OpenSerial(portName string, baudRate int) (*StreamTransport, error) {
	port, err := serial.Open(portName, &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}

	// Anything the board printed before we attached would be read as the
	// response to our first request.
	if err := port.ResetInputBuffer(); err != nil {
		logrus.WithField("tag", "StreamTransport").WithError(err).Warn("failed to reset serial input buffer")
	}

	t := NewStreamTransport(port, port)
	t.closer = port
	t.logger = t.logger.WithField("port", portName)
	return t, nil
}

func ListSerialPorts() ([]string, error) {
	return serial.GetPortsList()
}
