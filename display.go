package mpptdbg

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

// Receives everything the console wants a human to read: every raw response
// line and the synthesized error lines.
type Display interface {
	AppendLine(text string)
	Clear()
}

const displayTimeFormat = "15:04:05"

// "[HH:MM:SS]\t" followed by the response with its leading whitespace and line
// terminator removed.
func FormatResponseLine(ts time.Time, line string) string {
	return fmt.Sprintf("[%s]\t%s\n", ts.Format(displayTimeFormat), strings.TrimLeft(strings.TrimRight(line, "\r\n"), " \t"))
}

func FormatErrorLine(ts time.Time, message string) string {
	return FormatResponseLine(ts, "Error: "+message)
}

// A Display that keeps every line in memory and optionally tees each one to a
// writer (usually stdout). Safe for concurrent use, the poll goroutines and the
// REPL all write to it.
type LineDisplay struct {
	mutex     sync.Mutex
	lines     []string
	teeOutput io.Writer
}

func NewLineDisplay(teeOutput io.Writer) *LineDisplay {
	return &LineDisplay{
		teeOutput: teeOutput,
	}
}

func (d *LineDisplay) AppendLine(text string) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.lines = append(d.lines, text)
	if d.teeOutput != nil {
		io.WriteString(d.teeOutput, text)
	}
}

// Clears the buffered lines. Text already written to the tee output stays
// there.
func (d *LineDisplay) Clear() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.lines = nil
}

func (d *LineDisplay) Lines() []string {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return slices.Clone(d.lines)
}

func (d *LineDisplay) String() string {
	return strings.Join(d.Lines(), "")
}
