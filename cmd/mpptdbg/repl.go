package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cactusdynamics/mpptdbg"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

const prompt = "> "

var errQuit = errors.New("quit")

// Session is the selection surface: it remembers the selected command and
// algorithm and turns typed commands into console, poller and plotter calls.
// Board responses go to the console's display; everything the session itself
// prints goes to out.
type Session struct {
	console      *mpptdbg.Console
	poller       *mpptdbg.Poller
	plotter      *mpptdbg.Plotter
	algorithms   []string
	pollInterval time.Duration
	out          io.Writer

	selected          string
	selectedAlgorithm string

	logger logrus.FieldLogger
}

func NewSession(console *mpptdbg.Console, poller *mpptdbg.Poller, plotter *mpptdbg.Plotter, algorithms []string, pollInterval time.Duration, out io.Writer) *Session {
	s := &Session{
		console:      console,
		poller:       poller,
		plotter:      plotter,
		algorithms:   algorithms,
		pollInterval: pollInterval,
		out:          out,
		logger:       logrus.WithField("tag", "Session"),
	}

	// Start with the first entries selected, like a fresh dropdown.
	if labels := console.Commands().Labels(); len(labels) > 0 {
		s.selected = labels[0]
	}

	if len(algorithms) > 0 {
		s.selectedAlgorithm = algorithms[0]
	}

	return s
}

// Reads commands from in until EOF, quit or ctx is cancelled. Poll and plot
// loops started from the session end when Run returns.
func (s *Session) Run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	scanErr := make(chan error, 1)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	fmt.Fprint(s.out, prompt)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}

			err := s.Execute(ctx, line)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				fmt.Fprintf(s.out, "%v\n", err)
			}
			fmt.Fprint(s.out, prompt)
		}
	}
}

// Runs one command line. Board errors are already on the display, so they
// are only logged here; the returned error is for usage problems.
func (s *Session) Execute(ctx context.Context, line string) error {
	command, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(command) {
	case "":
		return nil
	case "select":
		return s.selectCommand(arg)
	case "algo":
		return s.selectAlgorithm(arg)
	case "ask":
		s.logExchangeError(s.console.SendAndReceive(s.selected))
	case "poll":
		return s.startPoll(ctx, arg)
	case "stop":
		if err := s.poller.Stop(s.selected); err != nil {
			return err
		}
		fmt.Fprintf(s.out, "stopped polling %s\n", s.selected)
	case "plot":
		plotting, err := s.plotter.Toggle(ctx, s.selected)
		if err != nil {
			return err
		}
		if plotting {
			fmt.Fprintf(s.out, "plotting %s\n", s.selected)
		} else {
			fmt.Fprintf(s.out, "stopped plotting %s\n", s.selected)
		}
	case "clear":
		s.console.ClearDisplay()
	case "current":
		s.logExchangeError(s.console.QueryAlgorithm())
	case "switch":
		s.logExchangeError(s.console.SwitchAlgorithm(s.selectedAlgorithm))
	case "export":
		return s.export(arg)
	case "list":
		s.list()
	case "quit", "exit":
		return errQuit
	case "help":
		s.help()
	default:
		return fmt.Errorf("unknown command %q, type help", command)
	}

	return nil
}

func (s *Session) selectCommand(label string) error {
	if label == "" {
		return errors.New("usage: select <label>")
	}

	// Unknown labels are accepted; ask reports them as unsupported.
	s.selected = matchLabel(label, s.console.Commands().Labels())
	fmt.Fprintf(s.out, "selected %s\n", s.selected)
	return nil
}

func (s *Session) selectAlgorithm(label string) error {
	if label == "" {
		return errors.New("usage: algo <label>")
	}

	match := matchLabel(label, s.algorithms)
	if !slices.Contains(s.algorithms, match) {
		return fmt.Errorf("unknown algorithm %q", label)
	}

	s.selectedAlgorithm = match
	fmt.Fprintf(s.out, "selected algorithm %s\n", s.selectedAlgorithm)
	return nil
}

func (s *Session) startPoll(ctx context.Context, arg string) error {
	interval := s.pollInterval
	if arg != "" {
		var err error
		interval, err = time.ParseDuration(arg)
		if err != nil {
			return fmt.Errorf("invalid poll interval: %w", err)
		}
	}

	if err := s.poller.Start(ctx, s.selected, interval); err != nil {
		return err
	}

	fmt.Fprintf(s.out, "polling %s every %v\n", s.selected, interval)
	return nil
}

func (s *Session) export(path string) error {
	if path == "" {
		return errors.New("usage: export <file>")
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}

	err = s.console.Store().WriteCSV(f, s.selected)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(s.out, "exported %s to %s\n", s.selected, path)
	return nil
}

func (s *Session) list() {
	store := s.console.Store()

	w := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "COMMAND\tUNIT\tSAMPLES\tPOLLING\tPLOTTING")
	for _, label := range s.console.Commands().Labels() {
		if !store.Has(label) {
			if !slices.Contains(s.algorithms, label) {
				fmt.Fprintf(w, "%s\t\t\t\t\n", label)
			}
			continue
		}

		spec, _ := store.Spec(label)
		n, _ := store.Len(label)
		fmt.Fprintf(w, "%s\t%s\t%d\t%v\t%v\n", label, spec.Unit, n, store.MonitorActive(label), store.PlotActive(label))
	}
	w.Flush()

	fmt.Fprintf(s.out, "algorithms: %s\n", strings.Join(s.algorithms, ", "))
	fmt.Fprintf(s.out, "selected: %s, algorithm: %s\n", s.selected, s.selectedAlgorithm)
}

func (s *Session) help() {
	fmt.Fprint(s.out, `select <label>   select a command
algo <label>     select an algorithm
ask              send the selected command once
poll [interval]  poll the selected variable
stop             stop polling the selected variable
plot             toggle the plot of the selected variable
clear            clear the display
current          ask the board for its algorithm
switch           switch to the selected algorithm
export <file>    write the selected variable's samples as CSV
list             show commands and variables
quit             exit
`)
}

func (s *Session) logExchangeError(_ mpptdbg.Exchange, err error) {
	if err != nil {
		s.logger.WithError(err).Debug("exchange failed")
	}
}

// Returns the candidate equal to label ignoring case, or label itself.
func matchLabel(label string, candidates []string) string {
	for _, candidate := range candidates {
		if strings.EqualFold(candidate, label) {
			return candidate
		}
	}
	return label
}
