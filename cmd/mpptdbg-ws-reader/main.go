package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strconv"

	"github.com/cactusdynamics/mpptdbg"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"nhooyr.io/websocket"
)

var errAllPlotsStopped = errors.New("all plots stopped")

// Config holds the configuration for the WS reader
type Config struct {
	ServerURL string
	Output    io.Writer

	// Return once every plot seen so far has stopped, instead of waiting for
	// the server to close the connection.
	ExitWhenIdle bool
}

// WSReader reads the plot stream of an mpptdbg server and writes every new
// sample as a CSV row. Frames overlap (each holds the latest window of
// samples), so a sample is only written the first time it is seen.
type WSReader struct {
	config    Config
	csvWriter *csv.Writer

	labels     []string
	lastX      map[uint32]float64
	activePlot map[uint32]bool

	logger logrus.FieldLogger
}

// NewWSReader creates a new WS reader with the given configuration
func NewWSReader(config Config) *WSReader {
	return &WSReader{
		config:     config,
		csvWriter:  csv.NewWriter(config.Output),
		lastX:      make(map[uint32]float64),
		activePlot: make(map[uint32]bool),
		logger:     logrus.WithField("tag", "WSReader"),
	}
}

// Connect establishes websocket connection and processes messages until the
// connection closes, ctx is cancelled or, with ExitWhenIdle, every plot stops.
func (w *WSReader) Connect(ctx context.Context) error {
	u, err := url.Parse(w.config.ServerURL)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}

	// Change scheme to websocket
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	u.Path = "/ws"

	w.logger.WithField("url", u.String()).Info("connecting to websocket")

	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect to websocket: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := w.csvWriter.Write([]string{"variable", "x", "y"}); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for {
		_, messageData, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				w.logger.Info("connection closed normally")
			} else if ctx.Err() == nil {
				w.logger.WithError(err).Error("error reading message")
			}
			break
		}

		err = w.processMessage(messageData)
		w.csvWriter.Flush()
		if errors.Is(err, errAllPlotsStopped) {
			w.logger.Info("all plots stopped")
			break
		}
		if err != nil {
			w.logger.WithError(err).Error("error processing message")
		}
	}

	w.csvWriter.Flush()
	return w.csvWriter.Error()
}

// processMessage processes a single websocket message
func (w *WSReader) processMessage(messageData []byte) error {
	msg, err := mpptdbg.DecodeWSMessage(messageData)
	if err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}

	switch msg.Header.Type {
	case mpptdbg.MessageTypeFrame:
		frame, ok := msg.Payload.(mpptdbg.FrameMessage)
		if !ok {
			return fmt.Errorf("invalid FRAME message payload type: %T", msg.Payload)
		}
		return w.processFrameMessage(frame)

	case mpptdbg.MessageTypeMetadata:
		metadata, ok := msg.Payload.(mpptdbg.Metadata)
		if !ok {
			return fmt.Errorf("invalid METADATA message payload type: %T", msg.Payload)
		}
		w.labels = w.labels[:0]
		for _, spec := range metadata.Variables {
			w.labels = append(w.labels, spec.Label)
		}
		w.logger.WithField("variables", w.labels).Debug("received metadata")

	case mpptdbg.MessageTypePlotStopped:
		stopped, ok := msg.Payload.(mpptdbg.PlotStoppedMessage)
		if !ok {
			return fmt.Errorf("invalid PLOT_STOPPED message payload type: %T", msg.Payload)
		}
		delete(w.activePlot, stopped.SeriesID)
		w.logger.WithField("label", stopped.Label).Info("plot stopped")

		if w.config.ExitWhenIdle && len(w.activePlot) == 0 {
			return errAllPlotsStopped
		}

	default:
		w.logger.WithField("type", fmt.Sprintf("0x%02x", msg.Header.Type)).Warn("unknown message type")
	}

	return nil
}

// processFrameMessage writes the samples of a frame that are newer than the
// last one written for its series.
func (w *WSReader) processFrameMessage(frame mpptdbg.FrameMessage) error {
	w.activePlot[frame.SeriesID] = true
	variable := w.seriesName(frame.SeriesID)

	lastX, seen := w.lastX[frame.SeriesID]
	for i := 0; i < len(frame.X); i++ {
		if seen && frame.X[i] <= lastX {
			continue
		}

		row := []string{
			variable,
			strconv.FormatFloat(frame.X[i], 'f', -1, 64),
			strconv.FormatFloat(frame.Y[i], 'g', -1, 64),
		}
		if err := w.csvWriter.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}

		lastX, seen = frame.X[i], true
	}

	if seen {
		w.lastX[frame.SeriesID] = lastX
	}

	return nil
}

// The variable label from metadata, or the numeric id if it is unknown.
func (w *WSReader) seriesName(seriesID uint32) string {
	if int(seriesID) < len(w.labels) {
		return w.labels[seriesID]
	}
	return strconv.FormatUint(uint64(seriesID), 10)
}

func main() {
	var (
		serverURL    string
		exitWhenIdle bool
		debug        bool
	)

	rootCmd := &cobra.Command{
		Use:          "mpptdbg-ws-reader",
		Short:        "Write the live plot stream of an mpptdbg server as CSV",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logrus.SetOutput(os.Stderr)
			if debug {
				logrus.SetLevel(logrus.DebugLevel)
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer cancel()

			reader := NewWSReader(Config{
				ServerURL:    serverURL,
				Output:       cmd.OutOrStdout(),
				ExitWhenIdle: exitWhenIdle,
			})
			return reader.Connect(ctx)
		},
	}

	rootCmd.Flags().StringVar(&serverURL, "url", "http://localhost:5274", "URL of the mpptdbg plot server")
	rootCmd.Flags().BoolVar(&exitWhenIdle, "exit-when-idle", false, "Exit once every plot seen has stopped")
	rootCmd.Flags().BoolVarP(&debug, "verbose", "v", false, "Enable debug logging")

	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Error("failed to read plot stream")
		os.Exit(1)
	}
}
