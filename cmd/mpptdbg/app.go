package main

import (
	"fmt"
	"io"
	"os"

	"github.com/cactusdynamics/mpptdbg"
	"github.com/sirupsen/logrus"
)

// Everything one console run needs, wired from a validated Config.
type app struct {
	config    *mpptdbg.Config
	transport *mpptdbg.StreamTransport
	store     *mpptdbg.TrackerStore
	console   *mpptdbg.Console
	poller    *mpptdbg.Poller
	plotter   *mpptdbg.Plotter
	charts    *mpptdbg.ChartRenderer
	plots     *mpptdbg.PlotBroadcaster
	session   *Session

	logger logrus.FieldLogger
}

// Opens the serial port named in config, if any, and wires the engines. The
// display and the session both write to out.
func newApp(config *mpptdbg.Config, out io.Writer) (*app, error) {
	if config.Serial.Port == "" {
		return wireApp(config, nil, out)
	}

	transport, err := mpptdbg.OpenSerial(config.Serial.Port, config.Serial.Baud)
	if err != nil {
		return nil, err
	}

	a, err := wireApp(config, transport, out)
	if err != nil {
		transport.Close()
		return nil, err
	}

	a.transport = transport
	return a, nil
}

// transport may be nil, in which case every request reports that no
// transport is attached.
func wireApp(config *mpptdbg.Config, transport mpptdbg.Transport, out io.Writer) (*app, error) {
	logger := logrus.WithField("tag", "App")

	tables, err := config.Build()
	if err != nil {
		return nil, err
	}

	pollInterval, err := config.PollInterval()
	if err != nil {
		return nil, err
	}

	plotInterval, err := config.PlotInterval()
	if err != nil {
		return nil, err
	}

	if config.Plotting.ChartDir != "" {
		if err := os.MkdirAll(config.Plotting.ChartDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create chart directory: %w", err)
		}
	}

	if transport == nil {
		logger.Warn("no serial port configured, requests will fail until one is set with --port")
	}

	display := mpptdbg.NewLineDisplay(out)
	console := mpptdbg.NewConsole(mpptdbg.ConsoleOptions{
		Transport:             transport,
		Commands:              tables.Commands,
		Outputs:               tables.Outputs,
		Store:                 tables.Store,
		Display:               display,
		Keepalive:             config.Protocol.Keepalive,
		CurrentAlgorithmLabel: config.Protocol.CurrentAlgorithm,
	})

	charts := mpptdbg.NewChartRenderer(config.Plotting.ChartWidth, config.Plotting.ChartHeight, config.Plotting.ChartDir)
	plots := mpptdbg.NewPlotBroadcaster()
	sink := mpptdbg.MultiSink{charts, plots}

	poller := mpptdbg.NewPoller(console, tables.Store)
	plotter := mpptdbg.NewPlotter(tables.Store, sink, config.Plotting.Window, plotInterval)

	return &app{
		config:  config,
		store:   tables.Store,
		console: console,
		poller:  poller,
		plotter: plotter,
		charts:  charts,
		plots:   plots,
		session: NewSession(console, poller, plotter, config.AlgorithmLabels(), pollInterval, out),
		logger:  logger,
	}, nil
}

// Starts the plot server in the background. Does nothing if addr is empty.
func (a *app) ServeHTTP(addr string, open bool) {
	if addr == "" {
		return
	}

	plotInterval, _ := a.config.PlotInterval()
	metadata := mpptdbg.NewMetadata(a.store, a.config.Plotting.Window, plotInterval.Milliseconds())
	server := mpptdbg.NewHttpServer(a.plots, a.charts, addr, metadata)

	go func() {
		if err := server.Run(); err != nil {
			a.logger.WithError(err).Error("HTTP server stopped")
		}
	}()

	if open {
		mpptdbg.OpenBrowser(browserURL(addr))
	}
}

// Blocks until every poll and plot loop has exited. Loops only exit once
// their context is cancelled or they are stopped.
func (a *app) Wait() {
	a.poller.Wait()
	a.plotter.Wait()
}

func (a *app) Close() error {
	if a.transport == nil {
		return nil
	}
	return a.transport.Close()
}
