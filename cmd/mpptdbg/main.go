package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cactusdynamics/mpptdbg"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configPath   string
	portName     string
	baudRate     int
	httpAddr     string
	pollInterval time.Duration
	plotInterval time.Duration
	maxSamples   int
	logLevel     string
	openBrowser  bool
)

var rootCmd = &cobra.Command{
	Use:   "mpptdbg",
	Short: "Serial debug console for an MPPT charge controller",
	Long: `mpptdbg talks to an MPPT charge controller over a serial line.

Select a command and ask the board once, poll a variable periodically or plot
its latest samples. Plots are rendered as PNG and streamed to browsers when
--http is set. Type help at the prompt for the list of commands.`,
	SilenceUsage: true,
	RunE:         runConsole,
}

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List the serial ports on this machine",
	RunE: func(cmd *cobra.Command, args []string) error {
		return listPorts(cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (default: built-in tables)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")

	rootCmd.Flags().StringVarP(&portName, "port", "p", "", "Serial port of the board")
	rootCmd.Flags().IntVarP(&baudRate, "baud", "b", 0, "Serial baud rate")
	rootCmd.Flags().StringVar(&httpAddr, "http", "", "Serve live plots on this address, e.g. localhost:5274")
	rootCmd.Flags().DurationVar(&pollInterval, "poll-interval", 0, "Default poll interval")
	rootCmd.Flags().DurationVar(&plotInterval, "plot-interval", 0, "Plot redraw interval")
	rootCmd.Flags().IntVar(&maxSamples, "max-samples", 0, "Keep at most this many samples per variable (0 keeps all)")
	rootCmd.Flags().BoolVar(&openBrowser, "open", false, "Open the plot page in a browser (needs --http)")

	rootCmd.AddCommand(portsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Flags override the config file, which overrides the defaults.
func applyFlags(cmd *cobra.Command, config *mpptdbg.Config) {
	flags := cmd.Flags()

	if flags.Changed("port") {
		config.Serial.Port = portName
	}
	if flags.Changed("baud") {
		config.Serial.Baud = baudRate
	}
	if flags.Changed("http") {
		config.HTTP.Addr = httpAddr
	}
	if flags.Changed("poll-interval") {
		config.Polling.Interval = pollInterval.String()
	}
	if flags.Changed("plot-interval") {
		config.Plotting.Interval = plotInterval.String()
	}
	if flags.Changed("max-samples") {
		config.Polling.MaxSamples = maxSamples
	}
	if flags.Changed("log-level") {
		config.Logging.Level = logLevel
	}
}

func setupLogging(level string) error {
	logrus.SetOutput(os.Stderr)

	if level == "" {
		return nil
	}

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}

	logrus.SetLevel(parsed)
	return nil
}

func runConsole(cmd *cobra.Command, args []string) error {
	config, err := mpptdbg.LoadConfig(configPath)
	if err != nil {
		return err
	}

	applyFlags(cmd, config)
	if err := setupLogging(config.Logging.Level); err != nil {
		return err
	}

	if err := config.Validate(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app, err := newApp(config, os.Stdout)
	if err != nil {
		return err
	}
	defer app.Close()

	app.ServeHTTP(config.HTTP.Addr, openBrowser)

	err = app.session.Run(ctx, os.Stdin)
	cancel()
	app.Wait()
	return err
}

func listPorts(out io.Writer) error {
	ports, err := mpptdbg.ListSerialPorts()
	if err != nil {
		return fmt.Errorf("failed to list serial ports: %w", err)
	}

	if len(ports) == 0 {
		fmt.Fprintln(out, "no serial ports found")
		return nil
	}

	for _, port := range ports {
		fmt.Fprintln(out, port)
	}
	return nil
}

func browserURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + "/"
}
