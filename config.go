package mpptdbg

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all console configuration. Everything has a default (see
// DefaultConfig); a config file only needs to name what it changes. Lists are
// replaced as a whole, not merged.
type Config struct {
	Serial   SerialConfig   `yaml:"serial"`
	Protocol ProtocolConfig `yaml:"protocol"`
	Polling  PollingConfig  `yaml:"polling"`
	Plotting PlottingConfig `yaml:"plotting"`
	HTTP     HTTPConfig     `yaml:"http"`
	Logging  LoggingConfig  `yaml:"logging"`

	// Variable commands and miscellaneous queries.
	Commands []CommandEntry `yaml:"commands"`

	// Algorithm selection commands. They share the command table with
	// Commands, so labels must be unique across both lists.
	Algorithms []CommandEntry `yaml:"algorithms"`

	Outputs   []OutputEntry  `yaml:"outputs"`
	Variables []VariableSpec `yaml:"variables"`
}

type SerialConfig struct {
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
}

type ProtocolConfig struct {
	KeepaliveSentinel string `yaml:"keepalive_sentinel"`
	Keepalive         string `yaml:"keepalive"`
	UnitSuffixLength  int    `yaml:"unit_suffix_length"`

	// Label of the command that asks the board which algorithm is running.
	CurrentAlgorithm string `yaml:"current_algorithm"`
}

type PollingConfig struct {
	Interval string `yaml:"interval"`

	// Per variable sample cap. 0 keeps every sample for the life of the
	// process.
	MaxSamples int `yaml:"max_samples"`
}

type PlottingConfig struct {
	Interval    string `yaml:"interval"`
	Window      int    `yaml:"window"`
	ChartWidth  int    `yaml:"chart_width"`
	ChartHeight int    `yaml:"chart_height"`

	// If set, every rendered chart is also written here as <label>.png.
	ChartDir string `yaml:"chart_dir"`
}

type HTTPConfig struct {
	// Empty disables the plot server.
	Addr string `yaml:"addr"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// The tables and store built from a Config, ready to be injected into the
// Console and the engines.
type Tables struct {
	Commands *CommandTable
	Outputs  *OutputMapping
	Store    *TrackerStore
}

func DefaultConfig() *Config {
	return &Config{
		Serial: SerialConfig{
			Baud: 115200,
		},
		Protocol: ProtocolConfig{
			KeepaliveSentinel: DefaultKeepaliveSentinel,
			Keepalive:         DefaultKeepalive,
			UnitSuffixLength:  DefaultUnitSuffixLength,
			CurrentAlgorithm:  "Current Algorithm",
		},
		Polling: PollingConfig{
			Interval: DefaultPollInterval.String(),
		},
		Plotting: PlottingConfig{
			Interval:    DefaultPlotInterval.String(),
			Window:      DefaultPlotWindow,
			ChartWidth:  DefaultChartWidth,
			ChartHeight: DefaultChartHeight,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Commands: []CommandEntry{
			{Label: "Voltage In", Wire: "GET_VIN\n"},
			{Label: "Voltage Out", Wire: "GET_VOUT\n"},
			{Label: "Current In", Wire: "GET_IIN\n"},
			{Label: "Current Out", Wire: "GET_IOUT\n"},
			{Label: "Power In", Wire: "GET_PIN\n"},
			{Label: "Power Out", Wire: "GET_POUT\n"},
			{Label: "Duty Cycle", Wire: "GET_DUTY\n"},
			{Label: "Current Algorithm", Wire: "GET_ALGO\n"},
		},
		Algorithms: []CommandEntry{
			{Label: "Perturb and Observe", Wire: "SET_ALGO PO\n"},
			{Label: "Incremental Conductance", Wire: "SET_ALGO IC\n"},
			{Label: "Constant Voltage", Wire: "SET_ALGO CV\n"},
		},
		// The board answers "Voltage In: 123 mV"; the key is what is left after
		// normalizing and dropping the unit.
		Outputs: []OutputEntry{
			{Prefix: "Voltage In", Variable: "Voltage In"},
			{Prefix: "Voltage Out", Variable: "Voltage Out"},
			{Prefix: "Current In", Variable: "Current In"},
			{Prefix: "Current Out", Variable: "Current Out"},
			{Prefix: "Power In", Variable: "Power In"},
			{Prefix: "Power Out", Variable: "Power Out"},
			{Prefix: "Duty Cycle", Variable: "Duty Cycle"},
		},
		Variables: []VariableSpec{
			{Label: "Voltage In", Unit: "mV", Title: "Input Voltage", YLabel: "Voltage (mV)"},
			{Label: "Voltage Out", Unit: "mV", Title: "Output Voltage", YLabel: "Voltage (mV)"},
			{Label: "Current In", Unit: "mA", Title: "Input Current", YLabel: "Current (mA)"},
			{Label: "Current Out", Unit: "mA", Title: "Output Current", YLabel: "Current (mA)"},
			{Label: "Power In", Unit: "mW", Title: "Input Power", YLabel: "Power (mW)"},
			{Label: "Power Out", Unit: "mW", Title: "Output Power", YLabel: "Power (mW)"},
			{Label: "Duty Cycle", Unit: "pm", Title: "Duty Cycle", YLabel: "Duty cycle (per mille)"},
		},
	}
}

// Reads a YAML file over the defaults. An empty path returns the defaults.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}

	return config, nil
}

func (c *Config) Validate() error {
	if _, err := c.PollInterval(); err != nil {
		return err
	}

	if _, err := c.PlotInterval(); err != nil {
		return err
	}

	if c.Protocol.UnitSuffixLength < 0 {
		return fmt.Errorf("protocol.unit_suffix_length must not be negative, got %d", c.Protocol.UnitSuffixLength)
	}

	if c.Polling.MaxSamples < 0 {
		return fmt.Errorf("polling.max_samples must not be negative, got %d", c.Polling.MaxSamples)
	}

	variables := make(map[string]bool, len(c.Variables))
	for _, v := range c.Variables {
		variables[v.Label] = true
	}

	for _, output := range c.Outputs {
		if !variables[output.Variable] {
			return fmt.Errorf("output %q routes to %w %q", output.Prefix, ErrUnknownVariable, output.Variable)
		}
	}

	if c.Protocol.CurrentAlgorithm != "" && !c.hasCommand(c.Protocol.CurrentAlgorithm) {
		return fmt.Errorf("protocol.current_algorithm: %w %q", ErrUnknownCommand, c.Protocol.CurrentAlgorithm)
	}

	return nil
}

func (c *Config) hasCommand(label string) bool {
	for _, list := range [][]CommandEntry{c.Commands, c.Algorithms} {
		for _, entry := range list {
			if entry.Label == label {
				return true
			}
		}
	}
	return false
}

func (c *Config) PollInterval() (time.Duration, error) {
	return parsePositiveDuration("polling.interval", c.Polling.Interval)
}

func (c *Config) PlotInterval() (time.Duration, error) {
	return parsePositiveDuration("plotting.interval", c.Plotting.Interval)
}

func parsePositiveDuration(name, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}

	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %v", name, d)
	}

	return d, nil
}

// Builds the immutable tables and the tracker store.
func (c *Config) Build() (*Tables, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	entries := make([]CommandEntry, 0, len(c.Commands)+len(c.Algorithms))
	entries = append(entries, c.Commands...)
	entries = append(entries, c.Algorithms...)

	commands, err := NewCommandTable(entries, c.Protocol.KeepaliveSentinel)
	if err != nil {
		return nil, err
	}

	outputs, err := NewOutputMapping(c.Outputs, c.Protocol.UnitSuffixLength)
	if err != nil {
		return nil, err
	}

	store, err := NewTrackerStore(c.Variables, c.Polling.MaxSamples)
	if err != nil {
		return nil, err
	}

	return &Tables{
		Commands: commands,
		Outputs:  outputs,
		Store:    store,
	}, nil
}

func (c *Config) AlgorithmLabels() []string {
	labels := make([]string, 0, len(c.Algorithms))
	for _, entry := range c.Algorithms {
		labels = append(labels, entry.Label)
	}
	return labels
}
