package mpptdbg

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var (
	ErrUnknownCommand       = errors.New("unknown command")
	ErrUnsupportedOption    = errors.New("unsupported option")
	ErrNoTransport          = errors.New("no transport attached")
	ErrUnrecognizedResponse = errors.New("unrecognized response")
	ErrMalformedResponse    = errors.New("malformed response")
	ErrUnknownVariable      = errors.New("unknown variable")
	ErrDuplicateKey         = errors.New("duplicate key")
)

// The keepalive token. Any label containing it skips the command table and
// is written to the board as is.
const DefaultKeepaliveSentinel = "Dummy"

// Number of trailing characters the board appends after the variable name
// once the response is normalized: a separator and a two letter unit.
const DefaultUnitSuffixLength = 3

type CommandEntry struct {
	Label string `yaml:"label"`
	Wire  string `yaml:"wire"`
}

type OutputEntry struct {
	Prefix   string `yaml:"prefix"`
	Variable string `yaml:"variable"`
}

// Maps human readable command labels to the strings sent over the wire.
// Immutable after construction.
type CommandTable struct {
	wires    map[string]string
	order    []string
	sentinel string
}

func NewCommandTable(entries []CommandEntry, sentinel string) (*CommandTable, error) {
	t := &CommandTable{
		wires:    make(map[string]string, len(entries)),
		order:    make([]string, 0, len(entries)),
		sentinel: sentinel,
	}

	for _, entry := range entries {
		if entry.Label == "" {
			return nil, fmt.Errorf("command with wire %q has an empty label", entry.Wire)
		}

		if _, exists := t.wires[entry.Label]; exists {
			return nil, fmt.Errorf("command %q: %w", entry.Label, ErrDuplicateKey)
		}

		t.wires[entry.Label] = entry.Wire
		t.order = append(t.order, entry.Label)
	}

	return t, nil
}

func (t *CommandTable) Resolve(label string) (string, error) {
	wire, ok := t.wires[label]
	if !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownCommand, label)
	}

	return wire, nil
}

func (t *CommandTable) IsKeepalive(label string) bool {
	return t.sentinel != "" && strings.Contains(label, t.sentinel)
}

// Labels in the order they were configured.
func (t *CommandTable) Labels() []string {
	return slices.Clone(t.order)
}

// Routes a response line to the variable it updates, keyed by the normalized
// response prefix.
type OutputMapping struct {
	variables map[string]string
	suffixLen int
}

func NewOutputMapping(entries []OutputEntry, suffixLen int) (*OutputMapping, error) {
	if suffixLen < 0 {
		return nil, fmt.Errorf("negative unit suffix length %d", suffixLen)
	}

	m := &OutputMapping{
		variables: make(map[string]string, len(entries)),
		suffixLen: suffixLen,
	}

	for _, entry := range entries {
		key := NormalizeResponse(entry.Prefix)
		if key == "" {
			return nil, fmt.Errorf("output prefix %q has no letters", entry.Prefix)
		}

		if _, exists := m.variables[key]; exists {
			return nil, fmt.Errorf("output prefix %q: %w", key, ErrDuplicateKey)
		}

		m.variables[key] = entry.Variable
	}

	return m, nil
}

// Returns the lookup key for a raw response line: the normalized line with the
// unit suffix removed.
func (m *OutputMapping) Key(line string) string {
	normalized := NormalizeResponse(line)
	if len(normalized) <= m.suffixLen {
		return ""
	}

	return strings.TrimSpace(normalized[:len(normalized)-m.suffixLen])
}

func (m *OutputMapping) Resolve(line string) (string, error) {
	key := m.Key(line)
	variable, ok := m.variables[key]
	if !ok || key == "" {
		return "", fmt.Errorf("%w %q", ErrUnrecognizedResponse, strings.TrimSpace(line))
	}

	return variable, nil
}

// Sorted normalized keys. Only used for listing.
func (m *OutputMapping) Keys() []string {
	keys := maps.Keys(m.variables)
	slices.Sort(keys)
	return keys
}
