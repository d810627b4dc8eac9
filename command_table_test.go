package mpptdbg

import (
	"errors"
	"reflect"
	"testing"
)

func TestCommandTable(t *testing.T) {
	entries := []CommandEntry{
		{Label: "Voltage In", Wire: "GET_VIN\n"},
		{Label: "Duty Cycle", Wire: "GET_DUTY\n"},
		{Label: "Perturb and Observe", Wire: "SET_ALGO PO\n"},
	}

	table, err := NewCommandTable(entries, DefaultKeepaliveSentinel)
	if err != nil {
		t.Fatalf("NewCommandTable() error = %v", err)
	}

	t.Run("ResolveIsDeterministic", func(t *testing.T) {
		for _, entry := range entries {
			for i := 0; i < 3; i++ {
				wire, err := table.Resolve(entry.Label)
				if err != nil {
					t.Fatalf("Resolve(%q) error = %v", entry.Label, err)
				}
				if wire != entry.Wire {
					t.Fatalf("Resolve(%q) = %q, want %q", entry.Label, wire, entry.Wire)
				}
			}
		}
	})

	t.Run("UnknownLabel", func(t *testing.T) {
		_, err := table.Resolve("Bogus Command")
		if !errors.Is(err, ErrUnknownCommand) {
			t.Fatalf("Resolve() error = %v, want ErrUnknownCommand", err)
		}
	})

	t.Run("KeepaliveIsNotInTheTable", func(t *testing.T) {
		if _, err := table.Resolve("Dummy\n"); !errors.Is(err, ErrUnknownCommand) {
			t.Fatalf("Resolve(keepalive) error = %v, want ErrUnknownCommand", err)
		}

		for _, label := range []string{"Dummy", "Dummy\n", "xDummyx"} {
			if !table.IsKeepalive(label) {
				t.Errorf("IsKeepalive(%q) = false, want true", label)
			}
		}

		for _, label := range []string{"Voltage In", "dummy", ""} {
			if table.IsKeepalive(label) {
				t.Errorf("IsKeepalive(%q) = true, want false", label)
			}
		}
	})

	t.Run("LabelsKeepOrder", func(t *testing.T) {
		want := []string{"Voltage In", "Duty Cycle", "Perturb and Observe"}
		if got := table.Labels(); !reflect.DeepEqual(got, want) {
			t.Fatalf("Labels() = %v, want %v", got, want)
		}
	})

	t.Run("DuplicateLabel", func(t *testing.T) {
		_, err := NewCommandTable([]CommandEntry{
			{Label: "Voltage In", Wire: "A\n"},
			{Label: "Voltage In", Wire: "B\n"},
		}, DefaultKeepaliveSentinel)
		if !errors.Is(err, ErrDuplicateKey) {
			t.Fatalf("NewCommandTable() error = %v, want ErrDuplicateKey", err)
		}
	})

	t.Run("EmptySentinelDisablesKeepalive", func(t *testing.T) {
		table, err := NewCommandTable(nil, "")
		if err != nil {
			t.Fatalf("NewCommandTable() error = %v", err)
		}
		if table.IsKeepalive("Dummy") {
			t.Fatal("IsKeepalive() = true with an empty sentinel")
		}
	})
}

func TestOutputMapping(t *testing.T) {
	mapping, err := NewOutputMapping([]OutputEntry{
		{Prefix: "Voltage In", Variable: "Voltage In"},
		{Prefix: "Current Out:", Variable: "Current Out"},
		{Prefix: "Duty Cycle", Variable: "Duty Cycle"},
	}, DefaultUnitSuffixLength)
	if err != nil {
		t.Fatalf("NewOutputMapping() error = %v", err)
	}

	tests := []struct {
		line string
		want string
	}{
		{line: "Voltage In: 123 mV", want: "Voltage In"},
		{line: "  Voltage In: 123 mV\r\n", want: "Voltage In"},
		{line: "Voltage   In = 0 mV", want: "Voltage In"},
		{line: "Current Out: 42 mA\n", want: "Current Out"},
		{line: "Duty Cycle: 450 pm", want: "Duty Cycle"},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := mapping.Resolve(tt.line)
			if err != nil {
				t.Fatalf("Resolve(%q) error = %v", tt.line, err)
			}
			if got != tt.want {
				t.Fatalf("Resolve(%q) = %q, want %q", tt.line, got, tt.want)
			}
		})
	}

	unrecognized := []string{
		"",
		"123 mV",
		"  123 mV\n",
		"Voltage In",
		"Current Algorithm: PO",
		"Voltage Out: 5 mV",
	}

	for _, line := range unrecognized {
		t.Run("Unrecognized/"+line, func(t *testing.T) {
			_, err := mapping.Resolve(line)
			if !errors.Is(err, ErrUnrecognizedResponse) {
				t.Fatalf("Resolve(%q) error = %v, want ErrUnrecognizedResponse", line, err)
			}
		})
	}

	t.Run("Key", func(t *testing.T) {
		if got := mapping.Key("Voltage In: 123 mV"); got != "Voltage In" {
			t.Fatalf("Key() = %q, want %q", got, "Voltage In")
		}
		if got := mapping.Key("mV"); got != "" {
			t.Fatalf("Key() = %q, want empty", got)
		}
	})

	t.Run("Keys", func(t *testing.T) {
		want := []string{"Current Out", "Duty Cycle", "Voltage In"}
		if got := mapping.Keys(); !reflect.DeepEqual(got, want) {
			t.Fatalf("Keys() = %v, want %v", got, want)
		}
	})

	t.Run("DuplicateNormalizedPrefix", func(t *testing.T) {
		_, err := NewOutputMapping([]OutputEntry{
			{Prefix: "Voltage In", Variable: "a"},
			{Prefix: " Voltage  In: ", Variable: "b"},
		}, DefaultUnitSuffixLength)
		if !errors.Is(err, ErrDuplicateKey) {
			t.Fatalf("NewOutputMapping() error = %v, want ErrDuplicateKey", err)
		}
	})

	t.Run("PrefixWithoutLetters", func(t *testing.T) {
		_, err := NewOutputMapping([]OutputEntry{{Prefix: "123", Variable: "a"}}, DefaultUnitSuffixLength)
		if err == nil {
			t.Fatal("NewOutputMapping() error = nil, want error")
		}
	})

	t.Run("ZeroSuffix", func(t *testing.T) {
		m, err := NewOutputMapping([]OutputEntry{{Prefix: "Mode", Variable: "Mode"}}, 0)
		if err != nil {
			t.Fatalf("NewOutputMapping() error = %v", err)
		}
		if got, err := m.Resolve("Mode: 3"); err != nil || got != "Mode" {
			t.Fatalf("Resolve() = %q, %v, want Mode", got, err)
		}
	})
}
