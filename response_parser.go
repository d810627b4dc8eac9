package mpptdbg

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// A run of anything that is not an ASCII letter, including the whitespace
// around it.
var nonLetterRun = regexp.MustCompile(`\s*[^A-Za-z]+\s*`)

var nonDigit = regexp.MustCompile(`[^0-9]`)

// Reduces a response line to its alphabetic tokens separated by single
// spaces. "Voltage In: 123 mV\r\n" becomes "Voltage In mV".
func NormalizeResponse(line string) string {
	return strings.TrimSpace(nonLetterRun.ReplaceAllString(line, " "))
}

// Extracts the numeric payload of a response line by dropping every non-digit
// character. Signs and decimal points are dropped too, the board only reports
// non-negative integers.
func ParseValue(line string) (int64, error) {
	digits := nonDigit.ReplaceAllString(line, "")
	if digits == "" {
		return 0, fmt.Errorf("%w: no digits in %q", ErrMalformedResponse, strings.TrimSpace(line))
	}

	value, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	return value, nil
}

// Resolves the variable a response line belongs to and its value. Both steps
// are best effort; the caller is expected to keep displaying the line when
// this fails.
func ParseResponse(line string, mapping *OutputMapping) (string, int64, error) {
	variable, err := mapping.Resolve(line)
	if err != nil {
		return "", 0, err
	}

	value, err := ParseValue(line)
	if err != nil {
		return variable, 0, err
	}

	return variable, value, nil
}
