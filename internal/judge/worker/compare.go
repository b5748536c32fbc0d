package worker

import (
	"bytes"
)

// NormalizeOutput canonicalizes program output for comparison: trailing
// whitespace is stripped from every line and trailing blank lines are
// removed. Interior whitespace and blank lines are significant.
func NormalizeOutput(data []byte) []byte {
	lines := bytes.Split(data, []byte("\n"))
	for i, line := range lines {
		lines[i] = bytes.TrimRight(line, " \t\r")
	}
	for len(lines) > 0 && len(lines[len(lines)-1]) == 0 {
		lines = lines[:len(lines)-1]
	}
	return bytes.Join(lines, []byte("\n"))
}

// OutputsMatch compares program output against the expected answer
// after normalization.
func OutputsMatch(got, want []byte) bool {
	return bytes.Equal(NormalizeOutput(got), NormalizeOutput(want))
}
