package model

import (
	"fmt"
	"strings"
)

// Severity orders findings from Low to Critical.
type Severity uint8

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"Low", "Medium", "High", "Critical"}

// AllSeverities lists every severity in ascending order.
func AllSeverities() []Severity {
	return []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
}

func (s Severity) String() string {
	if int(s) < len(severityNames) {
		return severityNames[s]
	}
	return fmt.Sprintf("Severity(%d)", uint8(s))
}

// AtLeast reports whether s meets the inclusive minimum.
func (s Severity) AtLeast(min Severity) bool {
	return s >= min
}

// ParseSeverity accepts a severity name in any case.
func ParseSeverity(input string) (Severity, error) {
	trimmed := strings.TrimSpace(input)
	for i, name := range severityNames {
		if strings.EqualFold(trimmed, name) {
			return Severity(i), nil
		}
	}
	return 0, fmt.Errorf("unknown severity %q", input)
}

func (s Severity) MarshalText() ([]byte, error) {
	if int(s) >= len(severityNames) {
		return nil, fmt.Errorf("invalid severity %d", uint8(s))
	}
	return []byte(severityNames[s]), nil
}

func (s *Severity) UnmarshalText(text []byte) error {
	parsed, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
