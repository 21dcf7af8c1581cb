package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// formatAddresses renders a list of paired pump addresses in the
// requested format.
func formatAddresses(addrs []string, format string) (string, error) {
	switch format {
	case formatJSON:
		b, err := json.MarshalIndent(addrs, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal addresses: %w", err)
		}
		return string(b) + "\n", nil
	case formatTable:
		if len(addrs) == 0 {
			return "No paired pumps.\n", nil
		}
		var b strings.Builder
		for _, a := range addrs {
			b.WriteString(a)
			b.WriteString("\n")
		}
		return b.String(), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}
