package dbdriver

import (
	"fmt"
	"strings"
)

// Format is a table data encoding.
type Format string

const (
	FormatJSONL Format = "jsonl"
	FormatCSV   Format = "csv"
)

// csvNull marks SQL NULL in CSV files, as COPY does.
const csvNull = `\N`

// ParseFormat validates a format name. Empty means jsonl.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "jsonl", "ndjson":
		return FormatJSONL, nil
	case "csv":
		return FormatCSV, nil
	}
	return "", fmt.Errorf("%w: format %q", ErrUnsupported, s)
}

// Ext returns the file extension used for the format.
func (f Format) Ext() string {
	return "." + string(f)
}
