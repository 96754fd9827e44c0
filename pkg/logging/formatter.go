package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// TextFormatter renders entries as one human-readable line.
type TextFormatter struct {
	TimestampFormat  string
	DisableColors    bool
	DisableTimestamp bool
}

// NewTextFormatter creates a new text formatter
func NewTextFormatter() *TextFormatter {
	return &TextFormatter{
		TimestampFormat: "2006-01-02 15:04:05.000",
	}
}

// Format renders entry as
// "<time> [LEVEL] [request] component: message | k=v ...".
func (f *TextFormatter) Format(entry *Entry) ([]byte, error) {
	var buf bytes.Buffer

	if !f.DisableTimestamp {
		buf.WriteString(entry.Timestamp.Format(f.TimestampFormat))
		buf.WriteByte(' ')
	}

	levelText := "[" + entry.Level.String() + "]"
	if !f.DisableColors {
		levelText = colorLevel(entry.Level, levelText)
	}
	buf.WriteString(levelText)
	buf.WriteByte(' ')

	if entry.RequestID != "" {
		fmt.Fprintf(&buf, "[%s] ", entry.RequestID)
	}
	if entry.Component != "" {
		buf.WriteString(entry.Component)
		buf.WriteString(": ")
	}

	buf.WriteString(entry.Message)

	if pairs := textPairs(entry); len(pairs) > 0 {
		buf.WriteString(" | ")
		buf.WriteString(strings.Join(pairs, " "))
	}

	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func textPairs(entry *Entry) []string {
	pairs := make([]string, 0, len(entry.Fields))
	for k, v := range entry.Fields {
		if k == "request_id" || (k == "component" && entry.Component != "") {
			continue
		}
		pairs = append(pairs, k+"="+textValue(v))
	}
	sort.Strings(pairs)
	return pairs
}

func textValue(v interface{}) string {
	switch val := v.(type) {
	case error:
		return quoteIfSpaced(val.Error())
	case string:
		return quoteIfSpaced(val)
	case time.Duration:
		return val.String()
	case []string:
		return "[" + strings.Join(val, ",") + "]"
	default:
		return fmt.Sprintf("%v", v)
	}
}

func quoteIfSpaced(s string) string {
	if strings.ContainsAny(s, " \t\n") {
		return fmt.Sprintf("%q", s)
	}
	return s
}

func colorLevel(level Level, text string) string {
	const (
		red    = "\033[31m"
		yellow = "\033[33m"
		blue   = "\033[34m"
		gray   = "\033[90m"
		reset  = "\033[0m"
	)

	switch level {
	case DebugLevel:
		return gray + text + reset
	case InfoLevel:
		return blue + text + reset
	case WarnLevel:
		return yellow + text + reset
	case ErrorLevel, FatalLevel:
		return red + text + reset
	default:
		return text
	}
}

// JSONFormatter renders entries as one JSON object per line.
type JSONFormatter struct {
	TimestampFormat  string
	DisableTimestamp bool
}

// NewJSONFormatter creates a new JSON formatter
func NewJSONFormatter() *JSONFormatter {
	return &JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
	}
}

// Format formats a log entry as JSON
func (f *JSONFormatter) Format(entry *Entry) ([]byte, error) {
	data := make(map[string]interface{}, len(entry.Fields)+3)
	for k, v := range entry.Fields {
		switch val := v.(type) {
		case error:
			data[k] = val.Error()
		case time.Duration:
			data[k] = val.String()
		default:
			data[k] = v
		}
	}

	data["level"] = strings.ToLower(entry.Level.String())
	data["message"] = entry.Message
	if !f.DisableTimestamp {
		data["timestamp"] = entry.Timestamp.Format(f.TimestampFormat)
	}

	out, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal log entry: %w", err)
	}
	return append(out, '\n'), nil
}
