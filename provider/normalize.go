package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

var (
	kindFields     = []string{"type", "stream", "name"}
	textFields     = []string{"line", "text", "data", "content", "message", "value"}
	exitCodeFields = []string{"exitCode", "exit_code", "code"}
)

// Normalize converts a raw provider frame into an Event.
//
// A frame is either a JSON string, which is stdout text, or an object whose
// kind and text may live under several field names depending on the
// provider version.
func Normalize(raw []byte) (Event, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Event{}, fmt.Errorf("%w: empty frame", ErrUnknownFrame)
	}

	if raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrUnknownFrame, err)
		}
		return Event{Kind: EventStdout, Text: text}, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrUnknownFrame, err)
	}

	kind, kindField := firstString(fields, kindFields...)
	text, _ := firstString(fields, textFields...)

	switch strings.ToLower(kind) {
	case "stdout", "out":
		return Event{Kind: EventStdout, Text: text}, nil
	case "stderr", "err":
		return Event{Kind: EventStderr, Text: text}, nil
	case "result", "execute_result", "display_data":
		return Event{Kind: EventResult, Text: text, Data: resultData(fields, raw)}, nil
	case "error", "exception":
		// Kernel errors carry the exception class in "name".
		if name, _ := firstString(fields, "name"); name != "" && kindField != "name" {
			text = name + ": " + text
		}
		return Event{Kind: EventError, Text: text, Data: raw}, nil
	case "exit", "end", "done":
		return Event{Kind: EventExit, ExitCode: firstInt(fields, exitCodeFields...)}, nil
	case "":
		return Event{}, fmt.Errorf("%w: no kind field", ErrUnknownFrame)
	default:
		return Event{}, fmt.Errorf("%w: kind %q", ErrUnknownFrame, kind)
	}
}

func firstString(fields map[string]json.RawMessage, names ...string) (value, field string) {
	for _, name := range names {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s, name
		}
	}
	return "", ""
}

func firstInt(fields map[string]json.RawMessage, names ...string) int {
	for _, name := range names {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		var n int
		if err := json.Unmarshal(raw, &n); err == nil {
			return n
		}
	}
	return 0
}

// resultData picks the structured payload of a result frame, or the frame itself.
func resultData(fields map[string]json.RawMessage, raw []byte) json.RawMessage {
	for _, name := range []string{"data", "result", "value"} {
		if v, ok := fields[name]; ok && len(v) > 0 && v[0] == '{' {
			return v
		}
	}
	return json.RawMessage(raw)
}
