// Package transcript reads the tail of a Claude Code JSONL transcript:
// last user/assistant messages, the latest reported to-do list, and the
// rate-limit keyword scan used by the stop hook.
package transcript

import (
	"bufio"
	"encoding/json"
	"os"
	"regexp"
	"strings"
)

// Record is one decoded transcript line.
type Record struct {
	Type string
	raw  map[string]any
	line string
}

// maxLineBytes bounds a single transcript line; tool results can be large.
const maxLineBytes = 4 * 1024 * 1024

// Tail returns the last n parseable records of a JSONL transcript.
// A missing file yields an empty slice, not an error: the hook must still
// succeed when the host has not written a transcript yet.
func Tail(path string, n int) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	// Keep a ring of the last n raw lines; transcripts grow for hours and
	// only the tail matters here.
	ring := make([]string, 0, n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if len(ring) == n {
			copy(ring, ring[1:])
			ring[n-1] = line
		} else {
			ring = append(ring, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	var records []Record
	for _, line := range ring {
		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			continue
		}
		records = append(records, Record{
			Type: asString(obj["type"]),
			raw:  obj,
			line: line,
		})
	}
	return records, nil
}

// ParseLine decodes one JSONL line into a Record. Used by tests and by
// callers that already hold transcript content in memory.
func ParseLine(line string) (Record, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(line), &obj); err != nil {
		return Record{}, false
	}
	return Record{Type: asString(obj["type"]), raw: obj, line: line}, true
}

var reminderRe = regexp.MustCompile(`(?s)<system-reminder>.*?</system-reminder>`)
var blankRunsRe = regexp.MustCompile(`\n{3,}`)

func stripReminders(s string) string {
	s = reminderRe.ReplaceAllString(s, "")
	s = blankRunsRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// LastMessage returns the most recent message of the given role ("user" or
// "assistant"), with system-reminder tags stripped. tool_result container
// records are skipped when looking for user input.
func LastMessage(records []Record, role string) string {
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		if r.Type != role {
			continue
		}
		msg, _ := r.raw["message"].(map[string]any)
		if msg == nil {
			continue
		}

		switch content := msg["content"].(type) {
		case string:
			if text := stripReminders(content); text != "" {
				return text
			}
		case []any:
			hasToolResult := false
			var texts []string
			for _, item := range content {
				block, ok := item.(map[string]any)
				if !ok {
					continue
				}
				switch asString(block["type"]) {
				case "tool_result":
					hasToolResult = true
				case "text":
					if t := asString(block["text"]); t != "" {
						texts = append(texts, t)
					}
				}
			}
			// A user record carrying tool_result blocks is the host feeding
			// tool output back, not the human typing.
			if role == "user" && hasToolResult {
				continue
			}
			if text := stripReminders(strings.Join(texts, "\n")); text != "" {
				return text
			}
		}
	}
	return ""
}

// LatestTodos returns the raw todos array from the most recent TodoWrite
// call in the transcript, or nil when none is present. The transcript copy
// can be fresher than the database on a stop event.
func LatestTodos(records []Record) json.RawMessage {
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]

		// Hook-style records carry the tool call at the top level.
		if asString(r.raw["tool_name"]) == "TodoWrite" {
			if raw := todosField(r.raw["tool_input"]); raw != nil {
				return raw
			}
		}
		if raw := todosField(r.raw["tool_response"]); raw != nil {
			return raw
		}

		// Conversation records carry it as a tool_use block.
		msg, _ := r.raw["message"].(map[string]any)
		if msg == nil {
			continue
		}
		content, _ := msg["content"].([]any)
		for j := len(content) - 1; j >= 0; j-- {
			block, ok := content[j].(map[string]any)
			if !ok || asString(block["type"]) != "tool_use" || asString(block["name"]) != "TodoWrite" {
				continue
			}
			if raw := todosField(block["input"]); raw != nil {
				return raw
			}
		}
	}
	return nil
}

func todosField(v any) json.RawMessage {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	todos, ok := obj["todos"]
	if !ok {
		return nil
	}
	raw, err := json.Marshal(todos)
	if err != nil {
		return nil
	}
	return raw
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
