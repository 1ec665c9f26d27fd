// Package signature computes deterministic string signatures for tool calls.
//
// Equal signatures mean equal intent: two calls to the same tool with
// value-equal arguments (regardless of key order) must produce identical
// signatures, so the duplicate and loop detectors can key a map on them.
package signature

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Compute returns the canonical signature for a tool call: the tool name
// followed by its arguments rendered as sorted "key:value" pairs, separated
// by " | ". Array values are comma-joined; object/map values are rendered as
// canonical JSON (sorted keys, no insignificant whitespace).
func Compute(name string, args map[string]any) string {
	if len(args) == 0 {
		return name
	}

	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys)+1)
	parts = append(parts, name)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s:%s", k, renderValue(args[k])))
	}
	return strings.Join(parts, " | ")
}

// ComputeJSON is a convenience wrapper for callers holding raw JSON
// arguments (e.g. json.RawMessage from a ToolCall). Malformed JSON degrades
// to a signature over the raw bytes so callers never have to special-case
// an error return for a purely advisory detector.
func ComputeJSON(name string, rawArgs []byte) string {
	if len(rawArgs) == 0 {
		return name
	}
	var decoded map[string]any
	if err := json.Unmarshal(rawArgs, &decoded); err != nil {
		return name + " | " + string(rawArgs)
	}
	return Compute(name, decoded)
}

func renderValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case []any:
		items := make([]string, len(val))
		for i, item := range val {
			items[i] = renderValue(item)
		}
		return strings.Join(items, ",")
	case map[string]any:
		return canonicalJSON(val)
	default:
		// numbers, bools: json.Marshal gives a stable textual form.
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}

// canonicalJSON renders a map as JSON with lexicographically sorted keys and
// no extraneous whitespace, recursing through nested maps/arrays so two
// structurally-equal objects always render identically.
func canonicalJSON(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		b.Write(kb)
		b.WriteByte(':')
		b.WriteString(canonicalValue(m[k]))
	}
	b.WriteByte('}')
	return b.String()
}

func canonicalValue(v any) string {
	switch val := v.(type) {
	case map[string]any:
		return canonicalJSON(val)
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = canonicalValue(item)
		}
		return "[" + strings.Join(parts, ",") + "]"
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return "null"
		}
		return string(b)
	}
}
