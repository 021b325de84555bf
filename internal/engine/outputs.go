package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/labforge/labforge/internal/model"
)

// sensitiveMask replaces sensitive output values in display entries. The raw
// value is still stored so the UI can offer a deliberate reveal.
const sensitiveMask = "••••••••"

// parseOutputs decodes the JSON form of the output sub-command. The top level
// is a map of output name to a wrapper with value and sensitive fields, but
// bare values are tolerated too.
func parseOutputs(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode outputs: %w", err)
	}
	return decoded, nil
}

// flattenOutputs extracts a flat name to value map. Sensitive values are kept
// as-is for storage.
func flattenOutputs(decoded map[string]any) map[string]any {
	flat := make(map[string]any, len(decoded))
	for key, entry := range decoded {
		value, _, wrapped := unwrapOutput(entry)
		if wrapped {
			flat[key] = value
		} else {
			flat[key] = entry
		}
	}
	return flat
}

// displayOutputs renders decoded outputs as labeled display entries, sorted
// by output name for stable presentation.
func displayOutputs(decoded map[string]any) []model.OutputEntry {
	keys := make([]string, 0, len(decoded))
	for key := range decoded {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	entries := make([]model.OutputEntry, 0, len(keys))
	for _, key := range keys {
		value, sensitive, wrapped := unwrapOutput(decoded[key])
		if !wrapped {
			value = decoded[key]
		}

		display := formatOutputValue(value)
		if sensitive {
			display = sensitiveMask
		}
		entries = append(entries, model.OutputEntry{
			Label:     humanizeKey(key),
			Value:     display,
			Sensitive: sensitive,
		})
	}
	return entries
}

// unwrapOutput pulls value and sensitive out of the tool's output wrapper.
// Returns wrapped=false when the entry is a bare value.
func unwrapOutput(entry any) (value any, sensitive bool, wrapped bool) {
	m, ok := entry.(map[string]any)
	if !ok {
		return nil, false, false
	}
	value, ok = m["value"]
	if !ok {
		return nil, false, false
	}
	sensitive, _ = m["sensitive"].(bool)
	return value, sensitive, true
}

func formatOutputValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool, float64, int, int64:
		return fmt.Sprint(v)
	case []any:
		if scalars, ok := scalarList(v); ok {
			return strings.Join(scalars, ", ")
		}
		return prettyJSON(v)
	default:
		return prettyJSON(v)
	}
}

func scalarList(values []any) ([]string, bool) {
	out := make([]string, 0, len(values))
	for _, v := range values {
		switch v.(type) {
		case string, bool, float64, int, int64:
			out = append(out, fmt.Sprint(v))
		default:
			return nil, false
		}
	}
	return out, true
}

func prettyJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

// humanizeKey turns an output name like "vpc_id" into "Vpc Id".
func humanizeKey(key string) string {
	words := strings.Fields(strings.ReplaceAll(key, "_", " "))
	for i, w := range words {
		runes := []rune(w)
		runes[0] = unicode.ToUpper(runes[0])
		words[i] = string(runes)
	}
	return strings.Join(words, " ")
}
