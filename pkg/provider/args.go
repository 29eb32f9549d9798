package provider

import (
	"encoding/json"
	"strconv"
)

// StringArguments flattens decoded JSON tool arguments to strings. Models
// occasionally send an order number as a JSON number; it is rendered without
// exponent notation so "123456" stays "123456".
func StringArguments(args map[string]any) map[string]string {
	out := make(map[string]string, len(args))
	for k, v := range args {
		switch val := v.(type) {
		case nil:
			continue
		case string:
			out[k] = val
		case float64:
			out[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(val)
		case json.Number:
			out[k] = val.String()
		default:
			b, err := json.Marshal(val)
			if err != nil {
				continue
			}
			out[k] = string(b)
		}
	}
	return out
}

// decodeArguments parses a raw JSON object of tool arguments. Malformed input
// yields an empty map; the dispatcher reports missing arguments downstream.
func decodeArguments(raw string) map[string]string {
	if raw == "" {
		return map[string]string{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]string{}
	}
	return StringArguments(args)
}
