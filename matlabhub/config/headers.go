package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// ParseCustomHeaders interprets MWI_CUSTOM_HTTP_HEADERS. The value is either
// a path to a JSON file or an inline JSON object of header names to values.
// An empty value yields no headers.
func ParseCustomHeaders(value string) (map[string]string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}

	data := []byte(value)
	if info, err := os.Stat(value); err == nil {
		if info.IsDir() {
			return nil, fmt.Errorf("custom headers path %s is a directory", value)
		}
		data, err = os.ReadFile(value)
		if err != nil {
			return nil, fmt.Errorf("read custom headers file: %w", err)
		}
	} else if !strings.HasPrefix(value, "{") {
		return nil, fmt.Errorf("custom headers must be a JSON object or a readable file: %s", value)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse custom headers: %w", err)
	}

	headers := make(map[string]string, len(raw))
	for name, v := range raw {
		switch v := v.(type) {
		case string:
			headers[name] = v
		case float64, bool:
			headers[name] = fmt.Sprint(v)
		default:
			return nil, fmt.Errorf("custom header %q must have a scalar value", name)
		}
	}
	return headers, nil
}
