package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// coerceToJSONBytes turns a YAML file into JSON so both formats go through
// the same strict decoder. JSON input is returned unchanged. The second
// result names the detected format.
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return data, "json", nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	var doc any
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return []byte("{}"), "yaml", nil
		}
		return nil, "yaml", fmt.Errorf("yaml: %w", err)
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		if err != nil {
			return nil, "yaml", fmt.Errorf("yaml: %w", err)
		}
		return nil, "yaml", errors.New("yaml: multiple documents are not supported")
	}

	j, err := json.Marshal(stringKeys(doc))
	if err != nil {
		return nil, "yaml", fmt.Errorf("yaml to json: %w", err)
	}
	return j, "yaml", nil
}

// stringKeys rewrites non-string map keys (e.g. `1: x`) so the tree can be
// marshaled as JSON.
func stringKeys(in any) any {
	switch x := in.(type) {
	case map[string]any:
		for k, v := range x {
			x[k] = stringKeys(v)
		}
		return x
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = stringKeys(v)
		}
		return m
	case []any:
		for i, v := range x {
			x[i] = stringKeys(v)
		}
		return x
	default:
		return in
	}
}
