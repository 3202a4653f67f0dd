package request

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads and validates a request from the given file path.
//
// The file format is determined by extension: .yaml/.yml for YAML, .json for
// JSON. If the extension is unrecognized, YAML is attempted first, then JSON.
func Load(path string) (*Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("request file not found: %s", path)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("permission denied reading request: %s", path)
		}
		return nil, fmt.Errorf("failed to read request file: %w", err)
	}

	return LoadFromBytes(data, path)
}

// LoadFromReader reads and validates a request from r. path is only used for
// format detection and may be empty.
func LoadFromReader(r io.Reader, path string) (*Request, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read request: %w", err)
	}
	return LoadFromBytes(data, path)
}

// LoadFromBytes parses and validates a request from raw bytes.
//
// The raw document is validated before it is decoded into the typed struct,
// so unknown fields are rejected rather than silently dropped.
func LoadFromBytes(data []byte, path string) (*Request, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errors.New("request is empty")
	}

	jsonData, err := toJSON(data, path)
	if err != nil {
		return nil, err
	}
	if err := ValidateRaw(jsonData); err != nil {
		return nil, err
	}

	var req Request
	if err := json.Unmarshal(jsonData, &req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if _, err := req.Section(); err != nil {
		return nil, err
	}
	req.ApplyDefaults()
	return &req, nil
}

// toJSON converts the input to JSON for schema validation and decoding.
func toJSON(data []byte, path string) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		var raw any
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid JSON in request: %w", err)
		}
		return data, nil

	case ".yaml", ".yml":
		return yamlToJSON(data)

	default:
		// YAML is a superset of JSON.
		jsonData, err := yamlToJSON(data)
		if err == nil {
			return jsonData, nil
		}
		var raw any
		if jsonErr := json.Unmarshal(data, &raw); jsonErr == nil {
			return data, nil
		}
		return nil, fmt.Errorf("failed to parse request (tried YAML and JSON): %w", err)
	}
}

func yamlToJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML in request: %w", err)
	}

	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert request to JSON: %w", err)
	}
	return jsonData, nil
}
