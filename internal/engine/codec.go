package engine

import (
	stdjson "encoding/json"

	"github.com/goccy/go-json"
)

// Marshal encodes a suspension-point payload.
func Marshal(v interface{}) (stdjson.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return stdjson.RawMessage(data), nil
}

// Unmarshal decodes a suspension-point payload.
func Unmarshal(data stdjson.RawMessage, v interface{}) error {
	if v == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
