package storage

import (
	"encoding/json"
	"fmt"
)

func encodeMap(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session data: %w", err)
	}
	return data, nil
}

func decodeMap(data []byte) (map[string]interface{}, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode session data: %w", err)
	}
	return m, nil
}

// nullableText turns an encoded map into a SQL value; nil maps are stored as NULL.
func nullableText(data []byte) interface{} {
	if data == nil {
		return nil
	}
	return string(data)
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
