package core

import (
	"encoding/json"
	"log"
)

// EncodeJSON marshals v, logging and returning nil on failure so callers on
// the broadcast path never have to branch on encode errors.
func EncodeJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("Failed to encode JSON: %v", err)
		return nil
	}
	return data
}

// DecodeJSON unmarshals data into v.
func DecodeJSON(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
