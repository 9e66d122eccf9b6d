package gossip

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

func encodePayload(payload map[string]any) ([]byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("gossip: marshal payload: %w", err)
	}
	return b, nil
}

func decodePayload(raw []byte) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("gossip: unmarshal payload: %w", err)
	}
	return out, nil
}

func encodeBase64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func decodeBase64(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }
