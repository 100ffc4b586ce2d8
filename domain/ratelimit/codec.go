package ratelimit

import (
	"encoding/json"
	"fmt"
	"time"
)

type wireState struct {
	WindowStart time.Time `json:"window_start"`
	Count       int       `json:"count"`
}

// EncodeState serializes a window for the shared cache.
func EncodeState(s WindowState) (string, error) {
	data, err := json.Marshal(wireState{WindowStart: s.WindowStart.UTC(), Count: s.Count})
	if err != nil {
		return "", fmt.Errorf("encode window state: %w", err)
	}
	return string(data), nil
}

// DecodeState parses a cached window.
func DecodeState(v string) (WindowState, error) {
	var w wireState
	if err := json.Unmarshal([]byte(v), &w); err != nil {
		return WindowState{}, fmt.Errorf("decode window state: %w", err)
	}
	if w.WindowStart.IsZero() || w.Count < 0 {
		return WindowState{}, fmt.Errorf("decode window state: invalid value %q", v)
	}
	return WindowState{WindowStart: w.WindowStart, Count: w.Count}, nil
}
