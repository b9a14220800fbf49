package queue

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ConversionPayload is the unit of work handed to the conversion collaborator:
// the group under conversion and its fragment locations in subband order.
type ConversionPayload struct {
	GroupKey      string   `json:"group_key"`
	FragmentPaths []string `json:"fragment_paths"`
}

// Validate checks the payload holds enough to invoke a conversion.
func (p ConversionPayload) Validate() error {
	if p.GroupKey == "" {
		return errors.New("payload group key is required")
	}
	if len(p.FragmentPaths) == 0 {
		return errors.New("payload requires at least one fragment path")
	}
	return nil
}

// Encode serializes the payload for storage.
func (p ConversionPayload) Encode() (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	return string(raw), nil
}

// DecodePayload deserializes a stored payload.
func DecodePayload(raw string) (ConversionPayload, error) {
	var payload ConversionPayload
	if raw == "" {
		return payload, errors.New("payload is empty")
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	return payload, nil
}
