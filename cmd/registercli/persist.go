package main

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/natefinch/atomic"

	"github.com/spacemeshos/nameserver/cmd/registercli/client"
)

// assignment is what a registration resolved to. Parent is nil for the root.
type assignment struct {
	Address   string         `json:"address"`
	ServiceID string         `json:"service_id"`
	Parent    *client.Parent `json:"parent"`
}

// persist writes a to filename, replacing any previous content atomically.
func persist(filename string, a assignment) error {
	var w bytes.Buffer
	enc := json.NewEncoder(&w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(a); err != nil {
		return fmt.Errorf("serializing: %w", err)
	}
	if err := atomic.WriteFile(filename, &w); err != nil {
		return fmt.Errorf("persisting %s: %w", filename, err)
	}
	return nil
}
