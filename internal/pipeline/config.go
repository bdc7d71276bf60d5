package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Task kinds a backend can be built for.
const (
	TaskUpscaler = "upscaler"
	TaskInpaint  = "inpaint"
)

// Config is the fingerprint of a built backend. Two configs are equal iff all
// fields match; it is only ever used as a cache key.
type Config struct {
	Task           string
	ModelID        string
	CheckpointPath string
	Precision      string
	BatchSize      int
	MaxLength      int
	Height         int
	Width          int
	Device         string
	Lora           string
	Stencil        string
	OnDemand       bool
}

// Model returns the checkpoint path when set, otherwise the model id.
func (c Config) Model() string {
	if c.CheckpointPath != "" {
		return c.CheckpointPath
	}
	return c.ModelID
}

// Fingerprint is a short digest of all fields, for logs and metric labels.
func (c Config) Fingerprint() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%#v", c)))
	return hex.EncodeToString(sum[:6])
}
