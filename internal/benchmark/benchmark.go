// Package benchmark loads the versioned artifact produced by the offline
// pattern-mining pipeline. The artifact is embedded at build time and read
// only; recommendation copy consumes it, nothing here writes it back.
package benchmark

import (
	_ "embed"
	"encoding/json"
	"fmt"
)

//go:embed benchmarks.json
var raw []byte

// Artifact is one versioned snapshot of cross-site design statistics.
type Artifact struct {
	Version    string               `json:"version"`
	Dimensions map[string]Dimension `json:"dimensions"`
}

// Dimension holds the mined statistics for a single scoring dimension.
type Dimension struct {
	Median int    `json:"median"`
	Note   string `json:"note"`
}

// Load parses the embedded artifact.
func Load() (*Artifact, error) {
	var a Artifact
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("benchmark: parsing embedded artifact: %w", err)
	}
	if a.Version == "" {
		return nil, fmt.Errorf("benchmark: embedded artifact has no version")
	}
	return &a, nil
}

// Median returns the mined median score for a dimension. ok is false when
// the artifact has no entry for it.
func (a *Artifact) Median(dimension string) (int, bool) {
	d, ok := a.Dimensions[dimension]
	return d.Median, ok
}

// Note returns the phrasing hint mined for a dimension, or "" when the
// artifact has none.
func (a *Artifact) Note(dimension string) string {
	return a.Dimensions[dimension].Note
}
