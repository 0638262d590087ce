package store

import (
	"errors"

	"github.com/roach88/fsreplay/internal/activity"
)

// ErrRunNotFound is returned when a run id is unknown.
var ErrRunNotFound = errors.New("run not found")

// Run is one execution of a scenario.
type Run struct {
	ID          string `json:"id"`
	Scenario    string `json:"scenario"`
	BlockSize   int64  `json:"block_size"`
	Seeds       []Seed `json:"seeds,omitempty"`
	LogVersion  string `json:"log_version"`
	ToolVersion string `json:"tool_version"`
}

// Seed is the initial content of one file: a sparse stream of Length bytes
// whose present regions are listed.
type Seed struct {
	Path    string       `json:"path"`
	Length  int64        `json:"length"`
	Regions []SeedRegion `json:"regions,omitempty"`
}

// SeedRegion is one present region of a seed.
type SeedRegion struct {
	Start int64  `json:"start"`
	Data  []byte `json:"data"`
}

// Activity is one recorded activity.
type Activity struct {
	ID       string            `json:"id"`
	RunID    string            `json:"run_id"`
	Seq      int64             `json:"seq"`
	Request  activity.Request  `json:"request"`
	Response activity.Response `json:"response"`
	Error    string            `json:"error,omitempty"`
}

// Lockdown records that a run entered lockdown.
type Lockdown struct {
	ID     string `json:"id"`
	RunID  string `json:"run_id"`
	Seq    int64  `json:"seq"`
	Reason string `json:"reason"`
}
