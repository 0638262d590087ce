package harness

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cueyaml "cuelang.org/go/encoding/yaml"
	"gopkg.in/yaml.v3"

	"github.com/roach88/fsreplay/internal/activity"
)

//go:embed schema.cue
var schemaSource string

// Scenario drives instrumented streams over a seeded filesystem and states
// what every step, the final filesystem, and the recorded trace must look
// like.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// RunID is an optional fixed run id for deterministic tests.
	// If empty, defaults to "test-run-default" for golden file comparison.
	RunID string `yaml:"run_id,omitempty"`

	// BlockSize is the extent granularity of the filesystem under test.
	BlockSize int64 `yaml:"block_size,omitempty"`

	// Check enables the model checker. Defaults to true.
	Check *bool `yaml:"check,omitempty"`

	// Seeds are the initial (sparse) files.
	Seeds []SeedSpec `yaml:"seeds,omitempty"`

	// Streams are opened, or created lazily, in order before the first step.
	Streams []StreamSpec `yaml:"streams,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Expect checks the final state.
	Expect *FinalExpect `yaml:"expect,omitempty"`

	// Assertions validate the recorded trace.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// SeedSpec is the initial content of one file: Length bytes, zero except
// for the listed regions.
type SeedSpec struct {
	Path    string       `yaml:"path"`
	Length  int64        `yaml:"length"`
	Regions []RegionData `yaml:"regions,omitempty"`
}

// RegionData is a present region of a seed.
type RegionData struct {
	Start int64  `yaml:"start"`
	Data  string `yaml:"data"`
}

// StreamSpec declares an instrumented stream.
type StreamSpec struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`

	// Flags are open flag names. Defaults to [rdwr, create].
	Flags []string `yaml:"flags,omitempty"`

	// Perm is an octal permission string. Defaults to "0644".
	Perm string `yaml:"perm,omitempty"`

	// Lazy creates the stream without the open activity; its first
	// activity reconstructs the native stream.
	Lazy bool `yaml:"lazy,omitempty"`
}

// Step is one operation of the scenario.
type Step struct {
	Op     string `yaml:"op"`
	Stream string `yaml:"stream,omitempty"`

	// Data is the payload of a write.
	Data string `yaml:"data,omitempty"`
	// Count is the buffer size of a read.
	Count int `yaml:"count,omitempty"`
	// Offset and Whence are the seek arguments.
	Offset int64  `yaml:"offset,omitempty"`
	Whence string `yaml:"whence,omitempty"`
	// Position is the set_position argument.
	Position int64 `yaml:"position,omitempty"`
	// Length is the set_length argument.
	Length int64 `yaml:"length,omitempty"`
	// Reason explains a lockdown step.
	Reason string `yaml:"reason,omitempty"`
	// From and To select the window of a replay step.
	From int64 `yaml:"from,omitempty"`
	To   int64 `yaml:"to,omitempty"`

	// Expect checks the outcome. If nil, the step must succeed.
	Expect *StepExpect `yaml:"expect,omitempty"`
}

// StepExpect lists the expected outcome of a step. Only set fields are
// checked.
type StepExpect struct {
	N        *int    `yaml:"n,omitempty"`
	Position *int64  `yaml:"position,omitempty"`
	Data     *string `yaml:"data,omitempty"`
	EOF      *bool   `yaml:"eof,omitempty"`
	Flag     *bool   `yaml:"flag,omitempty"`

	Extents *[]RegionSpec `yaml:"extents,omitempty"`

	// Error, if set, requires the step to fail with an error containing it.
	Error *string `yaml:"error,omitempty"`

	// Shadow is the shadow position after the step.
	Shadow *int64 `yaml:"shadow,omitempty"`

	// Replay step outcome.
	Divergences *int `yaml:"divergences,omitempty"`
	Reopened    *int `yaml:"reopened,omitempty"`
	Executed    *int `yaml:"executed,omitempty"`
}

// RegionSpec is an expected extent.
type RegionSpec struct {
	Start  int64 `yaml:"start"`
	Length int64 `yaml:"length"`
}

// FinalExpect checks the state after the last step.
type FinalExpect struct {
	Lockdown    *bool        `yaml:"lockdown,omitempty"`
	OpenStreams *int         `yaml:"open_streams,omitempty"`
	Files       []FileExpect `yaml:"files,omitempty"`
}

// FileExpect checks one file of the filesystem under test.
type FileExpect struct {
	Path     string        `yaml:"path"`
	Exists   *bool         `yaml:"exists,omitempty"`
	Contents *string       `yaml:"contents,omitempty"`
	Length   *int64        `yaml:"length,omitempty"`
	Extents  *[]RegionSpec `yaml:"extents,omitempty"`
}

// Assertion validates the recorded trace.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": an activity with Op (on Stream) whose fields include Fields
	// - "trace_order": the first occurrences of Ops appear in order
	// - "trace_count": exactly Count activities with Op (on Stream)
	Type string `yaml:"type"`

	Op     string         `yaml:"op,omitempty"`
	Stream string         `yaml:"stream,omitempty"`
	Fields map[string]any `yaml:"fields,omitempty"`
	Ops    []string       `yaml:"ops,omitempty"`
	Count  int            `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
)

// Harness-level step ops.
const (
	StepLockdown = "lockdown"
	StepUnlock   = "unlock"
	StepReplay   = "replay"
)

// CheckEnabled reports whether the model checker runs.
func (s *Scenario) CheckEnabled() bool {
	return s.Check == nil || *s.Check
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, violates the schema,
// contains unknown fields (typos), or is inconsistent.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(filepath.Base(path), data)
}

// ParseScenario parses a scenario document. name is used in error
// positions only.
func ParseScenario(name string, data []byte) (*Scenario, error) {
	if err := validateSchema(name, data); err != nil {
		return nil, err
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateSchema checks the document against the embedded CUE schema.
func validateSchema(name string, data []byte) error {
	cctx := cuecontext.New()
	schema := cctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile scenario schema: %w", err)
	}

	file, err := cueyaml.Extract(name, data)
	if err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	doc := cctx.BuildFile(file)
	if err := doc.Err(); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	def := schema.LookupPath(cue.ParsePath("#Scenario"))
	if err := def.Unify(doc).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("scenario does not match schema:\n%s", cueerrors.Details(err, nil))
	}
	return nil
}

// validateScenario checks what the schema cannot: references between
// streams and steps, and seed geometry.
func validateScenario(s *Scenario) error {
	streams := make(map[string]bool, len(s.Streams))
	for i, st := range s.Streams {
		if streams[st.Name] {
			return fmt.Errorf("streams[%d]: duplicate stream name %q", i, st.Name)
		}
		streams[st.Name] = true
		if _, err := ParseFlags(st.Flags); err != nil {
			return fmt.Errorf("streams[%d]: %w", i, err)
		}
		if _, err := ParsePerm(st.Perm); err != nil {
			return fmt.Errorf("streams[%d]: %w", i, err)
		}
	}

	for i, seed := range s.Seeds {
		for j, r := range seed.Regions {
			if r.Start+int64(len(r.Data)) > seed.Length {
				return fmt.Errorf("seeds[%d].regions[%d]: region ends at %d past length %d",
					i, j, r.Start+int64(len(r.Data)), seed.Length)
			}
		}
	}

	for i, step := range s.Steps {
		switch step.Op {
		case StepLockdown, StepUnlock, StepReplay:
			if step.Stream != "" {
				return fmt.Errorf("steps[%d]: %s takes no stream", i, step.Op)
			}
		default:
			if !activity.Op(step.Op).Valid() {
				return fmt.Errorf("steps[%d]: unknown op %q", i, step.Op)
			}
			if !streams[step.Stream] {
				return fmt.Errorf("steps[%d]: unknown stream %q", i, step.Stream)
			}
		}
		if step.Op == StepReplay && step.To > 0 && step.To < step.From {
			return fmt.Errorf("steps[%d]: replay window [%d,%d] is empty", i, step.From, step.To)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a Assertion) error {
	switch a.Type {
	case AssertTraceContains, AssertTraceCount:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for %s", index, a.Type)
		}
	case AssertTraceOrder:
		if len(a.Ops) == 0 {
			return fmt.Errorf("assertions[%d]: ops list is required for trace_order", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

var flagNames = map[string]int{
	"rdonly": os.O_RDONLY,
	"wronly": os.O_WRONLY,
	"rdwr":   os.O_RDWR,
	"create": os.O_CREATE,
	"trunc":  os.O_TRUNC,
	"excl":   os.O_EXCL,
	"append": os.O_APPEND,
}

// ParseFlags turns flag names into open flags. An empty list means
// read-write, creating the file.
func ParseFlags(names []string) (int, error) {
	if len(names) == 0 {
		return os.O_RDWR | os.O_CREATE, nil
	}
	flag := 0
	access := 0
	for _, name := range names {
		f, ok := flagNames[name]
		if !ok {
			return 0, fmt.Errorf("unknown open flag %q", name)
		}
		if slices.Contains([]string{"rdonly", "wronly", "rdwr"}, name) {
			access++
		}
		flag |= f
	}
	if access > 1 {
		return 0, fmt.Errorf("open flags %v name more than one access mode", names)
	}
	return flag, nil
}

// ParsePerm parses an octal permission string. Empty means 0644.
func ParsePerm(perm string) (os.FileMode, error) {
	if perm == "" {
		return 0o644, nil
	}
	v, err := strconv.ParseUint(perm, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid perm %q: %w", perm, err)
	}
	return os.FileMode(v), nil
}

// ParseWhence maps a whence name to its io constant. Empty means start.
func ParseWhence(name string) (int, error) {
	switch name {
	case "", "start":
		return io.SeekStart, nil
	case "current":
		return io.SeekCurrent, nil
	case "end":
		return io.SeekEnd, nil
	}
	return 0, fmt.Errorf("unknown whence %q", name)
}

// OpenSpec returns how the stream's native stream is opened.
func (st StreamSpec) OpenSpec() (activity.OpenSpec, error) {
	flag, err := ParseFlags(st.Flags)
	if err != nil {
		return activity.OpenSpec{}, err
	}
	perm, err := ParsePerm(st.Perm)
	if err != nil {
		return activity.OpenSpec{}, err
	}
	return activity.OpenSpec{Path: st.Path, Flag: flag, Perm: perm}, nil
}
