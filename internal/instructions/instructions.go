// Package instructions holds the versioned system instruction texts for each
// workflow step. Texts are configuration data: a TOML catalogue keyed by
// (step, version), embedded in the binary and optionally replaced by a file.
package instructions

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"pika-helper/internal/domain"
	"pika-helper/internal/workflow"
)

//go:embed catalogue.toml
var embedded []byte

var ErrNotFound = errors.New("instructions: not found")

// Instruction is the resolved system message for one (step, version).
type Instruction struct {
	Step    domain.Step
	Version int
	Text    string
}

type catalogueFile struct {
	Directives  map[string]string `toml:"directives"`
	Instruction []entry           `toml:"instruction"`
}

type entry struct {
	Step       string   `toml:"step"`
	Version    int      `toml:"version"`
	Directives []string `toml:"directives"`
	Text       string   `toml:"text"`
}

// Registry is an immutable set of instructions.
type Registry struct {
	byStep map[domain.Step][]Instruction
}

// Default parses the embedded catalogue.
func Default() (*Registry, error) {
	return Parse(embedded)
}

// LoadFile parses a catalogue file from disk.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("instructions: read %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a TOML catalogue. Every workflow step must have
// at least one instruction.
func Parse(data []byte) (*Registry, error) {
	var f catalogueFile
	md, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&f)
	if err != nil {
		return nil, fmt.Errorf("instructions: decode catalogue: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("instructions: unknown keys %v", undecoded)
	}

	r := &Registry{byStep: make(map[domain.Step][]Instruction)}
	for i, e := range f.Instruction {
		step, err := workflow.ParseStep(e.Step)
		if err != nil {
			return nil, fmt.Errorf("instructions: entry %d: %w", i, err)
		}
		if e.Version <= 0 {
			return nil, fmt.Errorf("instructions: entry %d: version must be positive", i)
		}
		body := strings.TrimSpace(e.Text)
		if body == "" {
			return nil, fmt.Errorf("instructions: %s v%d: empty text", step, e.Version)
		}
		parts := make([]string, 0, len(e.Directives)+1)
		for _, name := range e.Directives {
			d, ok := f.Directives[name]
			if !ok {
				return nil, fmt.Errorf("instructions: %s v%d: unknown directive %q", step, e.Version, name)
			}
			parts = append(parts, strings.TrimSpace(d))
		}
		parts = append(parts, body)

		for _, existing := range r.byStep[step] {
			if existing.Version == e.Version {
				return nil, fmt.Errorf("instructions: %s v%d: duplicate version", step, e.Version)
			}
		}
		r.byStep[step] = append(r.byStep[step], Instruction{
			Step:    step,
			Version: e.Version,
			Text:    strings.Join(parts, "\n\n"),
		})
	}

	for _, spec := range workflow.Steps() {
		list := r.byStep[spec.Step]
		if len(list) == 0 {
			return nil, fmt.Errorf("instructions: no instruction for step %s", spec.Step)
		}
		sort.Slice(list, func(a, b int) bool { return list[a].Version < list[b].Version })
	}
	return r, nil
}

// Lookup returns the instruction for step at version. A version of zero or
// less selects the latest.
func (r *Registry) Lookup(step domain.Step, version int) (Instruction, error) {
	list := r.byStep[step]
	if len(list) == 0 {
		return Instruction{}, fmt.Errorf("%w: step %s", ErrNotFound, step)
	}
	if version <= 0 {
		return list[len(list)-1], nil
	}
	for _, in := range list {
		if in.Version == version {
			return in, nil
		}
	}
	return Instruction{}, fmt.Errorf("%w: %s v%d", ErrNotFound, step, version)
}

// Versions lists the known versions of step in ascending order.
func (r *Registry) Versions(step domain.Step) []int {
	out := make([]int, 0, len(r.byStep[step]))
	for _, in := range r.byStep[step] {
		out = append(out, in.Version)
	}
	return out
}
