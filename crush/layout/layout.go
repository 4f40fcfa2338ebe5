// Package layout generates a CRUSH map from a declarative YAML description
// of a cluster: a type ladder, a device count, per-level bucket fan-out,
// and one rule per pool. The generator emits text-format source and runs
// it through the normal compile pipeline, so a generated map obeys every
// semantic check a hand-written one does.
package layout

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/crushmap/crushtool/crush"
	"github.com/crushmap/crushtool/crush/compiler"
)

// Spec is the YAML cluster description.
type Spec struct {
	// Types lists level names bottom-up; Types[0] is the device level.
	Types []string `yaml:"types"`
	// Devices is the number of leaf devices (osd0..osdN-1, weight 1.0).
	Devices int `yaml:"devices"`
	// Layers describes one bucket level per entry, bottom-up, covering
	// Types[1:] in order.
	Layers []Layer `yaml:"layers"`
	Rules  []Rule  `yaml:"rules"`
}

// Layer describes the buckets of one hierarchy level.
type Layer struct {
	Type string `yaml:"type"`
	Alg  string `yaml:"alg"`
	// Size is the number of children per bucket; 0 means one bucket
	// holding everything left.
	Size int `yaml:"size"`
}

// Rule describes one placement rule.
type Rule struct {
	Name    string   `yaml:"name"`
	Pool    int32    `yaml:"pool"`
	Type    string   `yaml:"type"`
	MinSize uint32   `yaml:"min_size"`
	MaxSize uint32   `yaml:"max_size"`
	Steps   []string `yaml:"steps"`
}

// Load reads and validates a layout file.
func Load(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Spec
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("layout %s: %w", path, err)
	}
	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("layout %s: %w", path, err)
	}
	return &s, nil
}

func (s *Spec) validate() error {
	if len(s.Types) < 2 {
		return fmt.Errorf("types needs at least a device level and one bucket level")
	}
	if s.Devices < 1 {
		return fmt.Errorf("devices must be positive, got %d", s.Devices)
	}
	if len(s.Layers) != len(s.Types)-1 {
		return fmt.Errorf("%d layers do not cover %d bucket levels", len(s.Layers), len(s.Types)-1)
	}
	for i, l := range s.Layers {
		if l.Type != s.Types[i+1] {
			return fmt.Errorf("layers[%d].type %q does not match types[%d] %q", i, l.Type, i+1, s.Types[i+1])
		}
		if _, ok := crush.AlgFromName(l.Alg); !ok {
			return fmt.Errorf("layers[%d].alg %q is not a bucket algorithm", i, l.Alg)
		}
		if l.Size < 0 {
			return fmt.Errorf("layers[%d].size %d is negative", i, l.Size)
		}
	}
	if len(s.Rules) == 0 {
		return fmt.Errorf("at least one rule is required")
	}
	for i, r := range s.Rules {
		if r.Type != "replicated" && r.Type != "raid4" {
			return fmt.Errorf("rules[%d].type %q is not replicated or raid4", i, r.Type)
		}
		if len(r.Steps) == 0 {
			return fmt.Errorf("rules[%d] has no steps", i)
		}
	}
	return nil
}

// Generate emits the text-format source for the described cluster.
func (s *Spec) Generate() string {
	var out strings.Builder

	for i := 0; i < s.Devices; i++ {
		fmt.Fprintf(&out, "device %d osd%d\n", i, i)
	}
	for level, name := range s.Types {
		fmt.Fprintf(&out, "type %d %s\n", level, name)
	}

	// Children of the first layer are devices; each further layer groups
	// the buckets of the one below.
	children := make([]string, s.Devices)
	for i := range children {
		children[i] = fmt.Sprintf("osd%d", i)
	}
	for _, l := range s.Layers {
		fanOut := l.Size
		if fanOut == 0 {
			fanOut = len(children)
		}
		var next []string
		for i := 0; i*fanOut < len(children); i++ {
			name := fmt.Sprintf("%s%d", l.Type, i)
			fmt.Fprintf(&out, "%s %s {\n\talg %s\n", l.Type, name, l.Alg)
			for _, child := range children[i*fanOut : min((i+1)*fanOut, len(children))] {
				fmt.Fprintf(&out, "\titem %s\n", child)
			}
			out.WriteString("}\n")
			next = append(next, name)
		}
		children = next
	}

	for _, r := range s.Rules {
		out.WriteString("rule ")
		if r.Name != "" {
			out.WriteString(r.Name + " ")
		}
		fmt.Fprintf(&out, "{\n\tpool %d\n\ttype %s\n\tmin_size %d\n\tmax_size %d\n", r.Pool, r.Type, r.MinSize, r.MaxSize)
		for _, step := range r.Steps {
			fmt.Fprintf(&out, "\tstep %s\n", step)
		}
		out.WriteString("}\n")
	}
	return out.String()
}

// Build generates and compiles the described cluster.
func (s *Spec) Build() (*crush.Map, error) {
	return compiler.Compile("<layout>", s.Generate())
}
