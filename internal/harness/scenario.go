package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"
)

// Scenario is a sequence of workspace edits and builds with expectations.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Files seeds the workspace, keyed by slash-separated relative path.
	Files map[string]string `yaml:"files,omitempty"`

	// Graph is a graph document template; see the package documentation.
	Graph string `yaml:"graph"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step does exactly one thing: edit files, remove files or build.
type Step struct {
	Write  map[string]string `yaml:"write,omitempty"`
	Remove []string          `yaml:"remove,omitempty"`
	Build  *BuildStep        `yaml:"build,omitempty"`
}

// BuildStep runs the graph once.
type BuildStep struct {
	TolerateUndeclared bool    `yaml:"tolerate_undeclared,omitempty"`
	Expect             *Expect `yaml:"expect,omitempty"`
}

// Expect lists what a build must report. Each pip list, when present, must
// match the set of pips in that category exactly; an absent list is not
// checked.
type Expect struct {
	Outcome  string   `yaml:"outcome,omitempty"`
	Executed []string `yaml:"executed,omitempty"`
	Cached   []string `yaml:"cached,omitempty"`
	Failed   []string `yaml:"failed,omitempty"`
	Skipped  []string `yaml:"skipped,omitempty"`
}

// Assertion validates the workspace or trace after the last step.
type Assertion struct {
	Type    string `yaml:"type"`
	Path    string `yaml:"path,omitempty"`
	Content string `yaml:"content,omitempty"`
	Build   int    `yaml:"build,omitempty"`
	Pip     string `yaml:"pip,omitempty"`
	State   string `yaml:"state,omitempty"`
	Count   int    `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertFileContent  = "file_content"
	AssertFileAbsent   = "file_absent"
	AssertPipState     = "pip_state"
	AssertCacheEntries = "cache_entries"
)

var assertionTypes = []string{AssertFileContent, AssertFileAbsent, AssertPipState, AssertCacheEntries}

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected so a misspelled key fails loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario %s: %w", filepath.Base(path), err)
	}
	return &s, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Graph == "" {
		return fmt.Errorf("graph is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for path := range s.Files {
		if err := checkRelative(path); err != nil {
			return fmt.Errorf("files: %w", err)
		}
	}
	builds := 0
	for i, step := range s.Steps {
		n := 0
		if len(step.Write) > 0 {
			n++
			for path := range step.Write {
				if err := checkRelative(path); err != nil {
					return fmt.Errorf("step %d: %w", i, err)
				}
			}
		}
		if len(step.Remove) > 0 {
			n++
			for _, path := range step.Remove {
				if err := checkRelative(path); err != nil {
					return fmt.Errorf("step %d: %w", i, err)
				}
			}
		}
		if step.Build != nil {
			n++
			builds++
		}
		if n != 1 {
			return fmt.Errorf("step %d: exactly one of write, remove or build is required", i)
		}
	}
	if builds == 0 {
		return fmt.Errorf("at least one build step is required")
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(a, builds); err != nil {
			return fmt.Errorf("assertion %d (%s): %w", i, a.Type, err)
		}
	}
	return nil
}

func validateAssertion(a Assertion, builds int) error {
	if !slices.Contains(assertionTypes, a.Type) {
		return fmt.Errorf("unknown type (valid: %v)", assertionTypes)
	}
	switch a.Type {
	case AssertFileContent, AssertFileAbsent:
		if a.Path == "" {
			return fmt.Errorf("path is required")
		}
		return checkRelative(a.Path)
	case AssertPipState:
		if a.Pip == "" || a.State == "" {
			return fmt.Errorf("pip and state are required")
		}
		if a.Build < 1 || a.Build > builds {
			return fmt.Errorf("build must be between 1 and %d", builds)
		}
	case AssertCacheEntries:
		if a.Count < 0 {
			return fmt.Errorf("count must not be negative")
		}
	}
	return nil
}

func checkRelative(path string) error {
	if path == "" || filepath.IsAbs(path) || !filepath.IsLocal(filepath.FromSlash(path)) {
		return fmt.Errorf("path %q must be relative to the workspace", path)
	}
	return nil
}
